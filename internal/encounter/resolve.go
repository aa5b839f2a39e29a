package encounter

import "monsterhunt/arengine/internal/physics"

// DefaultDamage is the fixed damage every equipped item deals.
const DefaultDamage = 20

// HitResult is the outcome of a pure hit test.
type HitResult struct {
	Kind OutcomeKind
	Hit  physics.Hit
}

// Resolve runs the hit test for a fire action. It depends only on its inputs,
// so the result is reproducible for any animation phase.
func Resolve(weapon string, pose physics.Pose, collider physics.Collider) HitResult {
	//1.- A fire without a weapon never reaches the geometry.
	if weapon == "" {
		return HitResult{Kind: OutcomeNoWeapon}
	}
	if collider == nil {
		return HitResult{Kind: OutcomeMiss}
	}
	//2.- Cast along the view direction and register the nearest intersection.
	hit, ok := collider.Intersect(pose.Ray())
	if !ok {
		return HitResult{Kind: OutcomeMiss}
	}
	return HitResult{Kind: OutcomeHit, Hit: hit}
}

// ApplyDamage subtracts damage from hp, clamping at zero.
func ApplyDamage(hp, damage int) int {
	if damage < 0 {
		damage = 0
	}
	remaining := hp - damage
	if remaining < 0 {
		return 0
	}
	return remaining
}

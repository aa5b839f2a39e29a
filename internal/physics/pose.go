package physics

import "math"

// Pose is a camera or model placement in scene space.
type Pose struct {
	Position    Vec3       `json:"position" msgpack:"position"`
	Orientation Quaternion `json:"orientation" msgpack:"orientation"`
}

// Forward returns the unit view direction, -Z rotated by the orientation.
func (p Pose) Forward() Vec3 {
	rot := p.Orientation
	if rot == (Quaternion{}) {
		rot = Identity()
	}
	forward, ok := rot.Normalize().Rotate(Vec3{Z: -1}).Normalize()
	if !ok {
		return Vec3{Z: -1}
	}
	return forward
}

// Ray casts from the pose position along its forward direction.
func (p Pose) Ray() Ray {
	return Ray{Origin: p.Position, Direction: p.Forward()}
}

const (
	// IdleBobAmplitude is the vertical travel of an idle monster in meters.
	IdleBobAmplitude = 0.2
	// IdleSpinPerFrame is the yaw added on every rendered frame, in radians.
	IdleSpinPerFrame = 0.01
)

// IdleTransform poses a monster anchored at anchor after elapsedSeconds and frames rendered frames.
func IdleTransform(anchor Vec3, elapsedSeconds float64, frames uint64) Pose {
	//1.- Bob around the anchor height with sin(t).
	position := anchor
	position.Y += math.Sin(elapsedSeconds) * IdleBobAmplitude
	//2.- Spin a fixed amount per frame, wrapped to one turn.
	yaw := math.Mod(float64(frames)*IdleSpinPerFrame, 2*math.Pi)
	return Pose{Position: position, Orientation: FromAxisAngle(Vec3{Y: 1}, yaw)}
}

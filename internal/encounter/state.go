package encounter

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of an encounter.
type State string

const (
	StateAwaitingSensorPermission State = "awaiting_sensor_permission"
	StateActive                   State = "active"
	StateResolved                 State = "resolved"
)

var (
	// ErrSensorPermissionDenied keeps the encounter blocked on the permission prompt.
	ErrSensorPermissionDenied = errors.New("sensor permission denied")
	// ErrUnknownWeapon is returned when selecting an item that is not in the loadout.
	ErrUnknownWeapon = errors.New("weapon not in loadout")
	// ErrSessionClosed is returned by mutators after teardown.
	ErrSessionClosed = errors.New("encounter session closed")
	// ErrAwaitingPermission is returned when sensor data arrives before access was granted.
	ErrAwaitingPermission = errors.New("sensor access not granted yet")
	// ErrResolved is returned when the encounter already ended.
	ErrResolved = errors.New("encounter resolved")
)

// Transient messages shown by the presentation layer.
const (
	MessageMiss          = "Miss!"
	MessageNoWeapon      = "Select a weapon!"
	MessageSensorsDenied = "Allow sensor access to start."
)

// HitMessage formats the message shown after a successful hit.
func HitMessage(damage int) string {
	return fmt.Sprintf("Hit! -%d HP", damage)
}

// OutcomeKind classifies a fire action.
type OutcomeKind string

const (
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeNoWeapon OutcomeKind = "no_weapon"
	OutcomeHit      OutcomeKind = "hit"
	OutcomeMiss     OutcomeKind = "miss"
)

// Outcome reports the result of one fire action.
type Outcome struct {
	Kind        OutcomeKind `json:"kind" msgpack:"kind"`
	Weapon      string      `json:"weapon,omitempty" msgpack:"weapon"`
	Damage      int         `json:"damage,omitempty" msgpack:"damage"`
	RemainingHP int         `json:"remaining_hp" msgpack:"remaining_hp"`
	Distance    float64     `json:"distance,omitempty" msgpack:"distance"`
	Message     string      `json:"message,omitempty" msgpack:"message"`
	Resolved    bool        `json:"resolved,omitempty" msgpack:"resolved"`
	// Reason explains a rejection; nil for every other kind.
	Reason error `json:"-" msgpack:"-"`
}

// Rejection describes why a rejected outcome carries no effect.
func (o Outcome) Rejection() string {
	if o.Kind != OutcomeRejected || o.Reason == nil {
		return ""
	}
	return o.Reason.Error()
}

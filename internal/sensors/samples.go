package sensors

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"monsterhunt/arengine/internal/geo"
	"monsterhunt/arengine/internal/physics"
)

// Permission is the outcome of the browser sensor prompt.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// ErrUnknownPermission rejects permission strings the browser never sends.
var ErrUnknownPermission = errors.New("unknown permission state")

// ParsePermission normalises a permission string.
func ParsePermission(raw string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionGranted:
		return PermissionGranted, nil
	case PermissionDenied:
		return PermissionDenied, nil
	case PermissionPrompt, "":
		return PermissionPrompt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, raw)
	}
}

// ErrInvalidOrientation rejects samples carrying NaN or infinite angles.
var ErrInvalidOrientation = errors.New("orientation sample out of range")

// OrientationSample mirrors a DeviceOrientationEvent plus the screen orientation angle, in degrees.
type OrientationSample struct {
	Sequence    uint64  `json:"seq,omitempty" msgpack:"seq"`
	Alpha       float64 `json:"alpha" msgpack:"alpha"`
	Beta        float64 `json:"beta" msgpack:"beta"`
	Gamma       float64 `json:"gamma" msgpack:"gamma"`
	ScreenAngle float64 `json:"screen" msgpack:"screen"`
}

// Quaternion converts the sample into a camera rotation.
func (s OrientationSample) Quaternion() (physics.Quaternion, error) {
	for _, angle := range []float64{s.Alpha, s.Beta, s.Gamma, s.ScreenAngle} {
		if math.IsNaN(angle) || math.IsInf(angle, 0) {
			return physics.Quaternion{}, ErrInvalidOrientation
		}
	}
	return physics.FromDeviceOrientation(s.Alpha, s.Beta, s.Gamma, s.ScreenAngle), nil
}

// GeoSample mirrors a GeolocationPosition.
type GeoSample struct {
	Latitude  float64 `json:"lat" msgpack:"lat"`
	Longitude float64 `json:"lng" msgpack:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty" msgpack:"accuracy"`
	Timestamp int64   `json:"timestamp" msgpack:"timestamp"`
}

// Fix converts the sample into a geographic fix.
func (s GeoSample) Fix() geo.Fix {
	return geo.Fix{
		Latitude:       s.Latitude,
		Longitude:      s.Longitude,
		TimestampMs:    s.Timestamp,
		AccuracyMeters: s.Accuracy,
	}
}

// Package geo converts live geographic fixes into a local east/north offset
// in meters anchored at the first fix of an encounter.
//
// The projection treats the neighbourhood of the origin as a flat plane and
// measures each axis with the haversine formula on a sphere of radius
// EarthRadiusMeters. It is accurate to well under one percent for the tens to
// low hundreds of meters a player walks during an encounter. No ellipsoidal or
// altitude correction is applied.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the equatorial radius used by the haversine distance.
const EarthRadiusMeters = 6378137.0

// ErrInvalidFix reports coordinates outside the WGS84 range or NaN values.
var ErrInvalidFix = errors.New("fix coordinates out of range")

// Fix is one reading of geographic position at a point in time.
type Fix struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	TimestampMs    int64   `json:"timestamp_ms"`
	AccuracyMeters float64 `json:"accuracy_m,omitempty"`
}

// Validate reports whether the fix carries usable coordinates.
func (f Fix) Validate() error {
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) {
		return ErrInvalidFix
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
		return ErrInvalidFix
	}
	return nil
}

// Offset is a displacement from the origin in meters: X east, Z north.
type Offset struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Project returns the offset of fix relative to origin. It has no side effects.
func Project(origin, fix Fix) Offset {
	//1.- Measure each axis along its own meridian or parallel through the origin.
	east := HaversineMeters(origin, Fix{Latitude: origin.Latitude, Longitude: fix.Longitude})
	north := HaversineMeters(origin, Fix{Latitude: fix.Latitude, Longitude: origin.Longitude})
	//2.- Recover the sign from the ordering of the raw coordinates.
	if fix.Longitude < origin.Longitude {
		east = -east
	}
	if fix.Latitude < origin.Latitude {
		north = -north
	}
	return Offset{X: east, Z: north}
}

// HaversineMeters returns the great-circle surface distance between two fixes.
func HaversineMeters(a, b Fix) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	//1.- Clamp rounding noise so antipodal inputs never feed sqrt a negative value.
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

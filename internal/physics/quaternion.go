package physics

import "math"

// Quaternion is a unit rotation in scene space.
type Quaternion struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
	W float64 `json:"w" msgpack:"w"`
}

// Identity is the rotation that leaves vectors untouched.
func Identity() Quaternion { return Quaternion{W: 1} }

// FromAxisAngle builds a rotation of angle radians around axis.
func FromAxisAngle(axis Vec3, angle float64) Quaternion {
	unit, ok := axis.Normalize()
	if !ok {
		return Identity()
	}
	s := math.Sin(angle / 2)
	return Quaternion{X: unit.X * s, Y: unit.Y * s, Z: unit.Z * s, W: math.Cos(angle / 2)}
}

// FromYawPitch builds a camera rotation: yaw around +Y then pitch around the local X axis, in radians.
func FromYawPitch(yaw, pitch float64) Quaternion {
	return FromAxisAngle(Vec3{Y: 1}, yaw).Mul(FromAxisAngle(Vec3{X: 1}, pitch))
}

// halfSqrt is sqrt(0.5), the component magnitude of a quarter turn.
var halfSqrt = math.Sqrt(0.5)

// FromDeviceOrientation converts W3C DeviceOrientation angles (degrees) and
// the screen orientation angle (degrees) into a camera rotation. The device
// frame maps to the scene the same way browser AR viewers do: the back
// camera of an upright phone facing north looks down -Z.
func FromDeviceOrientation(alpha, beta, gamma, screen float64) Quaternion {
	a := toRadians(alpha)
	b := toRadians(beta)
	g := toRadians(gamma)
	o := toRadians(screen)

	//1.- Compose the 'YXZ' Euler rotation (beta, alpha, -gamma).
	c1, s1 := math.Cos(b/2), math.Sin(b/2)
	c2, s2 := math.Cos(a/2), math.Sin(a/2)
	c3, s3 := math.Cos(-g/2), math.Sin(-g/2)
	q := Quaternion{
		X: s1*c2*c3 + c1*s2*s3,
		Y: c1*s2*c3 - s1*c2*s3,
		Z: c1*c2*s3 - s1*s2*c3,
		W: c1*c2*c3 + s1*s2*s3,
	}
	//2.- Rotate -90 degrees around X so the camera looks out of the back of the device.
	q = q.Mul(Quaternion{X: -halfSqrt, W: halfSqrt})
	//3.- Compensate for the screen orientation around the viewing axis.
	q = q.Mul(FromAxisAngle(Vec3{Z: 1}, -o))
	return q.Normalize()
}

// Mul returns the Hamilton product q*r (apply r first, then q).
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		X: q.X*r.W + q.W*r.X + q.Y*r.Z - q.Z*r.Y,
		Y: q.Y*r.W + q.W*r.Y + q.Z*r.X - q.X*r.Z,
		Z: q.Z*r.W + q.W*r.Z + q.X*r.Y - q.Y*r.X,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

// Normalize rescales the quaternion to unit length; a zero quaternion becomes Identity.
func (q Quaternion) Normalize() Quaternion {
	length := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if length == 0 || math.IsNaN(length) {
		return Identity()
	}
	inv := 1 / length
	return Quaternion{X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv, W: q.W * inv}
}

// Rotate applies the rotation to v.
func (q Quaternion) Rotate(v Vec3) Vec3 {
	u := Vec3{X: q.X, Y: q.Y, Z: q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

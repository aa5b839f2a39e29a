package physics

import "math"

// Ray is a half line starting at Origin. Direction does not need to be unit length.
type Ray struct {
	Origin    Vec3 `json:"origin" msgpack:"origin"`
	Direction Vec3 `json:"direction" msgpack:"direction"`
}

// At returns the point distance units along the normalised direction.
func (r Ray) At(distance float64) Vec3 {
	dir, ok := r.Direction.Normalize()
	if !ok {
		return r.Origin
	}
	return r.Origin.Add(dir.Scale(distance))
}

// Hit describes the nearest intersection along a ray.
type Hit struct {
	Distance float64 `json:"distance" msgpack:"distance"`
	Point    Vec3    `json:"point" msgpack:"point"`
}

// Collider is anything a ray can be tested against.
type Collider interface {
	Intersect(ray Ray) (Hit, bool)
}

// Box is an oriented cuboid centred on Center.
type Box struct {
	Center      Vec3
	HalfExtents Vec3
	// Rotation orients the box; the zero value is treated as Identity.
	Rotation Quaternion
}

// NewCube returns an axis aligned cube with the given edge length.
func NewCube(center Vec3, edge float64) Box {
	half := edge / 2
	return Box{Center: center, HalfExtents: Vec3{X: half, Y: half, Z: half}, Rotation: Identity()}
}

// Intersect runs the slab test in the box's local frame.
func (b Box) Intersect(ray Ray) (Hit, bool) {
	dir, ok := ray.Direction.Normalize()
	if !ok {
		return Hit{}, false
	}
	//1.- Move the ray into box space so the slabs are axis aligned.
	rot := b.Rotation
	if rot == (Quaternion{}) {
		rot = Identity()
	}
	inverse := Quaternion{X: -rot.X, Y: -rot.Y, Z: -rot.Z, W: rot.W}.Normalize()
	origin := inverse.Rotate(ray.Origin.Sub(b.Center))
	localDir := inverse.Rotate(dir)

	tMin := 0.0
	tMax := math.Inf(1)
	origins := [3]float64{origin.X, origin.Y, origin.Z}
	dirs := [3]float64{localDir.X, localDir.Y, localDir.Z}
	extents := [3]float64{b.HalfExtents.X, b.HalfExtents.Y, b.HalfExtents.Z}
	for axis := 0; axis < 3; axis++ {
		//2.- A ray parallel to a slab must start inside it.
		if math.Abs(dirs[axis]) < 1e-12 {
			if origins[axis] < -extents[axis] || origins[axis] > extents[axis] {
				return Hit{}, false
			}
			continue
		}
		inv := 1 / dirs[axis]
		t0 := (-extents[axis] - origins[axis]) * inv
		t1 := (extents[axis] - origins[axis]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math.Max(tMin, t0)
		tMax = math.Min(tMax, t1)
		if tMin > tMax {
			return Hit{}, false
		}
	}
	//3.- tMin is clamped at zero so rays starting inside report a hit at their origin.
	return Hit{Distance: tMin, Point: ray.Origin.Add(dir.Scale(tMin))}, true
}

// Sphere is a ball collider.
type Sphere struct {
	Center Vec3
	Radius float64
}

// Intersect solves the ray sphere quadratic and returns the nearest non-negative root.
func (s Sphere) Intersect(ray Ray) (Hit, bool) {
	dir, ok := ray.Direction.Normalize()
	if !ok || !(s.Radius > 0) {
		return Hit{}, false
	}
	toOrigin := ray.Origin.Sub(s.Center)
	b := toOrigin.Dot(dir)
	c := toOrigin.Dot(toOrigin) - s.Radius*s.Radius
	disc := b*b - c
	if disc < 0 {
		return Hit{}, false
	}
	root := math.Sqrt(disc)
	t := -b - root
	if t < 0 {
		t = -b + root
	}
	if t < 0 {
		return Hit{}, false
	}
	if c <= 0 {
		t = 0
	}
	return Hit{Distance: t, Point: ray.Origin.Add(dir.Scale(t))}, true
}

// Raycast returns the nearest hit among colliders and the index of the collider that produced it.
func Raycast(ray Ray, colliders ...Collider) (Hit, int, bool) {
	best := Hit{Distance: math.Inf(1)}
	index := -1
	for i, collider := range colliders {
		if collider == nil {
			continue
		}
		hit, ok := collider.Intersect(ray)
		if ok && hit.Distance < best.Distance {
			best = hit
			index = i
		}
	}
	if index < 0 {
		return Hit{}, -1, false
	}
	return best, index, true
}

// Package geom provides the float32 vector and quaternion math used by the
// growth engine. All hot-path math stays in float32; scalar functions come
// from chewxy/math32 rather than round-tripping through float64.
package geom

import "github.com/chewxy/math32"

// Vec3 is a 3D point or direction.
type Vec3 struct {
	X, Y, Z float32
}

// V3 returns the vector (x, y, z).
func V3(x, y, z float32) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) MulScalar(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Dot(o Vec3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Length() float32 { return math32.Sqrt(v.Dot(v)) }

// Normal returns the unit vector in the direction of v.
// The zero vector normalizes to the zero vector.
func (v Vec3) Normal() Vec3 {
	l := v.Length()
	if l == 0 {
		return Vec3{}
	}
	return v.MulScalar(1 / l)
}

// DistTo returns the distance between v and o.
func (v Vec3) DistTo(o Vec3) float32 { return o.Sub(v).Length() }

// IsZero reports whether all components are exactly zero.
func (v Vec3) IsZero() bool { return v.X == 0 && v.Y == 0 && v.Z == 0 }

// Array returns the components as a fixed array, for wire encoding.
func (v Vec3) Array() [3]float32 { return [3]float32{v.X, v.Y, v.Z} }

// FromArray returns the vector stored in a.
func FromArray(a [3]float32) Vec3 { return Vec3{a[0], a[1], a[2]} }

// Radians converts degrees to radians.
func Radians(deg float32) float32 { return deg * (math32.Pi / 180) }

// Clamp limits v to the range [lo, hi].
func Clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

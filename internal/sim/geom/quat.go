package geom

import "github.com/chewxy/math32"

// Quat is a rotation quaternion. The zero value is not a valid rotation;
// use QuatAxisAngle or QuatIdent.
type Quat struct {
	X, Y, Z, W float32
}

// QuatIdent returns the identity rotation.
func QuatIdent() Quat { return Quat{W: 1} }

// QuatAxisAngle returns the rotation of angle radians around axis.
// Axis must be unit length.
func QuatAxisAngle(axis Vec3, angle float32) Quat {
	h := angle / 2
	s := math32.Sin(h)
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: math32.Cos(h)}
}

func (q Quat) Length() float32 {
	return math32.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Normal returns q scaled to unit length. A zero quaternion returns identity.
func (q Quat) Normal() Quat {
	l := q.Length()
	if l == 0 {
		return QuatIdent()
	}
	return Quat{q.X / l, q.Y / l, q.Z / l, q.W / l}
}

// RotateVec applies the rotation to v.
func (q Quat) RotateVec(v Vec3) Vec3 {
	// v' = v + 2w(u x v) + 2u x (u x v), with u = (q.X, q.Y, q.Z).
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).MulScalar(2)
	return v.Add(t.MulScalar(q.W)).Add(u.Cross(t))
}

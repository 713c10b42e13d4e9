// Package lsystem generates growth programs by grammar rewriting and
// interprets them into branch geometry with a 3D turtle.
package lsystem

// Params configures both the rewriting and the turtle interpretation of one
// species.
type Params struct {
	Axiom      string
	Rules      map[byte]string
	Iterations int

	SegmentLength float32
	SegmentRadius float32
	// BranchAngle is the base rotation in degrees; AngleVariation is the
	// half-width of the uniform jitter added to yaw and pitch turns.
	BranchAngle    float32
	AngleVariation float32

	Seed int64
	// StochasticVariation is accepted for config compatibility only;
	// rewriting is always deterministic and all per-run variation comes
	// from AngleVariation.
	StochasticVariation float32

	// CurveSegments is the number of sub-steps a branch grows in when a
	// tropism field is attached. 0 grows straight segments.
	CurveSegments int
}

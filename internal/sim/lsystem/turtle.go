package lsystem

import (
	"math/rand"

	"github.com/chewxy/math32"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/tree"
	"plantgrow.dev/internal/sim/tropism"
)

// turtleState is the interpreter's cursor: a position plus a right-handed
// local frame. depth counts bracket nesting and drives only the radius
// taper; the hierarchy depth stored on branches comes from their parent.
type turtleState struct {
	pos   geom.Vec3
	dir   geom.Vec3
	up    geom.Vec3
	depth int
}

// stackEntry saves the cursor and the branch it was attached to, so a pop
// restores both without searching the tree.
type stackEntry struct {
	state  turtleState
	branch *tree.Branch
}

// Interpreter turns L-system strings into trees. Each Interpreter owns its
// RNG: two interpreters built from equal params produce identical trees,
// and a single Interpreter is not safe for concurrent use.
type Interpreter struct {
	params Params
	rng    *rand.Rand
	field  *tropism.Field
}

// NewInterpreter seeds the jitter RNG from params.Seed.
func NewInterpreter(params Params) *Interpreter {
	return &Interpreter{
		params: params,
		rng:    rand.New(rand.NewSource(params.Seed)),
	}
}

// SetTropism attaches a tropism field. Branches then grow curved paths in
// CurveSegments sub-steps and carry sampled light exposure.
func (in *Interpreter) SetTropism(f *tropism.Field) { in.field = f }

// Interpret walks the string and builds the tree. The root branch exists
// before the walk starts, pointing up from the origin, and the turtle
// starts at its end. Unknown symbols are ignored; popping an empty stack is
// a no-op.
func (in *Interpreter) Interpret(s string) *tree.Tree {
	t := tree.New(in.params.SegmentLength, in.params.SegmentRadius)

	st := turtleState{dir: geom.V3(0, 1, 0), up: geom.V3(0, 0, 1)}
	current := t.Root
	st.pos = current.End()
	var stack []stackEntry

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'F':
			radius := in.params.SegmentRadius * math32.Pow(0.95, float32(st.depth))
			b := t.AddBranch(current, st.pos, st.dir, in.params.SegmentLength, radius)
			current = b
			in.applyTropism(b)
			st.pos = b.End()

		case 'f':
			st.pos = st.pos.Add(st.dir.MulScalar(in.params.SegmentLength))

		case '+':
			rotate(&st, in.jitteredAngle(), st.up)

		case '-':
			rotate(&st, -in.jitteredAngle(), st.up)

		case '&':
			right := st.dir.Cross(st.up).Normal()
			rotate(&st, in.jitteredAngle(), right)

		case '^':
			right := st.dir.Cross(st.up).Normal()
			rotate(&st, -in.jitteredAngle(), right)

		case '\\':
			rotate(&st, in.params.BranchAngle, st.dir)

		case '/':
			rotate(&st, -in.params.BranchAngle, st.dir)

		case '[':
			stack = append(stack, stackEntry{state: st, branch: current})
			st.depth++

		case ']':
			if n := len(stack); n > 0 {
				st = stack[n-1].state
				current = stack[n-1].branch
				stack = stack[:n-1]
			}
		}
	}
	return t
}

// jitteredAngle draws one uniform perturbation per turn symbol, even when
// the variation is zero, so the RNG stream stays aligned across configs.
func (in *Interpreter) jitteredAngle() float32 {
	v := in.params.AngleVariation
	return in.params.BranchAngle + (-v + 2*v*in.rng.Float32())
}

// rotate spins both frame axes around axis by angleDeg and renormalizes
// them to stop drift from accumulating.
func rotate(st *turtleState, angleDeg float32, axis geom.Vec3) {
	q := geom.QuatAxisAngle(axis, geom.Radians(angleDeg))
	st.dir = q.RotateVec(st.dir).Normal()
	st.up = q.RotateVec(st.up).Normal()
}

// applyTropism regrows the branch as a curved path: CurveSegments sub-steps,
// each bending the heading through the field. The branch direction becomes
// the final heading and exposure is sampled at the segment midpoint. The
// turtle keeps its own heading; only its position follows the curve's end.
func (in *Interpreter) applyTropism(b *tree.Branch) {
	if in.field == nil || in.params.CurveSegments <= 0 {
		return
	}

	n := in.params.CurveSegments
	stepLen := b.Length / float32(n)

	curve := make([]geom.Vec3, 0, n+1)
	curve = append(curve, b.Start)
	pos := b.Start
	dir := b.Direction
	for i := 1; i <= n; i++ {
		dir = in.field.Apply(dir, pos, b.Depth, b.Age)
		pos = pos.Add(dir.MulScalar(stepLen))
		curve = append(curve, pos)
	}
	b.Curve = curve
	b.Direction = dir

	mid := b.Start.Add(b.Direction.MulScalar(b.Length * 0.5))
	b.Exposure = in.field.LightExposure(mid, b.Direction)
}

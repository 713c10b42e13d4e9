package lsystem

import (
	"testing"

	"github.com/chewxy/math32"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/tropism"
)

const eps = 1e-4

func vecsClose(a, b geom.Vec3) bool {
	return math32.Abs(a.X-b.X) < eps && math32.Abs(a.Y-b.Y) < eps && math32.Abs(a.Z-b.Z) < eps
}

func testParams() Params {
	return Params{
		SegmentLength:  1,
		SegmentRadius:  0.1,
		BranchAngle:    90,
		AngleVariation: 0,
		Seed:           42,
	}
}

func TestTurtle_EmptyStringLeavesRootOnly(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("")
	if tr.Len() != 1 {
		t.Fatalf("branch count = %d, want root only", tr.Len())
	}
	if got := tr.Root.End(); !vecsClose(got, geom.V3(0, 1, 0)) {
		t.Fatalf("root end = %v, want (0,1,0)", got)
	}
}

func TestTurtle_SingleSegment(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("F")
	if tr.Len() != 2 {
		t.Fatalf("branch count = %d, want 2", tr.Len())
	}
	b := tr.Branches[1]
	if !vecsClose(b.Start, geom.V3(0, 1, 0)) {
		t.Fatalf("segment starts at %v, want the root's end", b.Start)
	}
	if !vecsClose(b.End(), geom.V3(0, 2, 0)) {
		t.Fatalf("segment ends at %v, want (0,2,0)", b.End())
	}
	if b.Depth != 1 || b.Parent != tr.Root {
		t.Fatalf("hierarchy wrong: depth=%d", b.Depth)
	}
	if math32.Abs(b.Radius-0.1) > eps {
		t.Fatalf("radius = %v, want untapered 0.1 outside brackets", b.Radius)
	}
}

func TestTurtle_BracketDepthDrivesTaper(t *testing.T) {
	// Chained segments deepen the hierarchy but not the taper; brackets
	// deepen the taper.
	tr := NewInterpreter(testParams()).Interpret("FF")
	b1, b2 := tr.Branches[1], tr.Branches[2]
	if b1.Depth != 1 || b2.Depth != 2 || b2.Parent != b1 {
		t.Fatalf("chain depths = %d,%d", b1.Depth, b2.Depth)
	}
	if math32.Abs(b1.Radius-0.1) > eps || math32.Abs(b2.Radius-0.1) > eps {
		t.Fatalf("chained radii tapered: %v, %v", b1.Radius, b2.Radius)
	}

	tr = NewInterpreter(testParams()).Interpret("[[F]]")
	b := tr.Branches[1]
	if want := float32(0.1) * 0.95 * 0.95; math32.Abs(b.Radius-want) > eps {
		t.Fatalf("double-bracket radius = %v, want %v", b.Radius, want)
	}
}

func TestTurtle_BranchAndReturn(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("F[+F]F")
	if tr.Len() != 4 {
		t.Fatalf("branch count = %d, want 4", tr.Len())
	}
	b1, b2, b3 := tr.Branches[1], tr.Branches[2], tr.Branches[3]

	// The bracketed segment turned 90 degrees toward -X.
	if !vecsClose(b2.End(), geom.V3(-1, 2, 0)) {
		t.Fatalf("side branch ends at %v, want (-1,2,0)", b2.End())
	}
	// The pop restored both cursor and attachment point: the third segment
	// continues straight up from the first, as its child.
	if b3.Parent != b1 {
		t.Fatalf("post-pop segment attached to the wrong branch")
	}
	if !vecsClose(b3.Start, geom.V3(0, 2, 0)) || !vecsClose(b3.End(), geom.V3(0, 3, 0)) {
		t.Fatalf("post-pop segment at %v..%v", b3.Start, b3.End())
	}
	if math32.Abs(b2.Radius-0.095) > eps {
		t.Fatalf("bracketed radius = %v, want 0.095", b2.Radius)
	}
}

func TestTurtle_MoveWithoutDrawing(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("FfF")
	if tr.Len() != 3 {
		t.Fatalf("branch count = %d, want 3", tr.Len())
	}
	b2 := tr.Branches[2]
	if !vecsClose(b2.Start, geom.V3(0, 3, 0)) {
		t.Fatalf("segment after move starts at %v, want (0,3,0)", b2.Start)
	}
}

func TestTurtle_PitchUsesRightAxis(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("&F")
	b := tr.Branches[1]
	if !vecsClose(b.End(), geom.V3(0, 1, 1)) {
		t.Fatalf("pitched segment ends at %v, want (0,1,1)", b.End())
	}
}

func TestTurtle_RollRealignsYawPlane(t *testing.T) {
	plain := NewInterpreter(testParams()).Interpret("+F").Branches[1]
	rolled := NewInterpreter(testParams()).Interpret("\\+F").Branches[1]

	if !vecsClose(plain.End(), geom.V3(-1, 1, 0)) {
		t.Fatalf("yaw without roll ends at %v, want (-1,1,0)", plain.End())
	}
	if !vecsClose(rolled.End(), geom.V3(0, 1, 1)) {
		t.Fatalf("yaw after roll ends at %v, want (0,1,1)", rolled.End())
	}
}

func TestTurtle_EmptyPopAndUnknownSymbolsIgnored(t *testing.T) {
	tr := NewInterpreter(testParams()).Interpret("]FQ!F")
	if tr.Len() != 3 {
		t.Fatalf("branch count = %d, want 3", tr.Len())
	}
}

func TestTurtle_SameSeedSameTree(t *testing.T) {
	p := testParams()
	p.AngleVariation = 7
	p.Seed = 1234
	s := Generate("F", map[byte]string{'F': "F[+F][-F]F"}, 2)

	a := NewInterpreter(p).Interpret(s)
	b := NewInterpreter(p).Interpret(s)
	if a.Len() != b.Len() {
		t.Fatalf("branch counts differ: %d vs %d", a.Len(), b.Len())
	}
	for i := range a.Branches {
		if !vecsClose(a.Branches[i].End(), b.Branches[i].End()) {
			t.Fatalf("branch %d diverged: %v vs %v", i, a.Branches[i].End(), b.Branches[i].End())
		}
	}

	p.Seed = 1235
	c := NewInterpreter(p).Interpret(s)
	same := true
	for i := range a.Branches {
		if !vecsClose(a.Branches[i].End(), c.Branches[i].End()) {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical jitter")
	}
}

func TestTurtle_TropismCurvesGrowth(t *testing.T) {
	p := testParams()
	p.CurveSegments = 4

	field := tropism.NewField(tropism.Params{
		PhototropismEnabled:  true,
		PhototropismStrength: 1,
	}, tropism.Environment{
		LightPosition: geom.V3(100, 1, 0),
		AmbientLight:  0.2,
	})

	in := NewInterpreter(p)
	in.SetTropism(field)
	tr := in.Interpret("FF")

	b := tr.Branches[1]
	if len(b.Curve) != p.CurveSegments+1 {
		t.Fatalf("curve has %d points, want %d", len(b.Curve), p.CurveSegments+1)
	}
	if b.Curve[0] != b.Start {
		t.Fatalf("curve does not start at the branch start")
	}
	if got := b.End(); got != b.Curve[len(b.Curve)-1] {
		t.Fatalf("End() = %v, want last curve point", got)
	}
	if b.End().X <= 0.5 {
		t.Fatalf("branch did not bend toward the light: end %v", b.End())
	}
	if b.Exposure <= 0.5 || b.Exposure > 1 {
		t.Fatalf("exposure = %v, want lit", b.Exposure)
	}
	// The next segment grows from where the curve actually ended.
	if got := tr.Branches[2].Start; got != b.End() {
		t.Fatalf("follow-on segment starts at %v, want curve end %v", got, b.End())
	}
}

func TestTurtle_NoFieldGrowsStraight(t *testing.T) {
	p := testParams()
	p.CurveSegments = 8
	tr := NewInterpreter(p).Interpret("F")
	if len(tr.Branches[1].Curve) != 0 {
		t.Fatalf("curve generated without a tropism field")
	}
}

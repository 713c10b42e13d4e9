package resource

import (
	"reflect"
	"testing"

	"github.com/chewxy/math32"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/tree"
)

func closeTo(got, want, eps float32) bool { return math32.Abs(got-want) <= eps }

// occluderTree is a trunk with one shaded horizontal branch under a
// neighbor directly above it.
func occluderTree() (*tree.Tree, *tree.Branch) {
	tr := tree.New(1, 0.1)
	low := tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(1, 0, 0), 1, 0.08)
	tr.AddBranch(tr.Root, geom.V3(1, 1, 0), geom.V3(0, 1, 0), 1, 0.08)
	return tr, low
}

func TestSimulate_OcclusionShadesLowerBranch(t *testing.T) {
	p := DefaultParams()
	p.PruningEnabled = false
	p.CompetitionRadius = 0.01 // isolate the occlusion pass

	tr, _ := occluderTree()
	s := NewSimulator(p)
	s.Simulate(tr)

	// Occluder directly overhead at distance 1: factor clamps to 1,
	// falloff 0.5, occlusionFalloff 0.5 => capture 0.75.
	if got := s.StateAt(1).LightCapture; !closeTo(got, 0.75, 1e-3) {
		t.Fatalf("shaded capture = %v, want 0.75", got)
	}
	// The occluder itself sees open sky plus the upward bonus, clamped.
	if got := s.StateAt(2).LightCapture; got != 1 {
		t.Fatalf("occluder capture = %v, want 1", got)
	}
	// Exposure mirrors capture for every branch.
	for i, b := range tr.Branches {
		if b.Exposure != s.StateAt(i).LightCapture {
			t.Fatalf("branch %d exposure %v != capture %v", i, b.Exposure, s.StateAt(i).LightCapture)
		}
	}
}

func TestSimulate_CompetitionPenalizesCrowding(t *testing.T) {
	p := DefaultParams()
	p.PruningEnabled = false
	p.LightCompetitionEnabled = false // isolate the competition pass

	tr := tree.New(1, 0.1)
	tr.AddBranch(tr.Root, geom.V3(5, 4, 0), geom.V3(1, 0, 0), 1, 0.08)
	tr.AddBranch(tr.Root, geom.V3(5.8, 4, 0), geom.V3(1, 0, 0), 1, 0.08)

	s := NewSimulator(p)
	s.Simulate(tr)

	// Equal-height neighbors 0.8 apart with radius 1.5: strength 7/15,
	// halved into capture.
	want := float32(1 - (1-0.8/1.5)*0.5)
	if got := s.StateAt(1).LightCapture; !closeTo(got, want, 1e-3) {
		t.Fatalf("crowded capture = %v, want %v", got, want)
	}
	if got := s.StateAt(2).LightCapture; !closeTo(got, want, 1e-3) {
		t.Fatalf("crowded capture = %v, want %v", got, want)
	}
	// The lone trunk is out of range and keeps full capture.
	if got := s.StateAt(0).LightCapture; got != 1 {
		t.Fatalf("isolated capture = %v, want 1", got)
	}
}

func TestSimulate_HeightDominanceFavorsUpper(t *testing.T) {
	p := DefaultParams()
	p.PruningEnabled = false
	p.LightCompetitionEnabled = false

	tr := tree.New(1, 0.1)
	lower := tr.AddBranch(tr.Root, geom.V3(5, 4, 0), geom.V3(1, 0, 0), 1, 0.08)
	upper := tr.AddBranch(tr.Root, geom.V3(6, 4.28, 0), geom.V3(0, 1, 0), 1, 0.08)

	s := NewSimulator(p)
	s.Simulate(tr)

	lowCap := s.StateAt(1).LightCapture
	upCap := s.StateAt(2).LightCapture
	if lowCap >= upCap {
		t.Fatalf("dominance inverted: lower %v, upper %v", lowCap, upCap)
	}
	if lowCap >= 1 || upCap >= 1 {
		t.Fatalf("crowded branches kept full capture: %v, %v", lowCap, upCap)
	}
	if lower.Exposure != lowCap || upper.Exposure != upCap {
		t.Fatalf("exposure writeback mismatch")
	}
}

// starvedChain builds root -> a -> b where photosynthesis is disabled, so
// every branch runs a deficit.
func starvedParams() Params {
	p := DefaultParams()
	p.LightCompetitionEnabled = false
	p.CompetitionRadius = 0.01
	p.PhotosynthesisEfficiency = 0
	p.MaintenanceCost = 1
	p.MinLightThreshold = 0
	p.PruningGracePeriod = 0
	return p
}

func starvedChain() *tree.Tree {
	tr := tree.New(1, 0.5)
	a := tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(0, 1, 0), 1, 0.5)
	tr.AddBranch(a, geom.V3(0, 2, 0), geom.V3(0, 1, 0), 1, 0.5)
	return tr
}

func TestSimulate_DeficitPrunesAfterTwoCycles(t *testing.T) {
	tr := starvedChain()
	s := NewSimulator(starvedParams())

	st1 := s.Simulate(tr)
	if st1.Marked != 0 || tr.Len() != 3 {
		t.Fatalf("first cycle pruned early: marked=%d len=%d", st1.Marked, tr.Len())
	}
	if got := s.StateAt(2); got.DeficitDuration != 1 || got.AccumulatedDeficit <= 0 {
		t.Fatalf("deficit not accumulating: %+v", got)
	}

	st2 := s.Simulate(tr)
	if st2.Marked != 1 || st2.Pruned != 1 {
		t.Fatalf("second cycle: marked=%d pruned=%d, want 1/1", st2.Marked, st2.Pruned)
	}
	if tr.Len() != 2 {
		t.Fatalf("len after prune = %d, want 2", tr.Len())
	}
	// Depth 0 and 1 are always protected, whatever their balance.
	if tr.Branches[0] != tr.Root || tr.Branches[1].Depth != 1 {
		t.Fatalf("protected branches were cut")
	}
	if len(tr.Branches[1].Children) != 0 {
		t.Fatalf("pruned branch still attached")
	}
	// Survivor state compacted, history intact.
	if got := s.StateAt(1).DeficitDuration; got != 2 {
		t.Fatalf("survivor deficit duration = %d, want 2", got)
	}
	if s.PrunedTotal() != 1 {
		t.Fatalf("pruned total = %d, want 1", s.PrunedTotal())
	}
}

func TestSimulate_LowLightPrunesImmediately(t *testing.T) {
	p := DefaultParams()
	p.OcclusionFalloff = 2 // harsh canopy
	p.MinLightThreshold = 0.5
	p.MinResourceThreshold = 0
	p.PruningGracePeriod = 0
	p.CompetitionRadius = 0.01

	tr := tree.New(1, 0.1)
	a := tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(0, 1, 0), 1, 0.1)
	shaded := tr.AddBranch(a, geom.V3(0, 1, 0), geom.V3(1, 0, 0), 1, 0.1)
	tr.AddBranch(tr.Root, geom.V3(1, 1, 0), geom.V3(0, 1, 0), 1, 0.1)

	s := NewSimulator(p)
	stats := s.Simulate(tr)

	if stats.Marked != 1 || stats.Pruned != 1 {
		t.Fatalf("marked=%d pruned=%d, want 1/1", stats.Marked, stats.Pruned)
	}
	if !shaded.Pruned {
		t.Fatalf("shaded branch survived with capture below threshold")
	}
	if tr.Len() != 3 {
		t.Fatalf("len = %d, want 3", tr.Len())
	}
}

func TestSimulate_PruningDisabledKeepsTree(t *testing.T) {
	p := starvedParams()
	p.PruningEnabled = false

	tr := starvedChain()
	s := NewSimulator(p)
	for i := 0; i < 4; i++ {
		if stats := s.Simulate(tr); stats.Marked != 0 || stats.Pruned != 0 {
			t.Fatalf("cycle %d pruned with pruning disabled: %+v", i, stats)
		}
	}
	if tr.Len() != 3 {
		t.Fatalf("len = %d, want 3", tr.Len())
	}
}

func TestSimulate_HeuristicAboveFullCheckThreshold(t *testing.T) {
	p := DefaultParams()
	p.PruningEnabled = false
	p.FullCheckMaxBranches = 2

	tr := tree.New(1, 0.1)
	a := tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(0, 1, 0), 1, 0.1)
	tr.AddBranch(a, geom.V3(0, 2, 0), geom.V3(1, 0, 0), 1, 0.1)
	tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(-1, 0, 0), 1, 0.1)

	s := NewSimulator(p)
	s.Simulate(tr)

	// Depth 2, end height 2, horizontal: occlusion
	// 0.2 * (1 - 0.6*0.5) * 0.5 = 0.07.
	if got := s.StateAt(2).LightCapture; !closeTo(got, 0.93, 1e-4) {
		t.Fatalf("heuristic capture = %v, want 0.93", got)
	}
	// Depth 0 never self-occludes under the heuristic.
	if got := s.StateAt(0).LightCapture; got != 1 {
		t.Fatalf("trunk capture = %v, want 1", got)
	}
}

func TestSimulate_RegrowthResetsStates(t *testing.T) {
	tr := starvedChain()
	s := NewSimulator(starvedParams())
	s.Simulate(tr)
	if got := s.StateAt(2).DeficitDuration; got != 1 {
		t.Fatalf("duration = %d, want 1", got)
	}

	// External growth changes the branch count; accumulated state resets.
	tr.AddBranch(tr.Root, geom.V3(0, 1, 0), geom.V3(1, 0, 0), 1, 0.5)
	stats := s.Simulate(tr)
	if stats.Marked != 0 {
		t.Fatalf("stale deficit survived a regrowth reset")
	}
	if got := s.StateAt(2).DeficitDuration; got != 1 {
		t.Fatalf("duration after reset = %d, want 1", got)
	}
}

func TestSimulate_DeterministicAcrossRuns(t *testing.T) {
	run := func() ([]State, int) {
		tr := starvedChain()
		s := NewSimulator(starvedParams())
		for i := 0; i < 3; i++ {
			s.Simulate(tr)
		}
		return s.States(), tr.Len()
	}

	statesA, lenA := run()
	statesB, lenB := run()
	if lenA != lenB {
		t.Fatalf("tree lengths diverged: %d vs %d", lenA, lenB)
	}
	if !reflect.DeepEqual(statesA, statesB) {
		t.Fatalf("states diverged:\n%+v\n%+v", statesA, statesB)
	}
}

func TestStateAt_OutOfRangeDefaults(t *testing.T) {
	s := NewSimulator(DefaultParams())
	got := s.StateAt(99)
	if got.LightCapture != 1 || got.ResourceBalance != 1 {
		t.Fatalf("default state = %+v", got)
	}
}

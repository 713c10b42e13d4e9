// Package resource budgets light and photosynthate for every branch and
// prunes growth that cannot pay its own maintenance.
package resource

import (
	"github.com/chewxy/math32"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/tree"
)

// Params tunes the four simulation passes.
type Params struct {
	// Light capture.
	LightCompetitionEnabled bool
	BaseLightLevel          float32
	OcclusionRadius         float32
	OcclusionFalloff        float32

	// Resource flow.
	PhotosynthesisEfficiency float32
	MaintenanceCost          float32

	// Pruning.
	PruningEnabled       bool
	MinLightThreshold    float32
	MinResourceThreshold float32
	PruningGracePeriod   int

	// Competition.
	CompetitionRadius float32
	DominanceFactor   float32

	// FullCheckMaxBranches caps the O(n^2) passes. Larger trees switch to
	// an O(1)-per-branch occlusion heuristic and skip competition.
	FullCheckMaxBranches int
}

// DefaultParams matches a temperate broadleaf budget.
func DefaultParams() Params {
	return Params{
		LightCompetitionEnabled:  true,
		BaseLightLevel:           1.0,
		OcclusionRadius:          2.0,
		OcclusionFalloff:         0.5,
		PhotosynthesisEfficiency: 1.0,
		MaintenanceCost:          0.1,
		PruningEnabled:           true,
		MinLightThreshold:        0.15,
		MinResourceThreshold:     0.2,
		PruningGracePeriod:       2,
		CompetitionRadius:        1.5,
		DominanceFactor:          0.7,
		FullCheckMaxBranches:     1000,
	}
}

// State is one branch's running budget. It persists across Simulate calls
// so deficits can accumulate, and survives pruning of other branches.
type State struct {
	LightCapture       float32
	ResourceBalance    float32
	AccumulatedDeficit float32
	DeficitDuration    int
	MarkedForPruning   bool
}

func newState() State { return State{LightCapture: 1, ResourceBalance: 1} }

// Stats summarizes one Simulate call. Capture aggregates are taken before
// pruning detaches anything.
type Stats struct {
	Branches    int
	MinCapture  float32
	MaxCapture  float32
	AvgCapture  float32
	Marked      int
	Pruned      int
	PrunedTotal int
}

// Simulator owns the per-branch states, index-parallel to the tree's flat
// list. Not safe for concurrent use.
type Simulator struct {
	params      Params
	states      []State
	prunedTotal int
}

func NewSimulator(params Params) *Simulator {
	return &Simulator{params: params}
}

// Reset drops all accumulated state, for reuse against a new tree.
func (s *Simulator) Reset() {
	s.states = nil
	s.prunedTotal = 0
}

// StateAt returns the state for flat-list index i. Out-of-range indices
// return a fresh default state.
func (s *Simulator) StateAt(i int) State {
	if i < 0 || i >= len(s.states) {
		return newState()
	}
	return s.states[i]
}

// States returns a copy of the per-branch states in flat-list order.
func (s *Simulator) States() []State {
	out := make([]State, len(s.states))
	copy(out, s.states)
	return out
}

// Restore replaces the state array, for snapshot import. The caller is
// responsible for index-parallelism with the tree it restores alongside.
func (s *Simulator) Restore(states []State, prunedTotal int) {
	s.states = make([]State, len(states))
	copy(s.states, states)
	s.prunedTotal = prunedTotal
}

// PrunedTotal returns the number of branches removed across all calls.
func (s *Simulator) PrunedTotal() int { return s.prunedTotal }

// Simulate runs the four passes in order: light capture, competition,
// resource flow, pruning. It may be called once per growth cycle; states
// persist between calls while the branch count matches, and a count
// mismatch (regrowth) resets them. Marked branches are detached from the
// tree together with their subtrees, and the state array is compacted
// alongside so survivors keep their history.
func (s *Simulator) Simulate(t *tree.Tree) Stats {
	branches := t.Branches
	if len(branches) == 0 {
		return Stats{}
	}

	if len(s.states) != len(branches) {
		s.states = make([]State, len(branches))
		for i := range s.states {
			s.states[i] = newState()
		}
	}

	if s.params.LightCompetitionEnabled {
		s.lightCapture(branches)
	}
	s.competition(branches)
	s.resourceFlow(branches)

	marked := 0
	if s.params.PruningEnabled {
		marked = s.evaluatePruning(branches)
	}

	stats := Stats{Branches: len(branches), MinCapture: 1, Marked: marked}
	var sum float32
	for i := range branches {
		c := s.states[i].LightCapture
		if c < stats.MinCapture {
			stats.MinCapture = c
		}
		if c > stats.MaxCapture {
			stats.MaxCapture = c
		}
		sum += c
	}
	stats.AvgCapture = sum / float32(len(branches))

	// Viewer-facing exposure follows computed capture, marked or not.
	for i, b := range branches {
		b.Exposure = s.states[i].LightCapture
	}

	if marked > 0 {
		flags := make([]bool, len(branches))
		for i := range s.states {
			flags[i] = s.states[i].MarkedForPruning
		}
		survivors, removed := t.Prune(flags)
		if removed > 0 {
			compact := make([]State, len(survivors))
			for i, old := range survivors {
				compact[i] = s.states[old]
			}
			s.states = compact
			s.prunedTotal += removed
			stats.Pruned = removed
		}
	}
	stats.PrunedTotal = s.prunedTotal
	return stats
}

func (s *Simulator) lightCapture(branches []*tree.Branch) {
	sampled := len(branches) > s.params.FullCheckMaxBranches
	up := geom.V3(0, 1, 0)

	for i, b := range branches {
		var occlusion float32
		if sampled {
			// Depth and height stand in for the pairwise check: deeper
			// branches sit inside the canopy, higher ones above it.
			pos := b.End()
			depthFactor := float32(min(b.Depth, 10)) / 10
			heightFactor := geom.Clamp((pos.Y+10)/20, 0, 1)
			occlusion = depthFactor * (1 - heightFactor*0.5) * 0.5
		} else {
			occlusion = s.occlusionAt(b, branches)
		}

		bonus := math32.Max(0, b.Direction.Dot(up)) * 0.3
		capture := s.params.BaseLightLevel*(1-occlusion) + bonus
		s.states[i].LightCapture = geom.Clamp(capture, 0, 1)
	}
}

func (s *Simulator) occlusionAt(b *tree.Branch, branches []*tree.Branch) float32 {
	pos := b.End()
	var total float32
	count := 0

	for _, other := range branches {
		if other == b {
			continue
		}
		op := other.End()
		// Only higher branches shade.
		if op.Y <= pos.Y {
			continue
		}
		diff := op.Sub(pos)
		dist := diff.Length()
		if dist >= s.params.OcclusionRadius {
			continue
		}

		heightDiff := op.Y - pos.Y
		horiz := math32.Sqrt(diff.X*diff.X + diff.Z*diff.Z)
		// Directly overhead shades hardest.
		factor := geom.Clamp(heightDiff/(horiz+0.1), 0, 1)
		falloff := 1 - dist/s.params.OcclusionRadius
		total += factor * falloff * s.params.OcclusionFalloff
		count++
	}

	if count > 0 {
		total = math32.Min(0.9, total/math32.Sqrt(float32(count)))
	}
	return total
}

func (s *Simulator) competition(branches []*tree.Branch) {
	if len(branches) > s.params.FullCheckMaxBranches {
		// The occlusion heuristic already folds crowding in at this scale.
		return
	}
	for i, b := range branches {
		c := s.competitionAt(b, branches)
		s.states[i].LightCapture *= 1 - c*0.5
	}
}

func (s *Simulator) competitionAt(b *tree.Branch, branches []*tree.Branch) float32 {
	pos := b.End()
	var total float32
	count := 0

	for _, other := range branches {
		if other == b {
			continue
		}
		op := other.End()
		dist := op.Sub(pos).Length()
		if dist >= s.params.CompetitionRadius {
			continue
		}

		strength := 1 - dist/s.params.CompetitionRadius
		if adv := (op.Y - pos.Y) * s.params.DominanceFactor; adv > 0 {
			strength *= 1 + adv
		}
		total += strength
		count++
	}

	if count > 0 {
		total = math32.Min(0.8, total/float32(count))
	}
	return total
}

func (s *Simulator) resourceFlow(branches []*tree.Branch) {
	for i, b := range branches {
		st := &s.states[i]

		production := st.LightCapture * b.Length * b.Radius * 2 * s.params.PhotosynthesisEfficiency
		volume := b.Length * b.Radius * b.Radius * math32.Pi
		cost := volume * s.params.MaintenanceCost * (1 + float32(b.Age)*0.05)
		st.ResourceBalance = production - cost

		if st.ResourceBalance < 0 {
			st.AccumulatedDeficit += -st.ResourceBalance
			st.DeficitDuration++
		} else {
			st.AccumulatedDeficit *= 0.8
			if st.AccumulatedDeficit < 0.01 {
				st.DeficitDuration = 0
			}
		}
	}
}

func (s *Simulator) evaluatePruning(branches []*tree.Branch) int {
	marked := 0
	for i, b := range branches {
		if s.shouldPrune(b, &s.states[i]) {
			s.states[i].MarkedForPruning = true
			marked++
		}
	}
	return marked
}

func (s *Simulator) shouldPrune(b *tree.Branch, st *State) bool {
	// The trunk and its first segments are never cut.
	if b.Depth <= 1 {
		return false
	}
	// Depth stands in for age here: growth below the grace depth keeps its
	// protection.
	if b.Depth < s.params.PruningGracePeriod+2 {
		return false
	}
	if st.LightCapture < s.params.MinLightThreshold {
		return true
	}
	return st.ResourceBalance < s.params.MinResourceThreshold && st.DeficitDuration >= 2
}

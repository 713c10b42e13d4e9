// Package grower runs the authoritative growth loop for one tree: a
// single goroutine owns the tree, the resource simulator and the
// viewer set, and everything else talks to it through channels.
package grower

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/lsystem"
	"plantgrow.dev/internal/sim/resource"
	"plantgrow.dev/internal/sim/species"
	"plantgrow.dev/internal/sim/tree"
)

type Config struct {
	RunID   string
	Species species.Config

	// Catalog enables SET_PARAMS species switching; nil restricts
	// SET_PARAMS to overrides on the current species.
	Catalog *species.Catalog
	// SpeciesDigest identifies the loaded config (reported in WELCOME).
	SpeciesDigest string

	// CycleDuration is the live cadence for Run; StepOnce ignores it.
	CycleDuration time.Duration
	// MaxCycles caps growth; 0 means the species' simulation years.
	MaxCycles int
	// SnapshotEvery emits a snapshot every N cycles; 0 disables.
	SnapshotEvery int

	// Safety caps against runaway grammars; 0 disables the cap.
	MaxProgramBytes int
	MaxBranches     int

	// MaxViewers caps concurrent subscribers; 0 means no cap.
	MaxViewers int
}

type SubscribeRequest struct {
	ViewerName    string
	IncludeStates bool
	IncludeCurves bool
	MaxBranches   int
	Out           chan []byte
	Resp          chan SubscribeResponse
}

type SubscribeResponse struct {
	ViewerID string
	Welcome  protocol.WelcomeMsg
	Tree     protocol.TreeMsg
	// Code is set when the subscription was refused.
	Code    string
	Message string
}

type ParamsRequest struct {
	Msg  protocol.SetParamsMsg
	Resp chan protocol.AckMsg
}

type CycleLogger interface {
	WriteCycle(entry CycleLogEntry) error
}

type CycleLogEntry struct {
	RunID       string                  `json:"run_id"`
	Cycle       int                     `json:"cycle"`
	Digest      string                  `json:"digest"`
	Branches    int                     `json:"branches"`
	MaxDepth    int                     `json:"max_depth"`
	Pruned      int                     `json:"pruned"`
	PrunedTotal int                     `json:"pruned_total"`
	MinCapture  float32                 `json:"min_capture"`
	AvgCapture  float32                 `json:"avg_capture"`
	MaxCapture  float32                 `json:"max_capture"`
	DurationMs  float64                 `json:"duration_ms"`
	Applied     []protocol.SetParamsMsg `json:"applied,omitempty"`
}

type viewerState struct {
	out           chan []byte
	includeStates bool
	includeCurves bool
	maxBranches   int
}

// Grower owns one growing tree. All non-atomic state must be accessed
// only from the loop goroutine (Run) or, for the synchronous paths,
// by the single caller driving StepOnce.
type Grower struct {
	cfg    Config
	logger *log.Logger

	cycle atomic.Uint64

	current species.Config
	program string
	tree    *tree.Tree
	sim     *resource.Simulator
	stats   resource.Stats

	viewers       map[string]*viewerState
	nextViewerNum atomic.Uint64

	subscribe   chan SubscribeRequest
	unsubscribe chan string
	params      chan ParamsRequest
	stop        chan struct{}

	cycleLogger  CycleLogger
	snapshotSink chan<- snapshot.TreeSnapshotV1

	branchCount     atomic.Int64
	prunedTotal     atomic.Int64
	viewerCount     atomic.Int64
	droppedFrames   atomic.Uint64
	lastCycleMicros atomic.Int64
}

func New(cfg Config, logger *log.Logger) (*Grower, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := cfg.Species.Validate(); err != nil {
		return nil, fmt.Errorf("species config: %w", err)
	}
	g := newGrower(cfg, logger)
	program, t, sim, err := g.regenerate(g.current)
	if err != nil {
		return nil, err
	}
	g.install(program, t, sim)
	g.logger.Printf("grew cycle 0: species=%s seed=%d program=%dB branches=%d depth=%d",
		g.current.Species, g.current.Growth.RandomSeed, len(program), t.Len(), t.MaxDepth())
	return g, nil
}

// NewFromSnapshot resumes a run. The snapshot's species config replaces
// cfg.Species, and the stored digest is verified against the rebuilt
// tree.
func NewFromSnapshot(cfg Config, snap snapshot.TreeSnapshotV1, logger *log.Logger) (*Grower, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg.Species = snap.Config
	if err := cfg.Species.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot species config: %w", err)
	}
	t, sim, err := snapshot.BuildTree(snap)
	if err != nil {
		return nil, fmt.Errorf("rebuild tree: %w", err)
	}
	g := newGrower(cfg, logger)
	g.install("", t, sim)
	g.cycle.Store(uint64(snap.Cycle))
	if snap.Digest != "" {
		if d := g.stateDigest(snap.Cycle); d != snap.Digest {
			return nil, fmt.Errorf("snapshot digest mismatch at cycle %d: got %s want %s", snap.Cycle, d, snap.Digest)
		}
	}
	g.logger.Printf("resumed cycle %d: species=%s branches=%d pruned_total=%d",
		snap.Cycle, g.current.Species, t.Len(), sim.PrunedTotal())
	return g, nil
}

func newGrower(cfg Config, logger *log.Logger) *Grower {
	return &Grower{
		cfg:         cfg,
		logger:      logger,
		current:     cfg.Species,
		viewers:     map[string]*viewerState{},
		subscribe:   make(chan SubscribeRequest, 16),
		unsubscribe: make(chan string, 16),
		params:      make(chan ParamsRequest, 16),
		stop:        make(chan struct{}),
	}
}

func (g *Grower) install(program string, t *tree.Tree, sim *resource.Simulator) {
	g.program = program
	g.tree = t
	g.sim = sim
	g.stats = resource.Stats{
		Branches:    t.Len(),
		MinCapture:  1,
		MaxCapture:  1,
		AvgCapture:  1,
		PrunedTotal: sim.PrunedTotal(),
	}
	g.syncMetrics()
}

// regenerate expands and interprets the grammar under the configured
// caps. The expansion is checked iteration by iteration so a runaway
// rule fails fast instead of exhausting memory.
func (g *Grower) regenerate(cfg species.Config) (string, *tree.Tree, *resource.Simulator, error) {
	params := cfg.EngineParams()
	program := params.Axiom
	for i := 0; i < params.Iterations; i++ {
		program = lsystem.Generate(program, params.Rules, 1)
		if g.cfg.MaxProgramBytes > 0 && len(program) > g.cfg.MaxProgramBytes {
			return "", nil, nil, fmt.Errorf("program exceeds %d bytes after iteration %d", g.cfg.MaxProgramBytes, i+1)
		}
	}
	in := lsystem.NewInterpreter(params)
	in.SetTropism(cfg.TropismField())
	t := in.Interpret(program)
	if g.cfg.MaxBranches > 0 && t.Len() > g.cfg.MaxBranches {
		return "", nil, nil, fmt.Errorf("tree has %d branches, cap is %d", t.Len(), g.cfg.MaxBranches)
	}
	return program, t, resource.NewSimulator(cfg.ResourceParams()), nil
}

func (g *Grower) SetCycleLogger(l CycleLogger)                      { g.cycleLogger = l }
func (g *Grower) SetSnapshotSink(ch chan<- snapshot.TreeSnapshotV1) { g.snapshotSink = ch }

func (g *Grower) Subscribe() chan<- SubscribeRequest { return g.subscribe }
func (g *Grower) Unsubscribe() chan<- string         { return g.unsubscribe }
func (g *Grower) Params() chan<- ParamsRequest       { return g.params }

func (g *Grower) CurrentCycle() int { return int(g.cycle.Load()) }
func (g *Grower) RunID() string     { return g.cfg.RunID }

// Species returns the name of the species currently growing.
func (g *Grower) Species() string { return g.current.Species }

// Tree returns the live tree. Loop-owned state: call only from the
// loop goroutine or while driving the grower synchronously.
func (g *Grower) Tree() *tree.Tree { return g.tree }

func (g *Grower) maxCycles() int {
	if g.cfg.MaxCycles > 0 {
		return g.cfg.MaxCycles
	}
	return g.current.Growth.SimulationYears
}

func (g *Grower) Run(ctx context.Context) error {
	interval := g.cfg.CycleDuration
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingParams []ParamsRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stop:
			return nil
		case req := <-g.subscribe:
			g.handleSubscribe(req)
		case id := <-g.unsubscribe:
			g.handleUnsubscribe(id)
		case req := <-g.params:
			pendingParams = append(pendingParams, req)
		case <-ticker.C:
			g.step(pendingParams)
			pendingParams = pendingParams[:0]
		}
	}
}

func (g *Grower) Stop() { close(g.stop) }

// step applies pending param changes, then grows at most one cycle. A
// cycle ages the whole tree by a year and runs the resource passes; a
// regrow consumes the step instead, so viewers see the fresh cycle-0
// tree before it starts growing.
func (g *Grower) step(params []ParamsRequest) {
	start := time.Now()

	regrown := false
	var applied []protocol.SetParamsMsg
	for _, req := range params {
		ack, did := g.applySetParams(req.Msg)
		if did {
			regrown = true
			applied = append(applied, req.Msg)
		}
		if req.Resp != nil {
			req.Resp <- ack
		}
	}

	if !regrown && int(g.cycle.Load()) < g.maxCycles() {
		g.tree.Age++
		for _, b := range g.tree.Branches {
			b.Age++
		}
		g.stats = g.sim.Simulate(g.tree)
		g.cycle.Add(1)
	}

	cycle := int(g.cycle.Load())
	digest := g.stateDigest(cycle)
	dur := time.Since(start)
	g.lastCycleMicros.Store(dur.Microseconds())
	g.syncMetrics()

	if g.cycleLogger != nil {
		_ = g.cycleLogger.WriteCycle(CycleLogEntry{
			RunID:       g.cfg.RunID,
			Cycle:       cycle,
			Digest:      digest,
			Branches:    g.tree.Len(),
			MaxDepth:    g.tree.MaxDepth(),
			Pruned:      g.stats.Pruned,
			PrunedTotal: g.sim.PrunedTotal(),
			MinCapture:  g.stats.MinCapture,
			AvgCapture:  g.stats.AvgCapture,
			MaxCapture:  g.stats.MaxCapture,
			DurationMs:  float64(dur.Microseconds()) / 1000,
			Applied:     applied,
		})
	}

	if g.snapshotSink != nil && g.cfg.SnapshotEvery > 0 && cycle != 0 && cycle%g.cfg.SnapshotEvery == 0 && !regrown {
		snap := g.ExportSnapshot(cycle, digest)
		select {
		case g.snapshotSink <- snap:
		default:
			// Drop the snapshot if the sink is backed up.
		}
	}

	g.broadcast(cycle, digest)
}

// StepOnce advances by a single step with the same ordering semantics
// as the live loop. For deterministic tests and the batch path.
func (g *Grower) StepOnce(params []ParamsRequest) (cycle int, digest string) {
	g.step(params)
	cycle = int(g.cycle.Load())
	return cycle, g.stateDigest(cycle)
}

// GrowUntilDone runs all remaining growth cycles synchronously.
func (g *Grower) GrowUntilDone() (cycle int, digest string) {
	cycle = int(g.cycle.Load())
	digest = g.stateDigest(cycle)
	for int(g.cycle.Load()) < g.maxCycles() {
		cycle, digest = g.StepOnce(nil)
	}
	return cycle, digest
}

func (g *Grower) applySetParams(msg protocol.SetParamsMsg) (protocol.AckMsg, bool) {
	cycle := int(g.cycle.Load())
	nack := func(code, message string) protocol.AckMsg {
		return protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          msg.ID,
			Accepted:        false,
			Code:            code,
			Message:         message,
			Cycle:           cycle,
		}
	}

	if msg.ProtocolVersion != protocol.Version {
		return nack(protocol.ErrProtoUnsupportedVersion, fmt.Sprintf("want protocol %s", protocol.Version)), false
	}

	next := g.current
	if msg.Species != "" {
		if g.cfg.Catalog == nil {
			return nack(protocol.ErrUnknownSpecies, "no species catalog loaded"), false
		}
		cfg, ok := g.cfg.Catalog.ByName[msg.Species]
		if !ok {
			return nack(protocol.ErrUnknownSpecies, fmt.Sprintf("no species %q in catalog", msg.Species)), false
		}
		next = cfg
	}
	if ov := msg.Overrides; ov != nil {
		if ov.Seed != nil {
			next.Growth.RandomSeed = *ov.Seed
		}
		if ov.Iterations != nil {
			next.LSystem.Iterations = *ov.Iterations
		}
		if ov.BranchAngle != nil {
			next.Branching.BaseAngleDegrees = *ov.BranchAngle
		}
		if ov.AngleVariation != nil {
			next.Branching.AngleVariation = *ov.AngleVariation
		}
	}
	if err := next.Validate(); err != nil {
		return nack(protocol.ErrInvalidParams, err.Error()), false
	}

	program, t, sim, err := g.regenerate(next)
	if err != nil {
		return nack(protocol.ErrInvalidParams, err.Error()), false
	}

	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          msg.ID,
		Accepted:        true,
		Cycle:           cycle,
	}
	if !msg.Apply {
		return ack, false
	}

	g.current = next
	g.install(program, t, sim)
	g.cycle.Store(0)
	ack.Cycle = 0
	g.logger.Printf("params applied (%s): species=%s seed=%d program=%dB branches=%d",
		msg.ID, g.current.Species, g.current.Growth.RandomSeed, len(program), t.Len())
	return ack, true
}

// ExportSnapshot captures the current tree. Loop-owned state: call only
// from the loop goroutine or while driving the grower synchronously.
func (g *Grower) ExportSnapshot(cycle int, digest string) snapshot.TreeSnapshotV1 {
	return snapshot.FromTree(g.cfg.RunID, g.current, g.tree, g.sim, cycle, digest)
}

type Metrics struct {
	Cycle         int
	Branches      int
	PrunedTotal   int
	Viewers       int
	DroppedFrames uint64
	LastCycleMs   float64
}

// Metrics is safe from any goroutine.
func (g *Grower) Metrics() Metrics {
	return Metrics{
		Cycle:         int(g.cycle.Load()),
		Branches:      int(g.branchCount.Load()),
		PrunedTotal:   int(g.prunedTotal.Load()),
		Viewers:       int(g.viewerCount.Load()),
		DroppedFrames: g.droppedFrames.Load(),
		LastCycleMs:   float64(g.lastCycleMicros.Load()) / 1000,
	}
}

func (g *Grower) syncMetrics() {
	g.branchCount.Store(int64(g.tree.Len()))
	g.prunedTotal.Store(int64(g.sim.PrunedTotal()))
	g.viewerCount.Store(int64(len(g.viewers)))
}

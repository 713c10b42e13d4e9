package grower

import (
	"encoding/json"
	"testing"
	"time"

	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/species"
)

func testSpecies() species.Config {
	cfg := species.Default()
	cfg.Species = "testwood"
	cfg.LSystem.Rules = species.RuleSet{"F": "F[+F]F"}
	cfg.LSystem.Iterations = 2
	cfg.Growth.SimulationYears = 6
	return cfg
}

func newTestGrower(t *testing.T, mut func(*Config)) *Grower {
	t.Helper()
	cfg := Config{
		RunID:         "R-test",
		Species:       testSpecies(),
		CycleDuration: time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new grower: %v", err)
	}
	return g
}

func TestDeterminism_SameSeedSameDigest(t *testing.T) {
	g1 := newTestGrower(t, nil)
	g2 := newTestGrower(t, nil)

	if d1, d2 := g1.Digest(), g2.Digest(); d1 != d2 {
		t.Fatalf("digest mismatch at cycle 0: %s vs %s", d1, d2)
	}
	for i := 0; i < 5; i++ {
		c1, d1 := g1.StepOnce(nil)
		c2, d2 := g2.StepOnce(nil)
		if c1 != c2 || d1 != d2 {
			t.Fatalf("mismatch at step %d: cycle %d/%d digest %s vs %s", i, c1, c2, d1, d2)
		}
	}
}

func TestDeterminism_SeedChangesDigest(t *testing.T) {
	g1 := newTestGrower(t, nil)
	g2 := newTestGrower(t, func(cfg *Config) {
		cfg.Species.Growth.RandomSeed = 999
	})
	if g1.Digest() == g2.Digest() {
		t.Fatal("different seeds produced the same digest")
	}
}

func TestGrowUntilDone(t *testing.T) {
	g := newTestGrower(t, nil)
	cycle, digest := g.GrowUntilDone()
	if cycle != 6 {
		t.Fatalf("cycle = %d, want 6", cycle)
	}
	if digest == "" {
		t.Fatal("empty digest")
	}
	if g.tree.Age != 6 {
		t.Fatalf("tree age = %d, want 6", g.tree.Age)
	}
	for i, b := range g.tree.Branches {
		if b.Age != 6 {
			t.Fatalf("branch %d age = %d, want 6", i, b.Age)
		}
	}

	// Done means done: further steps must not grow.
	again, d2 := g.StepOnce(nil)
	if again != 6 || d2 != digest {
		t.Fatalf("stepped past the end: cycle %d digest changed=%v", again, d2 != digest)
	}
}

func TestSetParams_UnknownSpecies(t *testing.T) {
	g := newTestGrower(t, nil)
	ref := newTestGrower(t, nil)

	resp := make(chan protocol.AckMsg, 1)
	cycle, digest := g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P1",
			Species:         "no-such-species",
			Apply:           true,
		},
		Resp: resp,
	}})
	ack := <-resp
	if ack.Accepted {
		t.Fatal("unknown species was accepted")
	}
	if ack.Code != protocol.ErrUnknownSpecies {
		t.Fatalf("code = %s, want %s", ack.Code, protocol.ErrUnknownSpecies)
	}

	// A refused change has no effect on growth.
	refCycle, refDigest := ref.StepOnce(nil)
	if cycle != refCycle || digest != refDigest {
		t.Fatalf("refused change altered state: cycle %d/%d digest %s vs %s", cycle, refCycle, digest, refDigest)
	}
}

func TestSetParams_BadVersion(t *testing.T) {
	g := newTestGrower(t, nil)
	resp := make(chan protocol.AckMsg, 1)
	g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: "0.1",
			ID:              "P1",
			Apply:           true,
		},
		Resp: resp,
	}})
	ack := <-resp
	if ack.Accepted || ack.Code != protocol.ErrProtoUnsupportedVersion {
		t.Fatalf("ack = %+v, want %s nack", ack, protocol.ErrProtoUnsupportedVersion)
	}
}

func TestSetParams_OverridesRegrow(t *testing.T) {
	g := newTestGrower(t, nil)
	g.StepOnce(nil)
	g.StepOnce(nil)

	seed := int64(4242)
	resp := make(chan protocol.AckMsg, 1)
	cycle, _ := g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P2",
			Overrides:       &protocol.ParamOverrides{Seed: &seed},
			Apply:           true,
		},
		Resp: resp,
	}})
	ack := <-resp
	if !ack.Accepted {
		t.Fatalf("nack: %s %s", ack.Code, ack.Message)
	}
	if ack.Cycle != 0 || cycle != 0 {
		t.Fatalf("regrow did not reset: ack cycle %d, grower cycle %d", ack.Cycle, cycle)
	}
	if g.current.Growth.RandomSeed != seed {
		t.Fatalf("seed = %d, want %d", g.current.Growth.RandomSeed, seed)
	}
	if g.tree.Age != 0 {
		t.Fatalf("tree age = %d after regrow, want 0", g.tree.Age)
	}
}

func TestSetParams_DryRun(t *testing.T) {
	g := newTestGrower(t, nil)
	before := g.current.Growth.RandomSeed

	seed := int64(4242)
	resp := make(chan protocol.AckMsg, 1)
	cycle, _ := g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P3",
			Overrides:       &protocol.ParamOverrides{Seed: &seed},
			Apply:           false,
		},
		Resp: resp,
	}})
	ack := <-resp
	if !ack.Accepted {
		t.Fatalf("nack: %s %s", ack.Code, ack.Message)
	}
	if g.current.Growth.RandomSeed != before {
		t.Fatal("dry run changed the live config")
	}
	if cycle != 1 {
		t.Fatalf("cycle = %d, want 1: a dry run must not consume the growth step", cycle)
	}
}

func TestSetParams_SpeciesSwitch(t *testing.T) {
	pine := testSpecies()
	pine.Species = "pinetest"
	pine.Growth.RandomSeed = 7
	cat := &species.Catalog{ByName: map[string]species.Config{"pinetest": pine}}

	g := newTestGrower(t, func(cfg *Config) { cfg.Catalog = cat })
	g.StepOnce(nil)

	resp := make(chan protocol.AckMsg, 1)
	cycle, _ := g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P4",
			Species:         "pinetest",
			Apply:           true,
		},
		Resp: resp,
	}})
	ack := <-resp
	if !ack.Accepted {
		t.Fatalf("nack: %s %s", ack.Code, ack.Message)
	}
	if g.Species() != "pinetest" || cycle != 0 {
		t.Fatalf("species = %s cycle = %d, want pinetest at 0", g.Species(), cycle)
	}
}

func TestSetParams_InvalidOverride(t *testing.T) {
	g := newTestGrower(t, nil)
	bad := -1
	resp := make(chan protocol.AckMsg, 1)
	g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P5",
			Overrides:       &protocol.ParamOverrides{Iterations: &bad},
			Apply:           true,
		},
		Resp: resp,
	}})
	ack := <-resp
	if ack.Accepted || ack.Code != protocol.ErrInvalidParams {
		t.Fatalf("ack = %+v, want %s nack", ack, protocol.ErrInvalidParams)
	}
}

func TestNewRejectsRunawayProgram(t *testing.T) {
	cfg := Config{RunID: "R-cap", Species: testSpecies(), MaxProgramBytes: 8}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("runaway program was accepted")
	}
}

func TestNewRejectsTooManyBranches(t *testing.T) {
	cfg := Config{RunID: "R-cap", Species: testSpecies(), MaxBranches: 2}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("oversized tree was accepted")
	}
}

func TestSnapshotCadence(t *testing.T) {
	snapCh := make(chan snapshot.TreeSnapshotV1, 8)
	g := newTestGrower(t, func(cfg *Config) { cfg.SnapshotEvery = 2 })
	g.SetSnapshotSink(snapCh)

	for i := 0; i < 4; i++ {
		g.StepOnce(nil)
	}
	close(snapCh)

	var cycles []int
	for snap := range snapCh {
		cycles = append(cycles, snap.Cycle)
	}
	if len(cycles) != 2 || cycles[0] != 2 || cycles[1] != 4 {
		t.Fatalf("snapshot cycles = %v, want [2 4]", cycles)
	}
}

func TestResumeFromSnapshot(t *testing.T) {
	g1 := newTestGrower(t, nil)
	for i := 0; i < 3; i++ {
		g1.StepOnce(nil)
	}
	snap := g1.ExportSnapshot(3, g1.Digest())

	g2, err := NewFromSnapshot(Config{RunID: "R-test", CycleDuration: time.Second}, snap, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if g2.CurrentCycle() != 3 {
		t.Fatalf("resumed cycle = %d, want 3", g2.CurrentCycle())
	}
	if d1, d2 := g1.Digest(), g2.Digest(); d1 != d2 {
		t.Fatalf("digest mismatch after resume: %s vs %s", d1, d2)
	}

	c1, d1 := g1.StepOnce(nil)
	c2, d2 := g2.StepOnce(nil)
	if c1 != c2 || d1 != d2 {
		t.Fatalf("divergence after resume: cycle %d/%d digest %s vs %s", c1, c2, d1, d2)
	}
}

func TestResumeRejectsTamperedDigest(t *testing.T) {
	g := newTestGrower(t, nil)
	g.StepOnce(nil)
	snap := g.ExportSnapshot(1, g.Digest())
	snap.Branches[0].Length++

	if _, err := NewFromSnapshot(Config{RunID: "R-test"}, snap, nil); err == nil {
		t.Fatal("tampered snapshot was accepted")
	}
}

func TestSubscribeWelcomeAndTree(t *testing.T) {
	g := newTestGrower(t, func(cfg *Config) {
		cfg.CycleDuration = 2 * time.Second
		cfg.SpeciesDigest = "cafe"
	})

	out := make(chan []byte, 4)
	resp := make(chan SubscribeResponse, 1)
	g.handleSubscribe(SubscribeRequest{
		ViewerName:    "viewer",
		IncludeStates: true,
		IncludeCurves: true,
		Out:           out,
		Resp:          resp,
	})
	r := <-resp
	if r.Code != "" {
		t.Fatalf("refused: %s %s", r.Code, r.Message)
	}
	if r.ViewerID != "V1" {
		t.Fatalf("viewer id = %s, want V1", r.ViewerID)
	}
	w := r.Welcome
	if w.Type != protocol.TypeWelcome || w.Species != "testwood" || w.Seed != 12345 {
		t.Fatalf("welcome = %+v", w)
	}
	if w.CycleDurationMs != 2000 || w.SpeciesDigest != "cafe" {
		t.Fatalf("welcome = %+v", w)
	}

	tr := r.Tree
	if tr.Type != protocol.TypeTree || len(tr.Branches) != g.tree.Len() {
		t.Fatalf("tree frame: type=%s branches=%d want %d", tr.Type, len(tr.Branches), g.tree.Len())
	}
	if tr.Digest != g.Digest() {
		t.Fatalf("tree digest %s != %s", tr.Digest, g.Digest())
	}
	if tr.Branches[0].Parent != -1 {
		t.Fatalf("root parent = %d, want -1", tr.Branches[0].Parent)
	}
	for i, b := range tr.Branches {
		if i > 0 && (b.Parent < 0 || b.Parent >= i) {
			t.Fatalf("branch %d parent %d out of preorder", i, b.Parent)
		}
		if b.State == nil {
			t.Fatalf("branch %d missing state", i)
		}
	}
}

func TestSubscribeViewerCap(t *testing.T) {
	g := newTestGrower(t, func(cfg *Config) { cfg.MaxViewers = 1 })

	sub := func() SubscribeResponse {
		resp := make(chan SubscribeResponse, 1)
		g.handleSubscribe(SubscribeRequest{Out: make(chan []byte, 1), Resp: resp})
		return <-resp
	}
	if r := sub(); r.Code != "" {
		t.Fatalf("first viewer refused: %s", r.Code)
	}
	if r := sub(); r.Code != protocol.ErrRateLimited {
		t.Fatalf("second viewer code = %q, want %s", r.Code, protocol.ErrRateLimited)
	}
}

func TestTreeFrameTruncation(t *testing.T) {
	g := newTestGrower(t, nil)
	msg := g.treeMsg(0, g.Digest(), false, false, 2)
	if !msg.Truncated || len(msg.Branches) != 2 {
		t.Fatalf("truncated=%v branches=%d, want true/2", msg.Truncated, len(msg.Branches))
	}
	full := g.TreeFrame()
	if full.Truncated || len(full.Branches) != g.tree.Len() {
		t.Fatalf("full frame truncated=%v branches=%d", full.Truncated, len(full.Branches))
	}
}

func TestBroadcastDeliversTreeThenStats(t *testing.T) {
	g := newTestGrower(t, nil)
	out := make(chan []byte, 4)
	resp := make(chan SubscribeResponse, 1)
	g.handleSubscribe(SubscribeRequest{Out: out, Resp: resp})
	<-resp

	g.StepOnce(nil)

	var base protocol.BaseMessage
	if err := json.Unmarshal(<-out, &base); err != nil || base.Type != protocol.TypeTree {
		t.Fatalf("first frame type = %s err=%v, want %s", base.Type, err, protocol.TypeTree)
	}
	var stats protocol.StatsMsg
	if err := json.Unmarshal(<-out, &stats); err != nil {
		t.Fatalf("stats frame: %v", err)
	}
	if stats.Type != protocol.TypeStats || stats.Cycle != 1 || stats.Branches != g.tree.Len() {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestUnsubscribeStopsFrames(t *testing.T) {
	g := newTestGrower(t, nil)
	out := make(chan []byte, 8)
	resp := make(chan SubscribeResponse, 1)
	g.handleSubscribe(SubscribeRequest{Out: out, Resp: resp})
	r := <-resp

	g.handleUnsubscribe(r.ViewerID)
	g.StepOnce(nil)
	select {
	case b := <-out:
		t.Fatalf("frame after unsubscribe: %s", b)
	default:
	}
}

func TestSendLatestDropsStale(t *testing.T) {
	ch := make(chan []byte, 1)
	if !sendLatest(ch, []byte("a")) {
		t.Fatal("send into empty buffer reported a drop")
	}
	if sendLatest(ch, []byte("b")) {
		t.Fatal("send into full buffer reported clean")
	}
	if got := string(<-ch); got != "b" {
		t.Fatalf("got %q, want the latest frame", got)
	}
}

func TestCycleLoggerReceivesEntries(t *testing.T) {
	g := newTestGrower(t, nil)
	cl := &captureLogger{}
	g.SetCycleLogger(cl)

	_, digest := g.StepOnce(nil)
	if len(cl.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(cl.entries))
	}
	e := cl.entries[0]
	if e.Cycle != 1 || e.Digest != digest || e.Branches != g.tree.Len() || e.RunID != "R-test" {
		t.Fatalf("entry = %+v", e)
	}

	seed := int64(321)
	resp := make(chan protocol.AckMsg, 1)
	g.StepOnce([]ParamsRequest{{
		Msg: protocol.SetParamsMsg{
			Type:            protocol.TypeSetParams,
			ProtocolVersion: protocol.Version,
			ID:              "P9",
			Overrides:       &protocol.ParamOverrides{Seed: &seed},
			Apply:           true,
		},
		Resp: resp,
	}})
	<-resp
	if len(cl.entries) != 2 || len(cl.entries[1].Applied) != 1 || cl.entries[1].Cycle != 0 {
		t.Fatalf("regrow entry = %+v", cl.entries[len(cl.entries)-1])
	}
}

type captureLogger struct {
	entries []CycleLogEntry
}

func (c *captureLogger) WriteCycle(e CycleLogEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestMetrics(t *testing.T) {
	g := newTestGrower(t, nil)
	g.StepOnce(nil)
	m := g.Metrics()
	if m.Cycle != 1 || m.Branches != g.tree.Len() {
		t.Fatalf("metrics = %+v", m)
	}
}

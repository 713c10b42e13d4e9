// Package growertest is a black-box harness for driving a grower
// through its exported API, so integration tests can live outside the
// grower package.
//
// Two driving modes:
//   - synchronous: Step/StepParams/GrowAll call StepOnce directly, for
//     determinism tests that need lockstep control
//   - live: StartLoop runs the grower goroutine and Subscribe attaches
//     viewers that wait for broadcast frames with timeouts
package growertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
)

const waitTimeout = 2 * time.Second

type Harness struct {
	T *testing.T
	G *grower.Grower
}

func NewHarness(t *testing.T, cfg grower.Config) *Harness {
	t.Helper()
	if cfg.RunID == "" {
		cfg.RunID = "R-harness"
	}
	g, err := grower.New(cfg, nil)
	if err != nil {
		t.Fatalf("grower.New: %v", err)
	}
	return &Harness{T: t, G: g}
}

// NewHarnessWithGrower wraps an already-constructed grower, e.g. one
// resumed from a snapshot.
func NewHarnessWithGrower(t *testing.T, g *grower.Grower) *Harness {
	t.Helper()
	if g == nil {
		t.Fatalf("NewHarnessWithGrower: nil grower")
	}
	return &Harness{T: t, G: g}
}

// SmallSpecies is a fast deterministic config: two rewriting passes of
// F -> F[+F]F grow a nine-branch tree over six cycles.
func SmallSpecies() species.Config {
	cfg := species.Default()
	cfg.Species = "smallwood"
	cfg.LSystem.Rules = species.RuleSet{"F": "F[+F]F"}
	cfg.LSystem.Iterations = 2
	cfg.Growth.SimulationYears = 6
	return cfg
}

func (h *Harness) Step() (cycle int, digest string) {
	h.T.Helper()
	return h.G.StepOnce(nil)
}

// StepParams advances one step with param requests queued, returning
// the ack for each in order.
func (h *Harness) StepParams(msgs ...protocol.SetParamsMsg) []protocol.AckMsg {
	h.T.Helper()
	reqs := make([]grower.ParamsRequest, len(msgs))
	resps := make([]chan protocol.AckMsg, len(msgs))
	for i, m := range msgs {
		resps[i] = make(chan protocol.AckMsg, 1)
		reqs[i] = grower.ParamsRequest{Msg: m, Resp: resps[i]}
	}
	h.G.StepOnce(reqs)
	acks := make([]protocol.AckMsg, len(msgs))
	for i, ch := range resps {
		select {
		case acks[i] = <-ch:
		default:
			h.T.Fatalf("no ack for params request %d", i)
		}
	}
	return acks
}

func (h *Harness) GrowAll() (cycle int, digest string) {
	h.T.Helper()
	return h.G.GrowUntilDone()
}

// StartLoop runs the grower loop until the test ends.
func (h *Harness) StartLoop() {
	h.T.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.T.Cleanup(cancel)
	go func() { _ = h.G.Run(ctx) }()
}

type Viewer struct {
	t *testing.T

	ID      string
	Out     chan []byte
	Welcome protocol.WelcomeMsg
	// Tree is the initial full frame delivered with the welcome.
	Tree protocol.TreeMsg
}

// Subscribe attaches a viewer to a running loop. Live mode only.
func (h *Harness) Subscribe(name string, includeStates, includeCurves bool) *Viewer {
	h.T.Helper()
	out := make(chan []byte, 64)
	resp := make(chan grower.SubscribeResponse, 1)
	req := grower.SubscribeRequest{
		ViewerName:    name,
		IncludeStates: includeStates,
		IncludeCurves: includeCurves,
		Out:           out,
		Resp:          resp,
	}
	select {
	case h.G.Subscribe() <- req:
	case <-time.After(waitTimeout):
		h.T.Fatalf("subscribe send timed out; is the loop running?")
	}
	select {
	case r := <-resp:
		if r.Code != "" {
			h.T.Fatalf("subscribe refused: %s %s", r.Code, r.Message)
		}
		return &Viewer{t: h.T, ID: r.ViewerID, Out: out, Welcome: r.Welcome, Tree: r.Tree}
	case <-time.After(waitTimeout):
		h.T.Fatalf("subscribe response timed out")
	}
	return nil
}

func (h *Harness) Unsubscribe(v *Viewer) {
	h.T.Helper()
	select {
	case h.G.Unsubscribe() <- v.ID:
	case <-time.After(waitTimeout):
		h.T.Fatalf("unsubscribe send timed out")
	}
}

// SendParams forwards one SET_PARAMS to the running loop and waits for
// its verdict. The ack arrives when the loop takes its next step.
func (h *Harness) SendParams(msg protocol.SetParamsMsg, timeout time.Duration) protocol.AckMsg {
	h.T.Helper()
	resp := make(chan protocol.AckMsg, 1)
	select {
	case h.G.Params() <- grower.ParamsRequest{Msg: msg, Resp: resp}:
	case <-time.After(timeout):
		h.T.Fatalf("params send timed out")
	}
	select {
	case ack := <-resp:
		return ack
	case <-time.After(timeout):
		h.T.Fatalf("params ack timed out")
	}
	return protocol.AckMsg{}
}

// WaitFrame returns the next frame of the given type, skimming others.
func (v *Viewer) WaitFrame(msgType string, timeout time.Duration) []byte {
	v.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b := <-v.Out:
			base, err := protocol.DecodeBase(b)
			if err != nil {
				continue
			}
			if base.Type == msgType {
				return b
			}
		case <-deadline:
			v.t.Fatalf("no %s frame within %v", msgType, timeout)
		}
	}
}

func (v *Viewer) WaitTree(timeout time.Duration) protocol.TreeMsg {
	v.t.Helper()
	var m protocol.TreeMsg
	if err := json.Unmarshal(v.WaitFrame(protocol.TypeTree, timeout), &m); err != nil {
		v.t.Fatalf("unmarshal TREE: %v", err)
	}
	return m
}

func (v *Viewer) WaitStats(timeout time.Duration) protocol.StatsMsg {
	v.t.Helper()
	var m protocol.StatsMsg
	if err := json.Unmarshal(v.WaitFrame(protocol.TypeStats, timeout), &m); err != nil {
		v.t.Fatalf("unmarshal STATS: %v", err)
	}
	return m
}

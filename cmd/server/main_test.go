package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
)

func testGrower(t *testing.T) *grower.Grower {
	t.Helper()
	cfg := species.Default()
	cfg.Species = "srvtest"
	cfg.LSystem.Rules = species.RuleSet{"F": "F[+F]F"}
	cfg.LSystem.Iterations = 2
	cfg.Growth.SimulationYears = 4
	g, err := grower.New(grower.Config{RunID: "R-srv", Species: cfg}, nil)
	if err != nil {
		t.Fatalf("grower: %v", err)
	}
	return g
}

func TestMetricsHandlerExposition(t *testing.T) {
	g := testGrower(t)
	g.StepOnce(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	metricsHandler(g, nil, "srvtest")(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`plantgrow_cycle{run="R-srv",species="srvtest"} 1`,
		`plantgrow_branches{run="R-srv"} `,
		`plantgrow_pruned_total{run="R-srv"} `,
		"# TYPE plantgrow_cycle gauge",
		"# TYPE plantgrow_pruned_total counter",
		"plantgrow_go_goroutines ",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "plantgrow_index_queue_depth") {
		t.Fatal("index metrics should be absent when the index is disabled")
	}
}

func TestLatestSnapshot(t *testing.T) {
	runDir := t.TempDir()
	if got := latestSnapshot(runDir); got != "" {
		t.Fatalf("empty dir: got %q", got)
	}

	snapDir := filepath.Join(runDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"2.snap.zst", "10.snap.zst", "3.snap.zst", "notes.txt", "x.snap.zst"} {
		if err := os.WriteFile(filepath.Join(snapDir, name), []byte("s"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	want := filepath.Join(snapDir, "10.snap.zst")
	if got := latestSnapshot(runDir); got != want {
		t.Fatalf("latest = %q, want %q", got, want)
	}
}

type captureCycles struct {
	entries []grower.CycleLogEntry
}

func (c *captureCycles) WriteCycle(e grower.CycleLogEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

func TestMultiCycleLoggerFansOut(t *testing.T) {
	a := &captureCycles{}
	b := &captureCycles{}
	m := multiCycleLogger{a: a, b: b}
	if err := m.WriteCycle(grower.CycleLogEntry{RunID: "R", Cycle: 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Fatalf("fan-out: a=%d b=%d", len(a.entries), len(b.entries))
	}
	if a.entries[0].Cycle != 7 || b.entries[0].RunID != "R" {
		t.Fatalf("entries: %+v %+v", a.entries[0], b.entries[0])
	}

	half := multiCycleLogger{a: a}
	if err := half.WriteCycle(grower.CycleLogEntry{Cycle: 8}); err != nil {
		t.Fatalf("nil second sink: %v", err)
	}
}

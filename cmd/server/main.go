// The growth service: one grower loop, its viewer feed over websocket,
// and the persistence around it (cycle log, snapshots, run index).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"plantgrow.dev/internal/persistence/archive"
	"plantgrow.dev/internal/persistence/indexdb"
	persistlog "plantgrow.dev/internal/persistence/log"
	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
	"plantgrow.dev/internal/sim/tuning"
	"plantgrow.dev/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		speciesName = flag.String("species", "default", "species to grow")
		seed        = flag.Int64("seed", 0, "seed override (used only when starting a fresh run)")
		cycles      = flag.Int("cycles", 0, "growth cycle cap (0: species simulation years)")
		snapEvery   = flag.Int("snapshot_every", 0, "snapshot cadence override in cycles (0: tuning)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite run index")

		snapPath   = flag.String("snapshot", "", "snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the data dir (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := species.Load(*configDir)
	if err != nil {
		logger.Fatalf("load species: %v", err)
	}
	cfg, ok := cat.ByName[*speciesName]
	if !ok {
		logger.Fatalf("no species %q in %s (have %v)", *speciesName, *configDir, cat.Names())
	}
	for _, w := range cfg.Warnings() {
		logger.Printf("species %s: warning: %s", *speciesName, w)
	}
	logger.Printf("species catalog: %d species, digest=%.12s", len(cat.ByName), cat.Digest)

	runDir := filepath.Join(*dataDir, "runs", *speciesName)
	_ = os.MkdirAll(runDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(runDir)
	}

	// Tuning is required for a fresh run; a resume tolerates a missing
	// file and falls back to the defaults.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		if os.IsNotExist(tuneErr) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
	}
	if *snapEvery > 0 {
		tune.SnapshotEveryCycles = *snapEvery
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(runDir, "index.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		if err := idx.UpsertSpecies(cat, tune); err != nil {
			logger.Printf("run index: upsert species: %v", err)
		}
	}

	gcfg := grower.Config{
		Catalog:         cat,
		SpeciesDigest:   cat.Digests[*speciesName],
		CycleDuration:   tune.CycleDuration(),
		MaxCycles:       *cycles,
		SnapshotEvery:   tune.SnapshotEveryCycles,
		MaxProgramBytes: tune.MaxProgramBytes,
		MaxBranches:     tune.MaxBranches,
		MaxViewers:      tune.MaxViewers,
	}

	var g *grower.Grower
	var runSeed int64
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.Species != "" && snap.Header.Species != *speciesName {
			logger.Fatalf("snapshot species mismatch: flag=%s snap=%s", *speciesName, snap.Header.Species)
		}
		gcfg.RunID = snap.Header.RunID
		runSeed = snap.Seed
		g, err = grower.NewFromSnapshot(gcfg, snap, logger)
		if err != nil {
			logger.Fatalf("resume: %v", err)
		}
		logger.Printf("resumed run=%s from snapshot=%s cycle=%d", gcfg.RunID, filepath.Base(snapshotToLoad), g.CurrentCycle())
	} else {
		if *seed != 0 {
			cfg.Growth.RandomSeed = *seed
		}
		gcfg.RunID = fmt.Sprintf("%s-%d", *speciesName, time.Now().Unix())
		gcfg.Species = cfg
		runSeed = cfg.Growth.RandomSeed
		g, err = grower.New(gcfg, logger)
		if err != nil {
			logger.Fatalf("grower: %v", err)
		}
	}

	if idx != nil {
		if err := idx.RecordRun(g.RunID(), *speciesName, runSeed, cat.Digests[*speciesName]); err != nil {
			logger.Printf("run index: record run: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	cycleLog := persistlog.NewCycleLogger(runDir)
	mcl := multiCycleLogger{a: cycleLog}
	if idx != nil {
		mcl.b = idx
	}
	g.SetCycleLogger(mcl)

	// Snapshot writer: drains fully on shutdown, so the channel is
	// closed only after the grower loop has stopped.
	snapCh := make(chan snapshot.TreeSnapshotV1, 2)
	g.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for snap := range snapCh {
			writeSnapshotFile(runDir, snap, idx, logger)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(ctx) }()

	wsSrv := ws.NewServer(g, tune, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/view", wsSrv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		m := g.Metrics()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"ok":       true,
			"run":      g.RunID(),
			"species":  *speciesName,
			"cycle":    m.Cycle,
			"branches": m.Branches,
		})
	})
	mux.HandleFunc("/metrics", metricsHandler(g, idx, *speciesName))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("run=%s species=%s listening on %s", g.RunID(), *speciesName, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Ordered teardown: close viewers, stop the loop, flush queued
	// snapshots, then write the final snapshot and archive before the
	// index batches its last rows and closes.
	wsSrv.Shutdown()
	if err := <-runErr; err != nil && err != context.Canceled {
		logger.Printf("grower stopped: %v", err)
	}
	close(snapCh)
	<-snapDone

	final := g.ExportSnapshot(g.CurrentCycle(), g.Digest())
	if path := writeSnapshotFile(runDir, final, idx, logger); path != "" {
		logger.Printf("final snapshot: %s", filepath.Base(path))
		if archived, ok, err := archive.ArchiveFinishedRun(runDir, path, final, *cycles); err != nil {
			logger.Printf("archive run: %v", err)
		} else if ok {
			logger.Printf("archived finished run: %s", archived)
		}
	}

	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close run index: %v", err)
		}
	}
	if err := cycleLog.Close(); err != nil {
		logger.Printf("close cycle log: %v", err)
	}
	logger.Printf("bye")
}

func writeSnapshotFile(runDir string, snap snapshot.TreeSnapshotV1, idx *indexdb.SQLiteIndex, logger *log.Logger) string {
	path := filepath.Join(runDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Cycle))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		logger.Printf("snapshot write: %v", err)
		return ""
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}
	return path
}

func metricsHandler(g *grower.Grower, idx *indexdb.SQLiteIndex, speciesName string) http.HandlerFunc {
	runID := g.RunID()
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := g.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP plantgrow_cycle Current growth cycle.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_cycle gauge\n")
		fmt.Fprintf(rw, "plantgrow_cycle{run=%q,species=%q} %d\n", runID, speciesName, m.Cycle)

		fmt.Fprintf(rw, "# HELP plantgrow_branches Live branch count.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_branches gauge\n")
		fmt.Fprintf(rw, "plantgrow_branches{run=%q} %d\n", runID, m.Branches)

		fmt.Fprintf(rw, "# HELP plantgrow_pruned_total Branches pruned since the run started.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_pruned_total counter\n")
		fmt.Fprintf(rw, "plantgrow_pruned_total{run=%q} %d\n", runID, m.PrunedTotal)

		fmt.Fprintf(rw, "# HELP plantgrow_viewers Connected viewers.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_viewers gauge\n")
		fmt.Fprintf(rw, "plantgrow_viewers{run=%q} %d\n", runID, m.Viewers)

		fmt.Fprintf(rw, "# HELP plantgrow_dropped_frames_total Frames dropped on slow viewers.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_dropped_frames_total counter\n")
		fmt.Fprintf(rw, "plantgrow_dropped_frames_total{run=%q} %d\n", runID, m.DroppedFrames)

		fmt.Fprintf(rw, "# HELP plantgrow_cycle_ms Last growth cycle duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_cycle_ms gauge\n")
		fmt.Fprintf(rw, "plantgrow_cycle_ms{run=%q} %.3f\n", runID, m.LastCycleMs)

		if idx != nil {
			s := idx.Stats()
			fmt.Fprintf(rw, "# HELP plantgrow_index_queue_depth Run index write queue depth.\n")
			fmt.Fprintf(rw, "# TYPE plantgrow_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "plantgrow_index_queue_depth %d\n", s.QueueDepth)

			fmt.Fprintf(rw, "# HELP plantgrow_index_queue_capacity Run index write queue capacity.\n")
			fmt.Fprintf(rw, "# TYPE plantgrow_index_queue_capacity gauge\n")
			fmt.Fprintf(rw, "plantgrow_index_queue_capacity %d\n", s.QueueCapacity)

			fmt.Fprintf(rw, "# HELP plantgrow_index_dropped_total Run index writes dropped because the queue was full.\n")
			fmt.Fprintf(rw, "# TYPE plantgrow_index_dropped_total counter\n")
			fmt.Fprintf(rw, "plantgrow_index_dropped_total{kind=%q} %d\n", "cycle", s.DropCycleTotal)
			fmt.Fprintf(rw, "plantgrow_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		fmt.Fprintf(rw, "# HELP plantgrow_go_goroutines Current goroutine count.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_go_goroutines gauge\n")
		fmt.Fprintf(rw, "plantgrow_go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(rw, "# HELP plantgrow_go_heap_alloc_bytes Heap bytes allocated and in use.\n")
		fmt.Fprintf(rw, "# TYPE plantgrow_go_heap_alloc_bytes gauge\n")
		fmt.Fprintf(rw, "plantgrow_go_heap_alloc_bytes %d\n", ms.HeapAlloc)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// latestSnapshot returns the highest-cycle snapshot in the run dir, or
// "" when none exist yet.
func latestSnapshot(runDir string) string {
	dir := filepath.Join(runDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestCycle uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		cycle, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || cycle > bestCycle {
			bestCycle = cycle
			best = filepath.Join(dir, name)
		}
	}
	return best
}

type multiCycleLogger struct {
	a grower.CycleLogger
	b grower.CycleLogger
}

func (m multiCycleLogger) WriteCycle(entry grower.CycleLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteCycle(entry)
	}
	if m.b != nil {
		_ = m.b.WriteCycle(entry)
	}
	return nil
}

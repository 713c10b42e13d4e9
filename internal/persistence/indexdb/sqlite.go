// Package indexdb maintains a queryable SQLite index over runs,
// snapshots and the loaded species catalog. It is a secondary index:
// writes are asynchronous and may be dropped under pressure, and the
// cycle log plus the snapshot files remain the source of truth.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
	"plantgrow.dev/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCycleTotal    atomic.Uint64
	dropSnapshotTotal atomic.Uint64
}

type reqKind int

const (
	reqCycle reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind     reqKind
	cycle    grower.CycleLogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	RunID     string
	Cycle     int
	Path      string
	Branches  int
	CreatedAt string
}

// RunRow mirrors one row of the runs table.
type RunRow struct {
	RunID        string
	Species      string
	Seed         int64
	ConfigDigest string
	StartedAt    string
	UpdatedAt    string
	Cycles       int
	Branches     int
	PrunedTotal  int
	LastDigest   string
}

// SnapshotInfo mirrors one row of the snapshots table.
type SnapshotInfo struct {
	Cycle     int
	Path      string
	Branches  int
	CreatedAt string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropCycleTotal    uint64
	DropSnapshotTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Cycle rows arrive once per growth cycle; the buffer only has
		// to cover transaction stalls, not bursts.
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			species TEXT NOT NULL,
			seed INTEGER NOT NULL,
			config_digest TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			cycles INTEGER NOT NULL,
			branches INTEGER NOT NULL,
			pruned_total INTEGER NOT NULL,
			last_digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_species_updated ON runs(species, updated_at);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			path TEXT NOT NULL,
			branches INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, cycle)
		);`,
		`CREATE TABLE IF NOT EXISTS species (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteCycle implements grower.CycleLogger.
func (s *SQLiteIndex) WriteCycle(entry grower.CycleLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqCycle, cycle: entry}:
	default:
		// Drop if the indexer falls behind; the cycle log keeps the full record.
		s.dropCycleTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.TreeSnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		RunID:     snap.Header.RunID,
		Cycle:     snap.Cycle,
		Path:      path,
		Branches:  len(snap.Branches),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshotTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropCycleTotal:    s.dropCycleTotal.Load(),
		DropSnapshotTotal: s.dropSnapshotTotal.Load(),
	}
}

// RecordRun registers a run at startup. Synchronous: the row must exist
// before the first cycle update refers to it.
func (s *SQLiteIndex) RecordRun(runID, speciesName string, seed int64, configDigest string) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO runs(run_id,species,seed,config_digest,started_at,updated_at,cycles,branches,pruned_total,last_digest)
		 VALUES(?,?,?,?,?,?,0,0,0,'')`,
		runID, speciesName, seed, configDigest, now, now,
	)
	return err
}

// UpsertSpecies records the loaded catalog and the effective tuning so a
// run can be traced back to the exact configs that produced it.
func (s *SQLiteIndex) UpsertSpecies(cat *species.Catalog, tune tuning.Tuning) error {
	if s == nil || cat == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type row struct {
		name   string
		digest string
		json   []byte
	}
	var rows []row
	for _, name := range cat.Names() {
		cfg := cat.ByName[name]
		// Canonicalize to the parsed form for easier querying.
		b, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("species %s: %w", name, err)
		}
		rows = append(rows, row{name: name, digest: cat.Digests[name], json: b})
	}
	{
		b, err := json.Marshal(tune)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(b)
		rows = append(rows, row{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO species(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recently updated run, optionally filtered
// by species. Pending asynchronous writes may not be visible yet.
func (s *SQLiteIndex) LatestRun(speciesName string) (RunRow, bool, error) {
	const cols = `run_id,species,seed,config_digest,started_at,updated_at,cycles,branches,pruned_total,last_digest`
	var r RunRow
	var err error
	if speciesName == "" {
		err = s.db.QueryRow(`SELECT `+cols+` FROM runs ORDER BY updated_at DESC LIMIT 1`).
			Scan(&r.RunID, &r.Species, &r.Seed, &r.ConfigDigest, &r.StartedAt, &r.UpdatedAt,
				&r.Cycles, &r.Branches, &r.PrunedTotal, &r.LastDigest)
	} else {
		err = s.db.QueryRow(`SELECT `+cols+` FROM runs WHERE species=? ORDER BY updated_at DESC LIMIT 1`, speciesName).
			Scan(&r.RunID, &r.Species, &r.Seed, &r.ConfigDigest, &r.StartedAt, &r.UpdatedAt,
				&r.Cycles, &r.Branches, &r.PrunedTotal, &r.LastDigest)
	}
	if err == sql.ErrNoRows {
		return RunRow{}, false, nil
	}
	if err != nil {
		return RunRow{}, false, err
	}
	return r, true, nil
}

// Runs returns the most recently updated runs, newest first.
func (s *SQLiteIndex) Runs(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id,species,seed,config_digest,started_at,updated_at,cycles,branches,pruned_total,last_digest
		 FROM runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Species, &r.Seed, &r.ConfigDigest, &r.StartedAt, &r.UpdatedAt,
			&r.Cycles, &r.Branches, &r.PrunedTotal, &r.LastDigest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SpeciesRow mirrors one row of the species table.
type SpeciesRow struct {
	Name      string
	Digest    string
	JSON      string
	UpdatedAt string
}

// SpeciesRows returns the recorded species configs (and the tuning row).
func (s *SQLiteIndex) SpeciesRows() ([]SpeciesRow, error) {
	rows, err := s.db.Query(`SELECT name,digest,json,updated_at FROM species ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpeciesRow
	for rows.Next() {
		var r SpeciesRow
		if err := rows.Scan(&r.Name, &r.Digest, &r.JSON, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSnapshots returns a run's recorded snapshots in cycle order.
func (s *SQLiteIndex) ListSnapshots(runID string) ([]SnapshotInfo, error) {
	rows, err := s.db.Query(
		`SELECT cycle,path,branches,created_at FROM snapshots WHERE run_id=? ORDER BY cycle`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Cycle, &info.Path, &info.Branches, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	updateRun, _ := s.db.Prepare(`UPDATE runs SET cycles=?,branches=?,pruned_total=?,last_digest=?,updated_at=? WHERE run_id=?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,cycle,path,branches,created_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if updateRun != nil {
			_ = updateRun.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCycle:
			e := r.cycle
			if updateRun != nil {
				now := time.Now().UTC().Format(time.RFC3339Nano)
				if _, err := tx.Stmt(updateRun).Exec(
					e.Cycle,
					e.Branches,
					e.PrunedTotal,
					e.Digest,
					now,
					e.RunID,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					sn.RunID,
					sn.Cycle,
					sn.Path,
					sn.Branches,
					sn.CreatedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

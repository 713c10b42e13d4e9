// Package archive files away completed runs: the final snapshot plus a
// small meta.json, copied out of the live snapshots directory so later
// runs can rotate freely.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"plantgrow.dev/internal/persistence/snapshot"
)

type RunArchiveMeta struct {
	RunID       string `json:"run_id"`
	Species     string `json:"species"`
	Seed        int64  `json:"seed"`
	Cycles      int    `json:"cycles"`
	Branches    int    `json:"branches"`
	PrunedTotal int    `json:"pruned_total"`
	Digest      string `json:"digest"`
	Snapshot    string `json:"snapshot"`
	CreatedAt   string `json:"created_at"`
}

// ArchiveFinishedRun copies a completed run's final snapshot into
// `runDir/archives/<runID>/`. maxCycles overrides the species'
// simulation years when the run was capped; pass 0 to use the config.
// Returns archived=false when the run still has growth cycles left.
func ArchiveFinishedRun(runDir, snapshotPath string, snap snapshot.TreeSnapshotV1, maxCycles int) (archivedPath string, archived bool, err error) {
	if snap.Header.RunID == "" {
		return "", false, nil
	}
	if maxCycles <= 0 {
		maxCycles = snap.Config.Growth.SimulationYears
	}
	if snap.Cycle < maxCycles {
		return "", false, nil
	}

	archiveDir := filepath.Join(runDir, "archives", snap.Header.RunID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, fmt.Errorf("archive snapshot: %w", err)
	}

	meta := RunArchiveMeta{
		RunID:       snap.Header.RunID,
		Species:     snap.Header.Species,
		Seed:        snap.Seed,
		Cycles:      snap.Cycle,
		Branches:    len(snap.Branches),
		PrunedTotal: snap.PrunedTotal,
		Digest:      snap.Digest,
		Snapshot:    filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

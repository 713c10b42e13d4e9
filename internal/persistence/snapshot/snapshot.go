// Package snapshot persists a grown tree and its resource state so a
// run can be resumed or inspected later. Files are a JSON header line
// followed by a gob payload, zstd-compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/resource"
	"plantgrow.dev/internal/sim/species"
	"plantgrow.dev/internal/sim/tree"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Species string `json:"species"`
	Cycle   int    `json:"cycle"`
}

type TreeSnapshotV1 struct {
	Header Header `json:"header"`

	Seed    int64
	Config  species.Config
	Cycle   int
	TreeAge int

	Branches    []BranchV1
	States      []StateV1
	PrunedTotal int

	// Digest is the grower's cycle digest at capture time; a rebuilt
	// tree must reproduce it.
	Digest string
}

// BranchV1 is one live branch in flat-list order. Parent is an index
// into the same list, -1 for the root.
type BranchV1 struct {
	Parent   int
	Start    [3]float32
	Dir      [3]float32
	Length   float32
	Radius   float32
	Depth    int
	Age      int
	Exposure float32
	Curve    [][3]float32
}

type StateV1 struct {
	LightCapture       float32
	ResourceBalance    float32
	AccumulatedDeficit float32
	DeficitDuration    int
	Marked             bool
}

// FromTree captures the live tree and simulator state.
func FromTree(runID string, cfg species.Config, t *tree.Tree, sim *resource.Simulator, cycle int, digest string) TreeSnapshotV1 {
	snap := TreeSnapshotV1{
		Header:  Header{Version: Version, RunID: runID, Species: cfg.Species, Cycle: cycle},
		Seed:    cfg.Growth.RandomSeed,
		Config:  cfg,
		Cycle:   cycle,
		TreeAge: t.Age,
		Digest:  digest,
	}
	index := make(map[*tree.Branch]int, len(t.Branches))
	for i, b := range t.Branches {
		index[b] = i
	}
	snap.Branches = make([]BranchV1, len(t.Branches))
	for i, b := range t.Branches {
		rec := BranchV1{
			Parent:   -1,
			Start:    b.Start.Array(),
			Dir:      b.Direction.Array(),
			Length:   b.Length,
			Radius:   b.Radius,
			Depth:    b.Depth,
			Age:      b.Age,
			Exposure: b.Exposure,
		}
		if b.Parent != nil {
			rec.Parent = index[b.Parent]
		}
		if len(b.Curve) > 0 {
			rec.Curve = make([][3]float32, len(b.Curve))
			for j, p := range b.Curve {
				rec.Curve[j] = p.Array()
			}
		}
		snap.Branches[i] = rec
	}
	if sim != nil {
		for _, s := range sim.States() {
			snap.States = append(snap.States, StateV1{
				LightCapture:       s.LightCapture,
				ResourceBalance:    s.ResourceBalance,
				AccumulatedDeficit: s.AccumulatedDeficit,
				DeficitDuration:    s.DeficitDuration,
				Marked:             s.MarkedForPruning,
			})
		}
		snap.PrunedTotal = sim.PrunedTotal()
	}
	return snap
}

// BuildTree reconstructs the tree and a simulator carrying the
// snapshotted per-branch budgets.
func BuildTree(snap TreeSnapshotV1) (*tree.Tree, *resource.Simulator, error) {
	if len(snap.Branches) == 0 {
		return nil, nil, fmt.Errorf("snapshot has no branches")
	}
	if snap.Branches[0].Parent != -1 {
		return nil, nil, fmt.Errorf("snapshot branch 0 is not a root")
	}
	branches := make([]*tree.Branch, len(snap.Branches))
	for i, rec := range snap.Branches {
		b := &tree.Branch{
			Start:     geom.FromArray(rec.Start),
			Direction: geom.FromArray(rec.Dir),
			Length:    rec.Length,
			Radius:    rec.Radius,
			Depth:     rec.Depth,
			Age:       rec.Age,
			Exposure:  rec.Exposure,
		}
		if len(rec.Curve) > 0 {
			b.Curve = make([]geom.Vec3, len(rec.Curve))
			for j, p := range rec.Curve {
				b.Curve[j] = geom.FromArray(p)
			}
		}
		branches[i] = b
	}
	for i, rec := range snap.Branches {
		if rec.Parent < 0 {
			continue
		}
		if rec.Parent >= len(branches) || rec.Parent >= i {
			return nil, nil, fmt.Errorf("branch %d: bad parent index %d", i, rec.Parent)
		}
		p := branches[rec.Parent]
		branches[i].Parent = p
		p.Children = append(p.Children, branches[i])
	}
	t := &tree.Tree{Root: branches[0], Branches: branches, Age: snap.TreeAge}

	sim := resource.NewSimulator(snap.Config.ResourceParams())
	if len(snap.States) > 0 {
		states := make([]resource.State, len(snap.States))
		for i, s := range snap.States {
			states[i] = resource.State{
				LightCapture:       s.LightCapture,
				ResourceBalance:    s.ResourceBalance,
				AccumulatedDeficit: s.AccumulatedDeficit,
				DeficitDuration:    s.DeficitDuration,
				MarkedForPruning:   s.Marked,
			}
		}
		sim.Restore(states, snap.PrunedTotal)
	}
	return t, sim, nil
}

// WriteSnapshot writes atomically: a temp file in the target dir,
// renamed into place once fully flushed.
func WriteSnapshot(path string, snap TreeSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap TreeSnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (TreeSnapshotV1, error) {
	var snap TreeSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is for quick inspection; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

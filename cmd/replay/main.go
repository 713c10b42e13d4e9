// Verifies a recorded run: rebuilds the grower (fresh or from a
// snapshot), re-steps every cycle in the cycle log and compares digests.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
)

func main() {
	var (
		snapPath    = flag.String("snapshot", "", "path to .snap.zst to resume from (optional)")
		cyclesDir   = flag.String("cycles", "", "dir containing cycles-*.jsonl.zst (optional)")
		configDir   = flag.String("configs", "./configs", "config directory")
		speciesName = flag.String("species", "default", "species to replay (fresh start)")
		seed        = flag.Int64("seed", 0, "seed override (fresh start)")
		maxCycles   = flag.Int("max_cycles", 0, "growth cycle cap, must match the recorded run (0: species simulation years)")
		fromCycle   = flag.Int("from_cycle", 0, "start verifying from cycle (inclusive, optional)")
		toCycle     = flag.Int("to_cycle", 0, "stop at cycle (inclusive, optional)")
	)
	flag.Parse()

	cat, err := species.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load species:", err)
		os.Exit(1)
	}

	gcfg := grower.Config{
		Catalog:   cat,
		MaxCycles: *maxCycles,
	}

	var g *grower.Grower
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d run=%s species=%s cycle=%d seed=%d branches=%d pruned_total=%d\n",
			snap.Header.Version, snap.Header.RunID, snap.Header.Species, snap.Cycle, snap.Seed,
			len(snap.Branches), snap.PrunedTotal)
		gcfg.RunID = snap.Header.RunID
		g, err = grower.NewFromSnapshot(gcfg, snap, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "resume:", err)
			os.Exit(1)
		}
	} else {
		cfg, ok := cat.ByName[*speciesName]
		if !ok {
			fmt.Fprintf(os.Stderr, "no species %q in %s (have %v)\n", *speciesName, *configDir, cat.Names())
			os.Exit(2)
		}
		if *seed != 0 {
			cfg.Growth.RandomSeed = *seed
		}
		gcfg.RunID = "replay"
		gcfg.Species = cfg
		g, err = grower.New(gcfg, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "grower:", err)
			os.Exit(1)
		}
	}

	if *cyclesDir == "" {
		fmt.Printf("cycle 0 digest: %s\n", g.Digest())
		return
	}

	startCycle := g.CurrentCycle()
	verifyFrom := *fromCycle
	if verifyFrom == 0 {
		verifyFrom = startCycle
	}

	files, err := listCycleFiles(*cyclesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list cycles:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no cycle files found in", *cyclesDir)
		os.Exit(1)
	}

	var checked int
	for _, path := range files {
		if err := replayFile(g, path, startCycle, verifyFrom, *toCycle, &checked); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if *toCycle != 0 && g.CurrentCycle() > *toCycle {
			break
		}
	}
	fmt.Printf("replay ok: checked=%d cycles (from cycle=%d)\n", checked, startCycle)
}

func listCycleFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "cycles-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func replayFile(g *grower.Grower, path string, startCycle, verifyFrom, toCycle int, checked *int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		var entry grower.CycleLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if entry.Cycle <= startCycle && len(entry.Applied) == 0 {
			continue
		}
		if toCycle != 0 && entry.Cycle > toCycle {
			return nil
		}

		// Param changes recorded for this cycle replay through the same
		// path the live loop used.
		var params []grower.ParamsRequest
		for _, msg := range entry.Applied {
			params = append(params, grower.ParamsRequest{Msg: msg})
		}

		cycle, gotDigest := g.StepOnce(params)
		if cycle != entry.Cycle {
			return fmt.Errorf("cycle mismatch: stepped=%d entry=%d (file=%s)", cycle, entry.Cycle, filepath.Base(path))
		}

		if cycle >= verifyFrom {
			*checked++
			if gotDigest != entry.Digest {
				return fmt.Errorf("digest mismatch at cycle %d: got=%s want=%s", cycle, gotDigest, entry.Digest)
			}
		}
	}
	return sc.Err()
}

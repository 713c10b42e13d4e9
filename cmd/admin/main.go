// Operator tooling for recorded runs: list run directories, query the
// sqlite run index, inspect snapshots, and export a snapshot to a scene
// file without the server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"plantgrow.dev/internal/export"
	"plantgrow.dev/internal/persistence/indexdb"
	"plantgrow.dev/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	speciesName := fs.String("species", "", "species name (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "runs")
	if *speciesName != "" {
		base = filepath.Join(base, *speciesName, "snapshots")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	speciesName := fs.String("species", "", "species name (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (snapshots query; defaults to latest run)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = fs.Arg(0)
	}

	path := *dbPath
	if path == "" {
		if *speciesName == "" {
			fmt.Fprintln(os.Stderr, "missing -species or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "runs", *speciesName, "index.db")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "index:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	switch q {
	case "runs":
		rows, err := idx.Runs(*limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "latest":
		r, ok, err := idx.LatestRun(*speciesName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "no runs recorded")
			os.Exit(2)
		}
		printJSON(r)

	case "snapshots":
		id := *runID
		if id == "" {
			r, ok, err := idx.LatestRun(*speciesName)
			if err != nil || !ok {
				fmt.Fprintln(os.Stderr, "no runs recorded")
				os.Exit(2)
			}
			id = r.RunID
		}
		infos, err := idx.ListSnapshots(id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, info := range infos {
			printJSON(struct {
				RunID string `json:"run_id"`
				indexdb.SnapshotInfo
			}{id, info})
		}

	case "species":
		rows, err := idx.SpeciesRows()
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}{r.Name, r.Digest, r.UpdatedAt})
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-species NAME|-db PATH] [-run RUN] runs|latest|snapshots|species")
		os.Exit(2)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to .snap.zst")
	branches := fs.Bool("branches", false, "print per-branch lines")
	_ = fs.Parse(args)

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	maxDepth := 0
	var minCap, maxCap, sumCap float32
	minCap = 1
	for i, b := range snap.Branches {
		if b.Depth > maxDepth {
			maxDepth = b.Depth
		}
		if i < len(snap.States) {
			c := snap.States[i].LightCapture
			if c < minCap {
				minCap = c
			}
			if c > maxCap {
				maxCap = c
			}
			sumCap += c
		}
	}
	avgCap := float32(0)
	if len(snap.States) > 0 {
		avgCap = sumCap / float32(len(snap.States))
	}

	printJSON(struct {
		Version     int     `json:"version"`
		RunID       string  `json:"run_id"`
		Species     string  `json:"species"`
		Cycle       int     `json:"cycle"`
		Seed        int64   `json:"seed"`
		TreeAge     int     `json:"tree_age"`
		Branches    int     `json:"branches"`
		MaxDepth    int     `json:"max_depth"`
		PrunedTotal int     `json:"pruned_total"`
		MinCapture  float32 `json:"min_capture"`
		AvgCapture  float32 `json:"avg_capture"`
		MaxCapture  float32 `json:"max_capture"`
		Digest      string  `json:"digest"`
	}{snap.Header.Version, snap.Header.RunID, snap.Header.Species, snap.Cycle, snap.Seed,
		snap.TreeAge, len(snap.Branches), maxDepth, snap.PrunedTotal, minCap, avgCap, maxCap, snap.Digest})

	if *branches {
		for i, b := range snap.Branches {
			row := struct {
				ID       int     `json:"id"`
				Parent   int     `json:"parent"`
				Depth    int     `json:"depth"`
				Age      int     `json:"age"`
				Length   float32 `json:"length"`
				Radius   float32 `json:"radius"`
				Exposure float32 `json:"exposure"`
				Capture  float32 `json:"capture,omitempty"`
				Marked   bool    `json:"marked,omitempty"`
			}{i, b.Parent, b.Depth, b.Age, b.Length, b.Radius, b.Exposure, 0, false}
			if i < len(snap.States) {
				row.Capture = snap.States[i].LightCapture
				row.Marked = snap.States[i].Marked
			}
			printJSON(row)
		}
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to .snap.zst")
	outPath := fs.String("out", "", "USD output path (.usda)")
	textPath := fs.String("text", "", "simple text output path (optional)")
	_ = fs.Parse(args)

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	if *outPath == "" && *textPath == "" {
		fmt.Fprintln(os.Stderr, "missing -out or -text")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	t, _, err := snapshot.BuildTree(snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rebuild tree:", err)
		os.Exit(1)
	}

	if *outPath != "" {
		if err := export.ExportUSDFile(*outPath, t); err != nil {
			fmt.Fprintln(os.Stderr, "export usd:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d branches)\n", *outPath, t.Len())
	}
	if *textPath != "" {
		if err := export.ExportTextFile(*textPath, t); err != nil {
			fmt.Fprintln(os.Stderr, "export text:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *textPath)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// treegen grows one tree in batch: load a species config, run the
// growth cycles, export the result. The original single-shot workflow,
// without the service around it.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"plantgrow.dev/internal/export"
	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/species"
)

func main() {
	var (
		configPath  = flag.String("config", "", "species config JSON file")
		configDir   = flag.String("configs", "./configs", "species config directory (with -species)")
		speciesName = flag.String("species", "", "species name to load from -configs")

		seed       = flag.Int64("seed", 0, "override random seed")
		iterations = flag.Int("iterations", 0, "override rewriting iterations")
		axiom      = flag.String("axiom", "", "override grammar axiom")
		rules      = flag.String("rules", "", `override grammar rules, e.g. "F=FF;X=F[+X]F"`)
		angle      = flag.Float64("angle", 0, "override base branch angle (degrees)")
		cycles     = flag.Int("cycles", 0, "growth cycles to run (default: config simulation years)")

		outPath  = flag.String("out", "", "USD output path (default: config output.usd_path)")
		textPath = flag.String("text", "", "simple text format output path")
		snapPath = flag.String("snapshot", "", "write a .snap.zst of the final tree")
		quiet    = flag.Bool("quiet", false, "suppress progress logging")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[treegen] ", log.LstdFlags)
	if *quiet {
		logger.SetOutput(io.Discard)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadSpecies(*configPath, *configDir, *speciesName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if set["seed"] {
		cfg.Growth.RandomSeed = *seed
	}
	if set["iterations"] {
		cfg.LSystem.Iterations = *iterations
	}
	if set["axiom"] {
		cfg.LSystem.Axiom = *axiom
	}
	if set["rules"] {
		rs, err := species.ParseRules(*rules)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -rules:", err)
			os.Exit(2)
		}
		cfg.LSystem.Rules = rs
	}
	if set["angle"] {
		cfg.Branching.BaseAngleDegrees = float32(*angle)
	}

	for _, w := range cfg.Warnings() {
		logger.Printf("warning: %s", w)
	}
	logger.Printf("species=%s years=%d seed=%d iterations=%d angle=%.1f",
		cfg.Species, cfg.Growth.SimulationYears, cfg.Growth.RandomSeed,
		cfg.LSystem.Iterations, cfg.Branching.BaseAngleDegrees)

	g, err := grower.New(grower.Config{
		RunID:     fmt.Sprintf("batch-%d", time.Now().Unix()),
		Species:   cfg,
		MaxCycles: *cycles,
	}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate:", err)
		os.Exit(1)
	}

	start := time.Now()
	cycle, digest := g.GrowUntilDone()
	m := g.Metrics()
	logger.Printf("grew %d cycle(s) in %s: branches=%d pruned=%d digest=%.12s",
		cycle, time.Since(start).Round(time.Millisecond), m.Branches, m.PrunedTotal, digest)

	usd := *outPath
	if usd == "" {
		usd = cfg.Output.USDPath
	}
	txt := *textPath
	if txt == "" {
		txt = cfg.Output.TextPath
	}

	if usd != "" {
		if err := export.ExportUSDFile(usd, g.Tree()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Printf("wrote %s", usd)
	}
	if txt != "" {
		if err := export.ExportTextFile(txt, g.Tree()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Printf("wrote %s", txt)
	}
	if *snapPath != "" {
		if err := snapshot.WriteSnapshot(*snapPath, g.ExportSnapshot(cycle, digest)); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
		logger.Printf("wrote %s", *snapPath)
	}
}

// loadSpecies resolves the three config flags: an explicit file, a
// name within a config directory, or the built-in default.
func loadSpecies(configPath, configDir, name string) (species.Config, error) {
	switch {
	case configPath != "" && name != "":
		return species.Config{}, fmt.Errorf("use either -config or -species, not both")
	case configPath != "":
		cfg, err := species.LoadFile(configPath)
		if err != nil {
			return species.Config{}, fmt.Errorf("load %s: %w", configPath, err)
		}
		return cfg, nil
	case name != "":
		cat, err := species.Load(configDir)
		if err != nil {
			return species.Config{}, fmt.Errorf("load %s: %w", configDir, err)
		}
		cfg, ok := cat.ByName[name]
		if !ok {
			return species.Config{}, fmt.Errorf("no species %q in %s (have %v)", name, configDir, cat.Names())
		}
		return cfg, nil
	default:
		return species.Default(), nil
	}
}

// Package species defines and loads tree species configs: the grammar,
// branching habit, tropism response, light environment and resource
// budget that make an oak grow like an oak.
package species

import (
	"encoding/json"
	"fmt"
	"strings"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/lsystem"
	"plantgrow.dev/internal/sim/resource"
	"plantgrow.dev/internal/sim/tropism"
)

// Config is one species definition plus its run settings. Field names
// follow the on-disk JSON keys.
type Config struct {
	Species string `json:"species"`

	Growth    GrowthConfig    `json:"growth_parameters"`
	LSystem   LSystemConfig   `json:"l_system"`
	Branching BranchingConfig `json:"branching"`

	// Tropism is optional; a nil section disables directional bending
	// entirely and branches grow straight.
	Tropism *TropismConfig `json:"tropism,omitempty"`

	Environment EnvironmentConfig `json:"environment"`
	Resources   ResourceConfig    `json:"resources"`
	Output      OutputConfig      `json:"output"`
}

type GrowthConfig struct {
	SimulationYears int   `json:"simulation_years"`
	RandomSeed      int64 `json:"random_seed"`
}

type LSystemConfig struct {
	Axiom      string  `json:"axiom"`
	Rules      RuleSet `json:"rules"`
	Iterations int     `json:"iterations"`

	// StochasticVariation is accepted for config compatibility but has
	// no effect on rewriting; shape variation comes from
	// branching.angle_variation.
	StochasticVariation float32 `json:"stochastic_variation"`

	SegmentLength float32 `json:"segment_length"`
	SegmentRadius float32 `json:"segment_radius"`
}

// RuleSet maps grammar symbols to their replacements. Unlike a plain
// map, unmarshalling replaces the whole set, so a config's rules do not
// merge with the defaults.
type RuleSet map[string]string

func (r *RuleSet) UnmarshalJSON(b []byte) error {
	m := make(map[string]string)
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = m
	return nil
}

type BranchingConfig struct {
	BaseAngleDegrees float32 `json:"base_angle_degrees"`
	AngleVariation   float32 `json:"angle_variation"`
}

type TropismConfig struct {
	PhototropismEnabled  bool    `json:"phototropism_enabled"`
	PhototropismStrength float32 `json:"phototropism_strength"`
	GravitropismEnabled  bool    `json:"gravitropism_enabled"`
	GravitropismStrength float32 `json:"gravitropism_strength"`
	ResponseDistance     float32 `json:"response_distance"`
	ApicalDominance      float32 `json:"apical_dominance"`
	AgeSensitivity       float32 `json:"age_sensitivity"`
	CurveSegments        int     `json:"curve_segments"`
}

// UnmarshalJSON fills in tropism defaults first so a partial section
// gets sane strengths instead of zeros.
func (t *TropismConfig) UnmarshalJSON(b []byte) error {
	*t = defaultTropism()
	type plain TropismConfig
	return json.Unmarshal(b, (*plain)(t))
}

type EnvironmentConfig struct {
	LightX       float32 `json:"light_x"`
	LightY       float32 `json:"light_y"`
	LightZ       float32 `json:"light_z"`
	AmbientLight float32 `json:"ambient_light"`
}

type ResourceConfig struct {
	LightCompetitionEnabled  bool    `json:"light_competition_enabled"`
	BaseLightLevel           float32 `json:"base_light_level"`
	OcclusionRadius          float32 `json:"occlusion_radius"`
	OcclusionFalloff         float32 `json:"occlusion_falloff"`
	PhotosynthesisEfficiency float32 `json:"photosynthesis_efficiency"`
	MaintenanceCost          float32 `json:"maintenance_cost"`
	PruningEnabled           bool    `json:"pruning_enabled"`
	MinLightThreshold        float32 `json:"min_light_threshold"`
	MinResourceThreshold     float32 `json:"min_resource_threshold"`
	PruningGracePeriod       int     `json:"pruning_grace_period"`
	CompetitionRadius        float32 `json:"competition_radius"`
	DominanceFactor          float32 `json:"dominance_factor"`
	FullCheckMaxBranches     int     `json:"full_check_max_branches"`
}

type OutputConfig struct {
	USDPath         string `json:"usd_path"`
	TextPath        string `json:"text_path,omitempty"`
	IncludeBranches bool   `json:"include_branches"`
}

// Default returns the baseline config: a five-iteration "F" -> "FF"
// trunk with no tropism section, grown for ten years under an overhead
// light.
func Default() Config {
	return Config{
		Species: "default",
		Growth:  GrowthConfig{SimulationYears: 10, RandomSeed: 12345},
		LSystem: LSystemConfig{
			Axiom:         "F",
			Rules:         RuleSet{"F": "FF"},
			Iterations:    5,
			SegmentLength: 1.0,
			SegmentRadius: 0.1,
		},
		Branching:   BranchingConfig{BaseAngleDegrees: 25, AngleVariation: 5},
		Environment: EnvironmentConfig{LightX: 0, LightY: 100, LightZ: 0, AmbientLight: 0.2},
		Resources:   defaultResources(),
		Output:      OutputConfig{USDPath: "output/tree.usda", IncludeBranches: true},
	}
}

func defaultTropism() TropismConfig {
	p := tropism.DefaultParams()
	return TropismConfig{
		PhototropismEnabled:  p.PhototropismEnabled,
		PhototropismStrength: p.PhototropismStrength,
		GravitropismEnabled:  p.GravitropismEnabled,
		GravitropismStrength: p.GravitropismStrength,
		ResponseDistance:     p.ResponseDistance,
		ApicalDominance:      p.ApicalDominance,
		AgeSensitivity:       p.AgeSensitivity,
		CurveSegments:        10,
	}
}

func defaultResources() ResourceConfig {
	p := resource.DefaultParams()
	return ResourceConfig{
		LightCompetitionEnabled:  p.LightCompetitionEnabled,
		BaseLightLevel:           p.BaseLightLevel,
		OcclusionRadius:          p.OcclusionRadius,
		OcclusionFalloff:         p.OcclusionFalloff,
		PhotosynthesisEfficiency: p.PhotosynthesisEfficiency,
		MaintenanceCost:          p.MaintenanceCost,
		PruningEnabled:           p.PruningEnabled,
		MinLightThreshold:        p.MinLightThreshold,
		MinResourceThreshold:     p.MinResourceThreshold,
		PruningGracePeriod:       p.PruningGracePeriod,
		CompetitionRadius:        p.CompetitionRadius,
		DominanceFactor:          p.DominanceFactor,
		FullCheckMaxBranches:     p.FullCheckMaxBranches,
	}
}

// EngineParams converts the config into interpreter params.
func (c *Config) EngineParams() lsystem.Params {
	rules := make(map[byte]string, len(c.LSystem.Rules))
	for sym, repl := range c.LSystem.Rules {
		if len(sym) == 1 {
			rules[sym[0]] = repl
		}
	}
	p := lsystem.Params{
		Axiom:               c.LSystem.Axiom,
		Rules:               rules,
		Iterations:          c.LSystem.Iterations,
		SegmentLength:       c.LSystem.SegmentLength,
		SegmentRadius:       c.LSystem.SegmentRadius,
		BranchAngle:         c.Branching.BaseAngleDegrees,
		AngleVariation:      c.Branching.AngleVariation,
		Seed:                c.Growth.RandomSeed,
		StochasticVariation: c.LSystem.StochasticVariation,
	}
	if c.Tropism != nil {
		p.CurveSegments = c.Tropism.CurveSegments
	}
	return p
}

// EnvironmentParams builds the light environment. The light direction
// is derived from its position, seen from the tree base.
func (c *Config) EnvironmentParams() tropism.Environment {
	pos := geom.V3(c.Environment.LightX, c.Environment.LightY, c.Environment.LightZ)
	return tropism.Environment{
		LightPosition:  pos,
		LightDirection: pos.Normal(),
		Gravity:        geom.V3(0, -1, 0),
		AmbientLight:   c.Environment.AmbientLight,
	}
}

// TropismField returns the configured field, or nil when the config has
// no tropism section.
func (c *Config) TropismField() *tropism.Field {
	if c.Tropism == nil {
		return nil
	}
	p := tropism.Params{
		PhototropismEnabled:  c.Tropism.PhototropismEnabled,
		PhototropismStrength: c.Tropism.PhototropismStrength,
		GravitropismEnabled:  c.Tropism.GravitropismEnabled,
		GravitropismStrength: c.Tropism.GravitropismStrength,
		ResponseDistance:     c.Tropism.ResponseDistance,
		ApicalDominance:      c.Tropism.ApicalDominance,
		AgeSensitivity:       c.Tropism.AgeSensitivity,
	}
	return tropism.NewField(p, c.EnvironmentParams())
}

// ResourceParams converts the resources section into simulator params.
func (c *Config) ResourceParams() resource.Params {
	return resource.Params{
		LightCompetitionEnabled:  c.Resources.LightCompetitionEnabled,
		BaseLightLevel:           c.Resources.BaseLightLevel,
		OcclusionRadius:          c.Resources.OcclusionRadius,
		OcclusionFalloff:         c.Resources.OcclusionFalloff,
		PhotosynthesisEfficiency: c.Resources.PhotosynthesisEfficiency,
		MaintenanceCost:          c.Resources.MaintenanceCost,
		PruningEnabled:           c.Resources.PruningEnabled,
		MinLightThreshold:        c.Resources.MinLightThreshold,
		MinResourceThreshold:     c.Resources.MinResourceThreshold,
		PruningGracePeriod:       c.Resources.PruningGracePeriod,
		CompetitionRadius:        c.Resources.CompetitionRadius,
		DominanceFactor:          c.Resources.DominanceFactor,
		FullCheckMaxBranches:     c.Resources.FullCheckMaxBranches,
	}
}

// Validate rejects configs the engine cannot run. Range checks that the
// schema already enforces are not repeated here.
func (c *Config) Validate() error {
	if c.Species == "" {
		return fmt.Errorf("species: name is required")
	}
	if c.LSystem.Axiom == "" {
		return fmt.Errorf("l_system.axiom: must not be empty")
	}
	if c.LSystem.SegmentLength <= 0 {
		return fmt.Errorf("l_system.segment_length: must be positive, got %v", c.LSystem.SegmentLength)
	}
	if c.LSystem.SegmentRadius <= 0 {
		return fmt.Errorf("l_system.segment_radius: must be positive, got %v", c.LSystem.SegmentRadius)
	}
	if c.LSystem.Iterations < 0 {
		return fmt.Errorf("l_system.iterations: must not be negative, got %d", c.LSystem.Iterations)
	}
	for sym := range c.LSystem.Rules {
		if len(sym) != 1 {
			return fmt.Errorf("l_system.rules: symbol %q must be a single character", sym)
		}
	}
	if c.Growth.SimulationYears < 0 {
		return fmt.Errorf("growth_parameters.simulation_years: must not be negative, got %d", c.Growth.SimulationYears)
	}
	if c.Tropism != nil && c.Tropism.CurveSegments < 1 {
		return fmt.Errorf("tropism.curve_segments: must be at least 1, got %d", c.Tropism.CurveSegments)
	}
	if c.Resources.FullCheckMaxBranches < 1 {
		return fmt.Errorf("resources.full_check_max_branches: must be at least 1, got %d", c.Resources.FullCheckMaxBranches)
	}
	return nil
}

// Warnings reports settings that are accepted but inert.
func (c *Config) Warnings() []string {
	var w []string
	if c.LSystem.StochasticVariation > 0 {
		w = append(w, "l_system.stochastic_variation has no effect: rewriting is deterministic, use branching.angle_variation for shape variation")
	}
	return w
}

// ParseRules parses command line rule overrides of the form
// "F=F[+F]F;X=F-X" into a rule table.
func ParseRules(s string) (RuleSet, error) {
	rules := make(RuleSet)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, repl, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rule %q: want SYMBOL=REPLACEMENT", part)
		}
		sym = strings.TrimSpace(sym)
		if len(sym) != 1 {
			return nil, fmt.Errorf("rule %q: symbol must be a single character", part)
		}
		rules[sym] = strings.TrimSpace(repl)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules in %q", s)
	}
	return rules, nil
}

// Package tropism bends growth directions toward light and away from (or
// along) gravity, and scores light exposure for canopy positions.
package tropism

import (
	"github.com/chewxy/math32"

	"plantgrow.dev/internal/sim/geom"
)

// Environment is the world the tree grows in.
type Environment struct {
	LightPosition geom.Vec3
	// LightDirection is the normalized direction toward the light; config
	// loading derives it from LightPosition.
	LightDirection geom.Vec3
	Gravity        geom.Vec3
	AmbientLight   float32
}

// DefaultEnvironment is an overhead sun with soft ambient fill.
func DefaultEnvironment() Environment {
	return Environment{
		LightPosition:  geom.V3(0, 100, 0),
		LightDirection: geom.V3(0, 1, 0),
		Gravity:        geom.V3(0, -1, 0),
		AmbientLight:   0.2,
	}
}

// Params tunes the two tropisms.
type Params struct {
	PhototropismEnabled  bool
	PhototropismStrength float32
	// ResponseDistance scales the distance falloff; 0 disables falloff.
	ResponseDistance float32

	GravitropismEnabled  bool
	GravitropismStrength float32

	// AgeSensitivity stiffens older branches; ApicalDominance shields the
	// trunk and shallow branches from drooping.
	AgeSensitivity  float32
	ApicalDominance float32
}

// DefaultParams matches a young broadleaf habit.
func DefaultParams() Params {
	return Params{
		PhototropismEnabled:  true,
		PhototropismStrength: 0.8,
		ResponseDistance:     5.0,
		GravitropismEnabled:  true,
		GravitropismStrength: 0.6,
		AgeSensitivity:       0.5,
		ApicalDominance:      0.65,
	}
}

// Field applies the configured tropisms within an environment.
type Field struct {
	params Params
	env    Environment
}

func NewField(params Params, env Environment) *Field {
	return &Field{params: params, env: env}
}

// Apply bends a growth direction at position for a branch of the given
// depth and age. The result is unit length; with both tropisms disabled the
// direction passes through unchanged.
func (f *Field) Apply(dir, pos geom.Vec3, depth, age int) geom.Vec3 {
	result := dir.Normal()
	ageMod := f.ageModifier(age)
	if f.params.PhototropismEnabled {
		result = f.phototropism(result, pos, ageMod)
	}
	if f.params.GravitropismEnabled {
		result = f.gravitropism(result, depth, ageMod)
	}
	return result.Normal()
}

func (f *Field) phototropism(dir, pos geom.Vec3, ageMod float32) geom.Vec3 {
	toLight := f.env.LightPosition.Sub(pos).Normal()

	falloff := float32(1)
	if f.params.ResponseDistance > 0 {
		dist := f.env.LightPosition.Sub(pos).Length()
		falloff = math32.Max(0, 1-dist/(f.params.ResponseDistance*100))
	}

	// Already-aligned growth bends less; prevents overcorrection.
	alignFactor := 1 - math32.Max(0, dir.Dot(toLight))*0.5

	strength := f.params.PhototropismStrength * falloff * alignFactor * ageMod
	return bendToward(dir, toLight, strength)
}

func (f *Field) gravitropism(dir geom.Vec3, depth int, ageMod float32) geom.Vec3 {
	// Apical dominance shields the trunk and shallow branches.
	depthFactor := geom.Clamp(1-f.params.ApicalDominance/float32(depth+1), 0, 1)
	strength := f.params.GravitropismStrength * depthFactor * ageMod

	var target geom.Vec3
	if depth == 0 {
		// Trunks resist gravity and correct upward, weakly.
		target = geom.V3(0, 1, 0)
		strength *= 0.5
	} else {
		target = f.env.Gravity
	}
	return bendToward(dir, target, strength)
}

// LightExposure scores how much light a segment facing dir receives at pos,
// in [0, 1], floored by the ambient level.
func (f *Field) LightExposure(pos, dir geom.Vec3) float32 {
	toLight := f.env.LightPosition.Sub(pos).Normal()
	exposure := (dir.Dot(toLight) + 1) * 0.5
	exposure = math32.Max(exposure, f.env.AmbientLight)
	return geom.Clamp(exposure, 0, 1)
}

// ageModifier is 1 for young branches and decays to a floor of 0.3 as they
// stiffen with age.
func (f *Field) ageModifier(age int) float32 {
	return geom.Clamp(1-float32(age)*f.params.AgeSensitivity*0.01, 0.3, 1)
}

// bendToward blends current toward target: strength 0 keeps current,
// strength 1 lands on target. Opposed vectors that cancel fall back to the
// current direction.
func bendToward(current, target geom.Vec3, strength float32) geom.Vec3 {
	strength = geom.Clamp(strength, 0, 1)
	blended := current.MulScalar(1 - strength).Add(target.MulScalar(strength))
	n := blended.Normal()
	if n.IsZero() {
		return current
	}
	return n
}

package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rfmelo/carteira/internal/config"
	"github.com/rfmelo/carteira/pkg/formulas"
)

// Weights is the (sharpe, upside, momentum) weight triple. Always normalized
// to sum 1.
type Weights struct {
	Sharpe   float64
	Upside   float64
	Momentum float64
}

// Normalize rescales so the components sum to 1. A degenerate all-zero
// triple becomes an even split.
func (w Weights) Normalize() Weights {
	sum := w.Sharpe + w.Upside + w.Momentum
	if sum <= 0 {
		return Weights{Sharpe: 1.0 / 3, Upside: 1.0 / 3, Momentum: 1.0 / 3}
	}
	return Weights{Sharpe: w.Sharpe / sum, Upside: w.Upside / sum, Momentum: w.Momentum / sum}
}

// Profile is a named investor risk profile: per-metric tendencies (where the
// profile wants weight to drift) and multipliers (how hard it pulls).
type Profile struct {
	Name string

	TendencySharpe   float64
	TendencyUpside   float64
	TendencyMomentum float64

	MultSharpe   float64
	MultUpside   float64
	MultMomentum float64
}

// builtinProfiles are the shipped Brazilian investor profiles; parameter
// files may override any field.
var builtinProfiles = map[string]Profile{
	"conservador": {
		Name:           "conservador",
		TendencySharpe: 0.60, TendencyUpside: 0.25, TendencyMomentum: 0.15,
		MultSharpe: 1.2, MultUpside: 0.9, MultMomentum: 0.8,
	},
	"moderado": {
		Name:           "moderado",
		TendencySharpe: 0.40, TendencyUpside: 0.35, TendencyMomentum: 0.25,
		MultSharpe: 1.0, MultUpside: 1.0, MultMomentum: 1.0,
	},
	"arrojado": {
		Name:           "arrojado",
		TendencySharpe: 0.25, TendencyUpside: 0.40, TendencyMomentum: 0.35,
		MultSharpe: 0.8, MultUpside: 1.1, MultMomentum: 1.3,
	},
}

// LoadProfile resolves a named risk profile, applying any overrides present
// in the parameter store (profile_<name>_tendencies / profile_<name>_multipliers,
// each a comma list of sharpe,upside,momentum).
func LoadProfile(name string, params *config.Store) (Profile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("scoring: unknown risk profile %q", name)
	}

	if raw := params.Raw("profile_" + name + "_tendencies"); raw != "" {
		t, err := parseTriple(raw)
		if err != nil {
			return Profile{}, fmt.Errorf("scoring: profile %s tendencies: %w", name, err)
		}
		p.TendencySharpe, p.TendencyUpside, p.TendencyMomentum = t[0], t[1], t[2]
	}
	if raw := params.Raw("profile_" + name + "_multipliers"); raw != "" {
		m, err := parseTriple(raw)
		if err != nil {
			return Profile{}, fmt.Errorf("scoring: profile %s multipliers: %w", name, err)
		}
		p.MultSharpe, p.MultUpside, p.MultMomentum = m[0], m[1], m[2]
	}
	return p, nil
}

func parseTriple(raw string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("want 3 comma-separated values, got %d", len(parts))
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return out, fmt.Errorf("bad value %q", part)
		}
		out[i] = v
	}
	return out, nil
}

// DynamicWeights derives metric weights from the variance of each normalized
// metric column: a column that actually separates stocks gets more say.
func DynamicWeights(sharpeNorm, upsideNorm, momentumNorm []float64) Weights {
	return Weights{
		Sharpe:   formulas.Variance(sharpeNorm),
		Upside:   formulas.Variance(upsideNorm),
		Momentum: formulas.Variance(momentumNorm),
	}.Normalize()
}

// BlendWeights pulls the base weights toward the profile's tendencies with a
// strength scaled by the regime multiplier:
//
//	s = min(1, profileStrength · regimeMultiplier)
//	w' = (1−s)·w_base + s·(tendency·multiplier)
//
// then renormalizes to sum 1.
func BlendWeights(base Weights, p Profile, profileStrength, regimeMult float64) Weights {
	s := math.Min(1, profileStrength*regimeMult)
	blended := Weights{
		Sharpe:   (1-s)*base.Sharpe + s*(p.TendencySharpe*p.MultSharpe),
		Upside:   (1-s)*base.Upside + s*(p.TendencyUpside*p.MultUpside),
		Momentum: (1-s)*base.Momentum + s*(p.TendencyMomentum*p.MultMomentum),
	}
	return blended.Normalize()
}

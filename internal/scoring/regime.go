// Package scoring computes per-stock composite scores from risk, valuation
// and momentum metrics, with weights modulated by the configured risk
// profile and the auto-detected market regime.
package scoring

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/pkg/formulas"
)

// Regime classifies the benchmark's recent behaviour.
type Regime string

const (
	RegimeStrongBull Regime = "strong_bull"
	RegimeBull       Regime = "bull"
	RegimeNeutral    Regime = "neutral"
	RegimeBear       Regime = "bear"
	RegimeStrongBear Regime = "strong_bear"
)

// RegimeConfig holds the classification thresholds and per-regime strength
// multipliers. All values come from configuration; these defaults match the
// documented cut-offs.
type RegimeConfig struct {
	LookbackDays int

	TStrongBull float64 // annualized trend above which the market is strongly bullish
	TBull       float64
	TBear       float64
	TStrongBear float64
	TBearVol    float64 // volatility percentile above which stress dominates

	Multipliers map[Regime]float64
}

// DefaultRegimeConfig returns the documented defaults.
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		LookbackDays: 60,
		TStrongBull:  0.25,
		TBull:        0.10,
		TBear:        -0.10,
		TStrongBear:  -0.25,
		TBearVol:     0.85,
		Multipliers: map[Regime]float64{
			RegimeStrongBull: 1.5,
			RegimeBull:       1.2,
			RegimeNeutral:    1.0,
			RegimeBear:       0.8,
			RegimeStrongBear: 0.6,
		},
	}
}

// Detection is the regime verdict with its inputs, for logs and artifacts.
type Detection struct {
	Regime        Regime
	Trend         float64 // annualized mean daily return over the lookback
	VolPercentile float64 // fraction of historical rolling vols below current
	Multiplier    float64
}

// RegimeDetector classifies the market from a benchmark close series.
type RegimeDetector struct {
	cfg RegimeConfig
	log zerolog.Logger
}

// NewRegimeDetector creates a detector.
func NewRegimeDetector(cfg RegimeConfig, log zerolog.Logger) *RegimeDetector {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 60
	}
	return &RegimeDetector{
		cfg: cfg,
		log: log.With().Str("component", "regime_detector").Logger(),
	}
}

// Detect classifies the regime from the benchmark's close series. Too little
// history yields neutral.
func (d *RegimeDetector) Detect(closes []float64) Detection {
	det := Detection{Regime: RegimeNeutral, Multiplier: d.cfg.Multipliers[RegimeNeutral]}

	returns := formulas.CalculateReturns(closes)
	if len(returns) < 2 {
		d.log.Warn().Int("returns", len(returns)).Msg("Insufficient benchmark history, assuming neutral regime")
		return det
	}

	window := d.cfg.LookbackDays
	if window > len(returns) {
		window = len(returns)
	}
	recent := returns[len(returns)-window:]
	det.Trend = formulas.Mean(recent) * formulas.TradingDaysPerYear
	det.VolPercentile = volPercentile(returns, window)

	switch {
	case det.Trend > d.cfg.TStrongBull && det.VolPercentile < 0.7:
		det.Regime = RegimeStrongBull
	case det.Trend > d.cfg.TBull:
		det.Regime = RegimeBull
	case det.Trend < d.cfg.TStrongBear || det.VolPercentile > d.cfg.TBearVol:
		det.Regime = RegimeStrongBear
	case det.Trend < d.cfg.TBear:
		det.Regime = RegimeBear
	default:
		det.Regime = RegimeNeutral
	}
	det.Multiplier = d.cfg.Multipliers[det.Regime]

	d.log.Info().
		Str("regime", string(det.Regime)).
		Float64("trend", det.Trend).
		Float64("vol_percentile", det.VolPercentile).
		Msg("Market regime detected")
	return det
}

// volPercentile computes the fraction of historical rolling-window
// volatilities strictly below the current window's volatility.
func volPercentile(returns []float64, window int) float64 {
	if len(returns) < window || window < 2 {
		return 0.5
	}

	current := formulas.StdDev(returns[len(returns)-window:])
	below, total := 0, 0
	for start := 0; start+window <= len(returns)-1; start++ {
		vol := formulas.StdDev(returns[start : start+window])
		if math.IsNaN(vol) {
			continue
		}
		total++
		if vol < current {
			below++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(below) / float64(total)
}

// IsBenchmarkSymbol reports whether a symbol names the market index used for
// regime detection.
func IsBenchmarkSymbol(symbol string) bool {
	up := strings.ToUpper(symbol)
	return strings.Contains(up, "BVSP") || strings.Contains(up, "IBOV")
}

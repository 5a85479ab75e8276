package scoring

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmelo/carteira/internal/config"
	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/universe"
)

func TestUpsidePotential(t *testing.T) {
	// Provider target takes precedence.
	up, target, source := upsidePotential(domain.Financials{
		CurrentPrice: 100, TargetMeanPrice: 130, ForwardPE: 8,
	}, 12)
	assert.InDelta(t, 0.30, up, 1e-9)
	assert.Equal(t, 130.0, target)
	assert.Equal(t, domain.UpsideSourceProviderTarget, source)

	// Sector-P/E fallback when no target exists.
	up, target, source = upsidePotential(domain.Financials{
		CurrentPrice: 100, ForwardPE: 8,
	}, 12)
	assert.InDelta(t, 0.5, up, 1e-9)
	assert.InDelta(t, 150.0, target, 1e-9)
	assert.Equal(t, domain.UpsideSourceSectorPE, source)

	// Extreme cheapness clamps at the ceiling.
	up, _, _ = upsidePotential(domain.Financials{
		CurrentPrice: 100, ForwardPE: 0.5,
	}, 50)
	assert.Equal(t, 10.0, up)

	// No usable inputs yields zero.
	up, target, _ = upsidePotential(domain.Financials{}, 0)
	assert.Equal(t, 0.0, up)
	assert.Equal(t, 0.0, target)
}

func TestPersistFilter(t *testing.T) {
	rows := []domain.ScoredStock{
		{Symbol: "KEEP.SA", PotentialUpsidePct: 12, CurrentPrice: 100, TargetPrice: 112, ForwardPE: 9},
		{Symbol: "NOUP.SA", PotentialUpsidePct: -5, CurrentPrice: 100, TargetPrice: 95, ForwardPE: 9},
		{Symbol: "NOPX.SA", PotentialUpsidePct: 12, CurrentPrice: 0, TargetPrice: 0, ForwardPE: 9},
		{Symbol: "NOPE.SA", PotentialUpsidePct: 12, CurrentPrice: 100, TargetPrice: 112, ForwardPE: 0},
	}
	out := persistFilter(rows)
	require.Len(t, out, 1)
	assert.Equal(t, "KEEP.SA", out[0].Symbol)
}

func TestRegimeClassification(t *testing.T) {
	cfg := DefaultRegimeConfig()
	d := NewRegimeDetector(cfg, zerolog.Nop())

	steady := func(daily float64, days int) []float64 {
		out := make([]float64, days)
		price := 100.0
		for i := range out {
			out[i] = price
			price *= 1 + daily
		}
		return out
	}

	// +0.2% a day annualizes far above the strong-bull cut; constant returns
	// keep the vol percentile low.
	det := d.Detect(steady(0.002, 200))
	assert.Equal(t, RegimeStrongBull, det.Regime)
	assert.Equal(t, cfg.Multipliers[RegimeStrongBull], det.Multiplier)

	det = d.Detect(steady(-0.002, 200))
	assert.Equal(t, RegimeStrongBear, det.Regime)

	det = d.Detect(steady(0.0001, 200))
	assert.Equal(t, RegimeNeutral, det.Regime)

	// Too little history is neutral.
	det = d.Detect([]float64{100, 101})
	assert.Equal(t, RegimeNeutral, det.Regime)
	assert.Equal(t, 1.0, det.Multiplier)
}

func TestIsBenchmarkSymbol(t *testing.T) {
	assert.True(t, IsBenchmarkSymbol("^BVSP"))
	assert.True(t, IsBenchmarkSymbol("ibov11.sa"))
	assert.False(t, IsBenchmarkSymbol("VALE3.SA"))
}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Sharpe: 2, Upside: 1, Momentum: 1}.Normalize()
	assert.InDelta(t, 0.5, w.Sharpe, 1e-9)
	assert.InDelta(t, 0.25, w.Upside, 1e-9)
	assert.InDelta(t, 0.25, w.Momentum, 1e-9)

	even := Weights{}.Normalize()
	assert.InDelta(t, 1.0/3, even.Sharpe, 1e-9)
	assert.InDelta(t, 1.0/3, even.Momentum, 1e-9)
}

func TestBlendWeights(t *testing.T) {
	base := Weights{Sharpe: 1.0 / 3, Upside: 1.0 / 3, Momentum: 1.0 / 3}
	p := builtinProfiles["conservador"]

	// Zero strength keeps the base.
	w := BlendWeights(base, p, 0, 1.0)
	assert.InDelta(t, base.Sharpe, w.Sharpe, 1e-9)

	// Full strength is the profile's tendency*multiplier, renormalized.
	w = BlendWeights(base, p, 1.0, 1.0)
	sum := p.TendencySharpe*p.MultSharpe + p.TendencyUpside*p.MultUpside + p.TendencyMomentum*p.MultMomentum
	assert.InDelta(t, p.TendencySharpe*p.MultSharpe/sum, w.Sharpe, 1e-9)

	// Strength saturates at 1 even with a large regime multiplier.
	w2 := BlendWeights(base, p, 1.0, 1.5)
	assert.InDelta(t, w.Sharpe, w2.Sharpe, 1e-9)

	// Any blend still sums to 1.
	w3 := BlendWeights(base, p, 0.4, 1.2)
	assert.InDelta(t, 1.0, w3.Sharpe+w3.Upside+w3.Momentum, 1e-9)
}

func TestLoadProfileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk_profile.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("profile_moderado_tendencies=0.5,0.3,0.2\n"), 0o644))

	params, err := config.Load(dir, []string{path}, config.DefaultSchema, zerolog.Nop())
	require.NoError(t, err)

	p, err := LoadProfile("moderado", params)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.TendencySharpe, 1e-9)
	assert.InDelta(t, 0.2, p.TendencyMomentum, 1e-9)
	// Multipliers keep the builtin values.
	assert.Equal(t, 1.0, p.MultSharpe)

	_, err = LoadProfile("agressivo", params)
	assert.ErrorContains(t, err, "unknown risk profile")

	require.NoError(t, os.WriteFile(path,
		[]byte("profile_moderado_tendencies=0.5,0.3\n"), 0o644))
	params, err = config.Load(dir, []string{path}, config.DefaultSchema, zerolog.Nop())
	require.NoError(t, err)
	_, err = LoadProfile("moderado", params)
	assert.ErrorContains(t, err, "want 3")
}

func TestDynamicWeightsFavourDiscriminatingMetrics(t *testing.T) {
	// Sharpe column separates stocks, the others are flat.
	w := DynamicWeights(
		[]float64{0, 0.5, 1},
		[]float64{0.5, 0.5, 0.5},
		[]float64{0.5, 0.5, 0.5},
	)
	assert.InDelta(t, 1.0, w.Sharpe, 1e-9)
	assert.InDelta(t, 0.0, w.Upside, 1e-9)
}

func writeUniverse(t *testing.T, dir string) *universe.Universe {
	t.Helper()
	path := filepath.Join(dir, "tickers.csv")
	content := "Ticker,Name,Sector,Industry\n" +
		"AAA.SA,Alpha,mining,iron\n" +
		"BBB.SA,Beta,banking,retail banking\n" +
		"CCC.SA,Gamma,banking,insurance\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	uni, err := universe.Load(path, zerolog.Nop())
	require.NoError(t, err)
	return uni
}

func scoringMatrix(tickers []string, days int) *marketdata.CloseMatrix {
	cm := &marketdata.CloseMatrix{Tickers: tickers}
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	for d := 0; d < days; d++ {
		row := make([]float64, len(tickers))
		for j := range tickers {
			// Distinct drifts plus a deterministic wiggle so vol is nonzero.
			base := 100 * math.Pow(1+0.0005*float64(j+1), float64(d))
			row[j] = base * (1 + 0.01*math.Sin(float64(d+j)))
		}
		cm.Dates = append(cm.Dates, start.AddDate(0, 0, d).Format(domain.DateFormat))
		cm.Close = append(cm.Close, row)
	}
	return cm
}

func TestScoreEndToEnd(t *testing.T) {
	dir := t.TempDir()
	uni := writeUniverse(t, dir)
	matrix := scoringMatrix([]string{"AAA.SA", "BBB.SA", "CCC.SA"}, 200)

	fin := map[string]domain.Financials{
		"AAA.SA": {Symbol: "AAA.SA", CurrentPrice: 100, TargetMeanPrice: 140, ForwardPE: 6},
		"BBB.SA": {Symbol: "BBB.SA", CurrentPrice: 50, TargetMeanPrice: 55, ForwardPE: 10},
		"CCC.SA": {Symbol: "CCC.SA", CurrentPrice: 20, ForwardPE: 8},
	}

	cfg := Config{
		RunID:           "r1",
		RiskFreeRate:    0.105,
		MomentumEnabled: true,
		MomentumDays:    126,
		BaseWeights:     Weights{Sharpe: 0.4, Upside: 0.4, Momentum: 0.2},
		Profile:         builtinProfiles["moderado"],
		ProfileStrength: 0.5,
	}
	scorer := New(cfg, NewRegimeDetector(DefaultRegimeConfig(), zerolog.Nop()), zerolog.Nop())

	result, err := scorer.Score(matrix, uni, fin)
	require.NoError(t, err)

	// All three have positive upside, prices and P/E, so all persist.
	require.Len(t, result.Rows, 3)

	// Sorted by composite descending.
	for i := 1; i < len(result.Rows); i++ {
		assert.GreaterOrEqual(t, result.Rows[i-1].CompositeScore, result.Rows[i].CompositeScore)
	}

	// Sector medians: banking has P/Es {10, 8} -> 9; mining only {6}.
	assert.InDelta(t, 9.0, result.SectorPE["banking"], 1e-9)
	assert.InDelta(t, 6.0, result.SectorPE["mining"], 1e-9)

	for _, row := range result.Rows {
		assert.Equal(t, "r1", row.RunID)
		assert.Equal(t, string(result.Regime.Regime), row.MarketRegime)
		assert.InDelta(t, 1.0, row.SharpeWeight+row.UpsideWeight+row.MomentumWeight, 1e-9)
		if row.Symbol == "CCC.SA" {
			// No analyst target, so the sector-P/E fallback applies.
			assert.Equal(t, domain.UpsideSourceSectorPE, row.UpsideSource)
		}
	}
}

func TestScoreFailsWithoutOverlap(t *testing.T) {
	dir := t.TempDir()
	uni := writeUniverse(t, dir)
	matrix := scoringMatrix([]string{"ZZZ.SA"}, 50)

	scorer := New(Config{}, NewRegimeDetector(DefaultRegimeConfig(), zerolog.Nop()), zerolog.Nop())
	_, err := scorer.Score(matrix, uni, nil)
	assert.ErrorContains(t, err, "no overlap")
}

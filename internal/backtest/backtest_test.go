package backtest

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/engine"
	"github.com/rfmelo/carteira/internal/marketdata"
)

func testSummary(stocks []string, weights []float64) *engine.LatestRunSummary {
	return &engine.LatestRunSummary{
		LastUpdatedRunID: "r1",
		BestPortfolioDetails: engine.BestPortfolioDetails{
			Stocks:  stocks,
			Weights: weights,
		},
	}
}

func backtestMatrix(tickers []string, rows [][]float64) *marketdata.CloseMatrix {
	cm := &marketdata.CloseMatrix{Tickers: tickers}
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	for d, row := range rows {
		cm.Dates = append(cm.Dates, start.AddDate(0, 0, d).Format(domain.DateFormat))
		cm.Close = append(cm.Close, row)
	}
	return cm
}

func TestRunBuildsBothCurves(t *testing.T) {
	// AAA doubles, BBB halves, the benchmark gains 10%.
	matrix := backtestMatrix(
		[]string{"AAA.SA", "BBB.SA", "^BVSP"},
		[][]float64{
			{100, 40, 120000},
			{150, 30, 126000},
			{200, 20, 132000},
		},
	)
	summary := testSummary([]string{"AAA.SA", "BBB.SA"}, []float64{0.6, 0.4})

	b := New(Config{RunID: "r1", Benchmark: "^BVSP", InitialInvestment: 10000}, zerolog.Nop())
	result, err := b.Run(summary, matrix)
	require.NoError(t, err)

	require.Len(t, result.Portfolio, 3)
	assert.InDelta(t, 10000, result.Portfolio[0], 1e-6)
	// Final: 0.6*2x + 0.4*0.5x = 1.4x.
	assert.InDelta(t, 14000, result.Portfolio[2], 1e-6)

	require.Len(t, result.Benchmark, 3)
	assert.InDelta(t, 11000, result.Benchmark[2], 1e-6)

	assert.InDelta(t, 40.0, result.PortfolioMetrics.TotalReturnPct, 1e-6)
	assert.InDelta(t, 10.0, result.BenchmarkMetrics.TotalReturnPct, 1e-6)
	assert.InDelta(t, 14000, result.PortfolioMetrics.FinalValue, 1e-6)
}

func TestRunAlignsOnCommonDates(t *testing.T) {
	// The middle row misses BBB; CompleteRows drops it.
	matrix := backtestMatrix(
		[]string{"AAA.SA", "BBB.SA", "^BVSP"},
		[][]float64{
			{100, 40, 120000},
			{150, math.NaN(), 126000},
			{200, 20, 132000},
		},
	)
	summary := testSummary([]string{"AAA.SA", "BBB.SA"}, []float64{0.5, 0.5})

	b := New(Config{Benchmark: "^BVSP"}, zerolog.Nop())
	result, err := b.Run(summary, matrix)
	require.NoError(t, err)
	assert.Len(t, result.Dates, 2)
}

func TestRunWithoutBenchmarkHistory(t *testing.T) {
	matrix := backtestMatrix(
		[]string{"AAA.SA"},
		[][]float64{{100}, {110}, {121}},
	)
	summary := testSummary([]string{"AAA.SA"}, []float64{1.0})

	b := New(Config{Benchmark: "^BVSP"}, zerolog.Nop())
	result, err := b.Run(summary, matrix)
	require.NoError(t, err)

	assert.Nil(t, result.Benchmark)
	assert.InDelta(t, 21.0, result.PortfolioMetrics.TotalReturnPct, 1e-6)
	assert.Equal(t, Metrics{}, result.BenchmarkMetrics)
}

func TestRunErrors(t *testing.T) {
	b := New(Config{Benchmark: "^BVSP"}, zerolog.Nop())

	_, err := b.Run(nil, &marketdata.CloseMatrix{})
	assert.ErrorContains(t, err, "no ideal portfolio")

	// One single common date is not enough.
	matrix := backtestMatrix([]string{"AAA.SA"}, [][]float64{{100}})
	_, err = b.Run(testSummary([]string{"AAA.SA"}, []float64{1}), matrix)
	assert.ErrorContains(t, err, "no common history")
}

func TestCurveMetrics(t *testing.T) {
	dates := []string{"2024-01-02", "2025-01-02"}
	m := curveMetrics([]float64{10000, 12000}, dates)

	assert.InDelta(t, 20.0, m.TotalReturnPct, 1e-6)
	// One calendar year, so CAGR matches the total return.
	assert.InDelta(t, 20.0, m.CAGRPct, 0.5)
	assert.Equal(t, 12000.0, m.FinalValue)
	assert.Equal(t, 0.0, m.MaxDrawdownPct)

	// Degenerate curves yield zeroed metrics.
	assert.Equal(t, Metrics{}, curveMetrics([]float64{10000}, dates[:1]))
	assert.Equal(t, Metrics{}, curveMetrics([]float64{0, 100}, dates))
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "backtest_results.csv")
	curvePath := filepath.Join(dir, "equity.csv")

	matrix := backtestMatrix(
		[]string{"AAA.SA", "^BVSP"},
		[][]float64{{100, 120000}, {110, 126000}},
	)
	b := New(Config{RunID: "r1", Benchmark: "^BVSP"}, zerolog.Nop())
	result, err := b.Run(testSummary([]string{"AAA.SA"}, []float64{1}), matrix)
	require.NoError(t, err)

	require.NoError(t, b.Persist(resultsPath, curvePath, result))

	data, err := os.ReadFile(curvePath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Date,Portfolio,Benchmark,run_id")
	assert.Contains(t, content, "2025-03-03")
	assert.Contains(t, content, "r1")
}

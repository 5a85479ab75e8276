package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateReturns(t *testing.T) {
	prices := []float64{100, 110, 99}
	returns := CalculateReturns(prices)

	assert.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
	assert.InDelta(t, -0.10, returns[1], 1e-9)
}

func TestCalculateReturnsShortSeries(t *testing.T) {
	assert.Empty(t, CalculateReturns([]float64{100}))
	assert.Empty(t, CalculateReturns(nil))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.0, Median([]float64{2, math.NaN(), 1, 3}))
	assert.True(t, math.IsNaN(Median(nil)))
}

func TestSharpeRatioFlatSeriesIsNegInf(t *testing.T) {
	flat := []float64{0.001, 0.001, 0.001, 0.001}
	assert.True(t, math.IsInf(SharpeRatio(flat, 0.05), -1))
}

func TestSharpeFromAnnualized(t *testing.T) {
	assert.InDelta(t, 1.5, SharpeFromAnnualized(0.20, 0.10, 0.05), 1e-9)
	assert.True(t, math.IsInf(SharpeFromAnnualized(0.20, 0, 0.05), -1))
}

func TestMinMaxNormalize(t *testing.T) {
	out := MinMaxNormalize([]float64{1, 2, 3})
	assert.Equal(t, []float64{0, 0.5, 1}, out)
}

func TestMinMaxNormalizeDegenerate(t *testing.T) {
	out := MinMaxNormalize([]float64{7, 7, 7})
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, out)

	out = MinMaxNormalize([]float64{1, math.NaN(), 3})
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 0.5, out[1])
	assert.Equal(t, 1.0, out[2])
}

func TestMaxDrawdown(t *testing.T) {
	curve := []float64{100, 120, 90, 110}
	assert.InDelta(t, 90.0/120.0-1, MaxDrawdown(curve), 1e-9)
}

func TestMaxDrawdownMonotoneCurve(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdown([]float64{100, 101, 102}))
}

func TestCAGR(t *testing.T) {
	assert.InDelta(t, 0.1, CAGR(0.21, 2), 1e-9)
	assert.Equal(t, 0.0, CAGR(0.5, 0))
	assert.Equal(t, 0.0, CAGR(-1.0, 3))
}

func TestAnnualizedVolatility(t *testing.T) {
	returns := []float64{0.01, -0.01, 0.02, -0.02}
	expected := StdDev(returns) * math.Sqrt(252)
	assert.InDelta(t, expected, AnnualizedVolatility(returns), 1e-12)
}

func TestCorrelationPerfect(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	y := []float64{2, 4, 6, 8}
	assert.InDelta(t, 1.0, Correlation(x, y), 1e-9)
	assert.Equal(t, 0.0, Correlation(x, y[:2]))
}

package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Median returns the median of the values. NaN values are ignored.
func Median(data []float64) float64 {
	clean := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	return stat.Quantile(0.5, stat.Empirical, clean, nil)
}

// CalculateReturns converts prices to simple periodic returns.
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// AnnualizedVolatility calculates annualized volatility from daily returns.
// Formula: Std Dev of Daily Returns × sqrt(252 trading days)
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(252)
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Covariance calculates the sample covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// MinMaxNormalize rescales values to [0,1]. When all values are equal the
// column carries no ranking information and every entry maps to 0.5.
// NaN inputs normalize to 0.5 as well.
func MinMaxNormalize(data []float64) []float64 {
	out := make([]float64, len(data))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo || math.IsInf(lo, 1) {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, v := range data {
		if math.IsNaN(v) {
			out[i] = 0.5
			continue
		}
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

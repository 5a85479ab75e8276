package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Momentum calculates the N-day rate of change of a close series as a
// fraction (0.10 = +10%). Uses go-talib ROC, which reports percent.
//
// Returns 0 when the series is too short for the window.
func Momentum(closes []float64, window int) float64 {
	if window <= 0 || len(closes) < window+1 {
		return 0
	}

	roc := talib.Roc(closes, window)
	last := roc[len(roc)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return 0
	}
	return last / 100
}

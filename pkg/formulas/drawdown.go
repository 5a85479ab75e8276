package formulas

// MaxDrawdown computes the maximum drawdown of an equity curve as a negative
// fraction: min(curve/cummax(curve) − 1). A monotonically rising curve has a
// drawdown of 0.
func MaxDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}

	maxDD := 0.0
	peak := curve[0]

	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := v/peak - 1
			if dd < maxDD {
				maxDD = dd
			}
		}
	}

	return maxDD
}

// CurrentDrawdown returns the drawdown of the last point relative to the
// running peak, as a negative fraction.
func CurrentDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}

	peak := curve[0]
	for _, v := range curve {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return 0
	}
	return curve[len(curve)-1]/peak - 1
}

package formulas

import (
	"math"
)

// TradingDaysPerYear is the B3 annualization convention for daily data.
const TradingDaysPerYear = 252

// AnnualizedMeanReturn annualizes the mean of daily simple returns.
// Formula: mean(daily) × 252
func AnnualizedMeanReturn(dailyReturns []float64) float64 {
	return Mean(dailyReturns) * TradingDaysPerYear
}

// SharpeRatio calculates the annualized Sharpe ratio from daily returns.
//
// Sharpe = (annualized mean return − risk-free rate) / annualized std dev
//
// Returns -Inf when the annualized standard deviation is zero; a flat series
// carries no risk-adjusted ranking information and must never win a search.
func SharpeRatio(dailyReturns []float64, riskFreeRate float64) float64 {
	annStd := AnnualizedVolatility(dailyReturns)
	if annStd == 0 {
		return math.Inf(-1)
	}
	return (AnnualizedMeanReturn(dailyReturns) - riskFreeRate) / annStd
}

// SharpeFromAnnualized computes Sharpe from already-annualized return and
// volatility. Used on the portfolio sampling fast path where the annualized
// moments are precomputed once per subset.
func SharpeFromAnnualized(annReturn, annVol, riskFreeRate float64) float64 {
	if annVol == 0 {
		return math.Inf(-1)
	}
	return (annReturn - riskFreeRate) / annVol
}

// CAGR computes the compound annual growth rate from a total return over a
// span of years. Formula: (1 + totalReturn)^(1/years) − 1
func CAGR(totalReturn, years float64) float64 {
	if years <= 0 || totalReturn <= -1 {
		return 0
	}
	return math.Pow(1+totalReturn, 1/years) - 1
}

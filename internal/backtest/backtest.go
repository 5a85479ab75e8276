// Package backtest replays the latest ideal portfolio against history and
// compares it with a benchmark index.
package backtest

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/engine"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/storage"
	"github.com/rfmelo/carteira/pkg/formulas"
)

// Config holds the backtest knobs.
type Config struct {
	RunID             string
	Timestamp         time.Time
	Benchmark         string // benchmark ticker, e.g. ^BVSP
	InitialInvestment float64
}

// Metrics summarizes one equity curve.
type Metrics struct {
	TotalReturnPct  float64
	CAGRPct         float64
	AnnualizedVol   float64
	SharpeRatio     float64
	MaxDrawdownPct  float64
	FinalValue      float64
}

// Result is the outcome of one backtest run.
type Result struct {
	RunID            string
	Dates            []string
	Portfolio        []float64 // equity curve, currency
	Benchmark        []float64
	PortfolioMetrics Metrics
	BenchmarkMetrics Metrics
}

// Backtester replays portfolios.
type Backtester struct {
	cfg Config
	log zerolog.Logger
}

// New creates a backtester.
func New(cfg Config, log zerolog.Logger) *Backtester {
	if cfg.InitialInvestment <= 0 {
		cfg.InitialInvestment = 10000
	}
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Now().UTC()
	}
	return &Backtester{
		cfg: cfg,
		log: log.With().Str("component", "backtester").Logger(),
	}
}

// Run aligns the portfolio constituents and the benchmark on their common
// date index, normalizes every series to its first observation, and builds
// both equity curves.
func (b *Backtester) Run(summary *engine.LatestRunSummary, matrix *marketdata.CloseMatrix) (*Result, error) {
	if summary == nil || len(summary.BestPortfolioDetails.Stocks) == 0 {
		return nil, fmt.Errorf("backtest: no ideal portfolio available")
	}
	best := summary.BestPortfolioDetails

	wanted := append(append([]string(nil), best.Stocks...), b.cfg.Benchmark)
	restricted := matrix.Restrict(wanted).CompleteRows()
	if len(restricted.Dates) < 2 {
		return nil, fmt.Errorf("backtest: no common history across portfolio and benchmark")
	}

	benchCol := -1
	for j, t := range restricted.Tickers {
		if t == b.cfg.Benchmark {
			benchCol = j
		}
	}

	weights := make(map[string]float64, len(best.Stocks))
	for i, sym := range best.Stocks {
		weights[sym] = best.Weights[i]
	}

	n := len(restricted.Dates)
	portfolio := make([]float64, n)
	var benchmark []float64
	if benchCol >= 0 {
		benchmark = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		value := 0.0
		for j, sym := range restricted.Tickers {
			if j == benchCol {
				continue
			}
			base := restricted.Close[0][j]
			if base <= 0 {
				continue
			}
			value += weights[sym] * (restricted.Close[i][j] / base) * b.cfg.InitialInvestment
		}
		portfolio[i] = value
		if benchCol >= 0 {
			benchmark[i] = restricted.Close[i][benchCol] / restricted.Close[0][benchCol] * b.cfg.InitialInvestment
		}
	}

	result := &Result{
		RunID:            b.cfg.RunID,
		Dates:            restricted.Dates,
		Portfolio:        portfolio,
		Benchmark:        benchmark,
		PortfolioMetrics: curveMetrics(portfolio, restricted.Dates),
	}
	if benchmark != nil {
		result.BenchmarkMetrics = curveMetrics(benchmark, restricted.Dates)
	} else {
		b.log.Warn().Str("benchmark", b.cfg.Benchmark).Msg("Benchmark has no overlapping history, comparing portfolio only")
	}

	b.log.Info().
		Int("days", n).
		Float64("total_return_pct", result.PortfolioMetrics.TotalReturnPct).
		Float64("sharpe", result.PortfolioMetrics.SharpeRatio).
		Float64("max_drawdown_pct", result.PortfolioMetrics.MaxDrawdownPct).
		Msg("Backtest completed")
	return result, nil
}

// curveMetrics derives the summary statistics of one equity curve.
func curveMetrics(curve []float64, dates []string) Metrics {
	if len(curve) < 2 || curve[0] <= 0 {
		return Metrics{}
	}

	totalReturn := curve[len(curve)-1]/curve[0] - 1
	years := yearSpan(dates)
	daily := formulas.CalculateReturns(curve)

	vol := formulas.AnnualizedVolatility(daily)
	sharpe := 0.0
	if vol > 0 {
		sharpe = formulas.AnnualizedMeanReturn(daily) / vol
	}

	return Metrics{
		TotalReturnPct: totalReturn * 100,
		CAGRPct:        formulas.CAGR(totalReturn, years) * 100,
		AnnualizedVol:  vol,
		SharpeRatio:    sharpe,
		MaxDrawdownPct: formulas.MaxDrawdown(curve) * 100,
		FinalValue:     curve[len(curve)-1],
	}
}

func yearSpan(dates []string) float64 {
	first, err1 := time.Parse(domain.DateFormat, dates[0])
	last, err2 := time.Parse(domain.DateFormat, dates[len(dates)-1])
	if err1 != nil || err2 != nil || !last.After(first) {
		return float64(len(dates)) / formulas.TradingDaysPerYear
	}
	return last.Sub(first).Hours() / 24 / 365.25
}

var resultsHeader = []string{
	"run_id", "timestamp", "benchmark",
	"portfolio_total_return_pct", "portfolio_cagr_pct", "portfolio_vol", "portfolio_sharpe", "portfolio_max_drawdown_pct",
	"benchmark_total_return_pct", "benchmark_cagr_pct", "benchmark_vol", "benchmark_sharpe", "benchmark_max_drawdown_pct",
}

var equityHeader = []string{"Date", "Portfolio", "Benchmark", "run_id"}

// Persist appends the run metrics and writes the equity-curve CSV.
func (b *Backtester) Persist(resultsPath, curvePath string, r *Result) error {
	row := []string{
		r.RunID,
		b.cfg.Timestamp.Format(time.RFC3339),
		b.cfg.Benchmark,
		fm(r.PortfolioMetrics.TotalReturnPct),
		fm(r.PortfolioMetrics.CAGRPct),
		fm(r.PortfolioMetrics.AnnualizedVol),
		fm(r.PortfolioMetrics.SharpeRatio),
		fm(r.PortfolioMetrics.MaxDrawdownPct),
		fm(r.BenchmarkMetrics.TotalReturnPct),
		fm(r.BenchmarkMetrics.CAGRPct),
		fm(r.BenchmarkMetrics.AnnualizedVol),
		fm(r.BenchmarkMetrics.SharpeRatio),
		fm(r.BenchmarkMetrics.MaxDrawdownPct),
	}
	if err := storage.AppendCSV(resultsPath, resultsHeader, [][]string{row}); err != nil {
		return err
	}

	records := make([][]string, len(r.Dates))
	for i, date := range r.Dates {
		bench := ""
		if r.Benchmark != nil {
			bench = fm(r.Benchmark[i])
		}
		records[i] = []string{date, fm(r.Portfolio[i]), bench, r.RunID}
	}
	return storage.WriteCSVAtomic(curvePath, equityHeader, records)
}

func fm(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

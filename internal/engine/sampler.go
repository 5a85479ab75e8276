// Package engine searches for the optimal k-stock portfolio: exact
// enumeration with adaptive Monte-Carlo weight sampling for small k, a
// genetic algorithm for large k, and a refinement phase that re-optimizes
// the best brute-force combinations at the full simulation budget.
package engine

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/rfmelo/carteira/pkg/formulas"
)

// SamplerConfig holds the Monte-Carlo weight sampling knobs.
type SamplerConfig struct {
	RiskFreeRate float64

	Adaptive bool
	SimRuns  int // fixed budget in static mode and during refinement

	ProgMin           int     // floor of the adaptive budget, and first convergence check
	ProgBase          float64 // scale of the ln(k)^2 budget term
	ProgCap           int     // ceiling of the adaptive budget
	CheckInterval     int     // convergence check cadence
	ConvergenceWindow int     // window of recent sharpes for the range test
	ConvergenceDelta  float64 // stop when max-min of the window is below this

	InitialScanSims     int     // sims before the early-discard comparison
	EarlyDiscardFactor  float64 // discard when local best < factor * global best
	EarlyDiscardMinBest float64 // discard only once the global best exceeds this
}

// DefaultSamplerConfig returns the documented sampler defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Adaptive:            true,
		SimRuns:             1000,
		ProgMin:             200,
		ProgBase:            150,
		ProgCap:             3000,
		CheckInterval:       50,
		ConvergenceWindow:   100,
		ConvergenceDelta:    1e-3,
		InitialScanSims:     100,
		EarlyDiscardFactor:  0.6,
		EarlyDiscardMinBest: 0.5,
	}
}

// MaxSims returns the per-subset simulation budget for a k-stock subset.
// Adaptive mode scales with ln(k)^2, clamped to [ProgMin, ProgCap].
func (c SamplerConfig) MaxSims(k int) int {
	if !c.Adaptive {
		return c.SimRuns
	}
	if k < 2 {
		return c.ProgMin
	}
	lnk := math.Log(float64(k))
	budget := int(c.ProgBase * lnk * lnk)
	if budget > c.ProgCap {
		budget = c.ProgCap
	}
	if budget < c.ProgMin {
		budget = c.ProgMin
	}
	return budget
}

// SubsetStats holds the per-subset precomputation: annualized mean vector
// and annualized covariance matrix over complete-case daily returns.
type SubsetStats struct {
	Mu    []float64
	Sigma *mat.SymDense
}

// NewSubsetStats computes μ = mean·252 and Σ = cov·252 for the subset whose
// return columns are given. Rows with any NaN are dropped (complete-case);
// returns nil when fewer than two complete rows remain.
func NewSubsetStats(returns [][]float64, cols []int) *SubsetStats {
	k := len(cols)
	var complete [][]float64
	for _, row := range returns {
		ok := true
		for _, j := range cols {
			if math.IsNaN(row[j]) {
				ok = false
				break
			}
		}
		if ok {
			sub := make([]float64, k)
			for jj, j := range cols {
				sub[jj] = row[j]
			}
			complete = append(complete, sub)
		}
	}
	if len(complete) < 2 {
		return nil
	}

	data := mat.NewDense(len(complete), k, nil)
	mu := make([]float64, k)
	for j := 0; j < k; j++ {
		col := make([]float64, len(complete))
		for i := range complete {
			col[i] = complete[i][j]
			data.Set(i, j, complete[i][j])
		}
		mu[j] = stat.Mean(col, nil) * formulas.TradingDaysPerYear
	}

	sigma := mat.NewSymDense(k, nil)
	stat.CovarianceMatrix(sigma, data, nil)
	sigma.ScaleSym(formulas.TradingDaysPerYear, sigma)

	return &SubsetStats{Mu: mu, Sigma: sigma}
}

// SampleResult is the best portfolio found for one subset.
type SampleResult struct {
	Sharpe    float64
	Weights   []float64
	ExpReturn float64
	Vol       float64
	Sims      int
	Converged bool
	Discarded bool
}

// SharedBest is the overall best Sharpe across all subsets of a phase.
// The update policy is monotone (only increases), so slightly stale reads
// under concurrency only weaken early discard; they never change the final
// winner.
type SharedBest struct {
	mu   sync.Mutex
	best float64
	set  bool
}

// NewSharedBest creates an empty tracker.
func NewSharedBest() *SharedBest {
	return &SharedBest{best: math.Inf(-1)}
}

// Get returns the current best Sharpe (-Inf when unset).
func (b *SharedBest) Get() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.best
}

// Offer raises the best if the candidate exceeds it.
func (b *SharedBest) Offer(sharpe float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.set || sharpe > b.best {
		b.best = sharpe
		b.set = true
	}
}

// Evaluate runs the adaptive weight sampler on one subset. maxSims bounds
// the loop; allowDiscard enables the early-discard comparison against the
// shared best (disabled during refinement).
func (c SamplerConfig) Evaluate(stats *SubsetStats, rng *rand.Rand, maxSims int, allowDiscard bool, shared *SharedBest) SampleResult {
	result := SampleResult{Sharpe: math.Inf(-1)}
	if stats == nil {
		return result
	}
	k := len(stats.Mu)
	weights := make([]float64, k)
	window := make([]float64, 0, c.ConvergenceWindow)

	for sim := 1; sim <= maxSims; sim++ {
		drawWeights(rng, weights)

		expRet := 0.0
		for i := 0; i < k; i++ {
			expRet += stats.Mu[i] * weights[i]
		}
		variance := 0.0
		for i := 0; i < k; i++ {
			wi := weights[i]
			for j := 0; j < k; j++ {
				variance += wi * weights[j] * stats.Sigma.At(i, j)
			}
		}
		vol := math.Sqrt(math.Max(variance, 0))
		sharpe := formulas.SharpeFromAnnualized(expRet, vol, c.RiskFreeRate)

		if sharpe > result.Sharpe {
			result.Sharpe = sharpe
			result.ExpReturn = expRet
			result.Vol = vol
			result.Weights = append(result.Weights[:0], weights...)
		}
		result.Sims = sim

		if !math.IsInf(sharpe, -1) {
			if len(window) == c.ConvergenceWindow {
				copy(window, window[1:])
				window[len(window)-1] = sharpe
			} else {
				window = append(window, sharpe)
			}
		}

		if allowDiscard && sim == c.InitialScanSims {
			best := shared.Get()
			if best > c.EarlyDiscardMinBest && result.Sharpe < c.EarlyDiscardFactor*best {
				result.Discarded = true
				return result
			}
		}

		if sim >= c.ProgMin && c.CheckInterval > 0 && sim%c.CheckInterval == 0 &&
			len(window) == c.ConvergenceWindow && windowRange(window) < c.ConvergenceDelta {
			result.Converged = true
			break
		}
	}

	if shared != nil && !math.IsInf(result.Sharpe, -1) {
		shared.Offer(result.Sharpe)
	}
	return result
}

// drawWeights fills w with uniform draws normalized to sum 1.
func drawWeights(rng *rand.Rand, w []float64) {
	for {
		sum := 0.0
		for i := range w {
			w[i] = rng.Float64()
			sum += w[i]
		}
		if sum > 0 {
			for i := range w {
				w[i] /= sum
			}
			return
		}
	}
}

func windowRange(window []float64) float64 {
	lo, hi := window[0], window[0]
	for _, v := range window[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

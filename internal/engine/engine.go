package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/combin"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/progress"
)

// Config holds the portfolio-search knobs for one run.
type Config struct {
	RunID     string
	Timestamp time.Time

	MinStocks          int
	MaxStocks          int
	MaxStocksPerSector int
	HeuristicK         int // inclusive upper bound for exact enumeration
	TopNStocks         int // candidate universe size, from the scored ranking
	Parallelism        int
	Seed               int64

	RefinementEnabled     bool
	TopNPercentRefinement float64

	Sampler SamplerConfig
	GA      GAConfig
}

// candidate is a refinement-pool entry: one evaluated subset.
type candidate struct {
	genes  []int
	result SampleResult
}

// Engine runs the portfolio search.
type Engine struct {
	cfg     Config
	tracker *progress.Tracker
	log     zerolog.Logger
}

// New creates an engine.
func New(cfg Config, tracker *progress.Tracker, log zerolog.Logger) *Engine {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Now().UTC()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Engine{
		cfg:     cfg,
		tracker: tracker,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// Run searches k ∈ [MinStocks, MaxStocks] over the top-N scored stocks.
// Exact enumeration (with the adaptive sampler and early discard) is used
// for k ≤ HeuristicK, the GA above that. Brute-force results then go through
// the refinement phase; GA output is never refined.
func (e *Engine) Run(ctx context.Context, scored []domain.ScoredStock, matrix *marketdata.CloseMatrix, sectors map[string]string) (*domain.PortfolioResult, error) {
	symbols := e.candidateUniverse(scored, matrix)
	if len(symbols) < e.cfg.MinStocks {
		return nil, fmt.Errorf("engine: candidate universe has %d stocks, need at least %d", len(symbols), e.cfg.MinStocks)
	}

	restricted := matrix.Restrict(symbols)
	returns, _ := restricted.DailyReturns()
	if len(returns) < 2 {
		return nil, fmt.Errorf("engine: not enough return history for portfolio search")
	}
	universe := restricted.Tickers

	e.tracker.Start(fmt.Sprintf("Searching portfolios over %d candidates", len(universe)))
	e.log.Info().
		Int("universe", len(universe)).
		Int("k_min", e.cfg.MinStocks).
		Int("k_max", e.cfg.MaxStocks).
		Int("heuristic_threshold_k", e.cfg.HeuristicK).
		Bool("adaptive", e.cfg.Sampler.Adaptive).
		Msg("Starting portfolio search")

	shared := NewSharedBest()
	var best *candidate
	var pool []candidate
	subsetsSearched := 0

	for k := e.cfg.MinStocks; k <= e.cfg.MaxStocks; k++ {
		if err := ctx.Err(); err != nil {
			e.tracker.Fail("Portfolio search interrupted")
			return nil, err
		}
		if k > len(universe) {
			break
		}

		var kBest *candidate
		var searched int
		var err error
		if k <= e.cfg.HeuristicK {
			var kPool []candidate
			kBest, kPool, searched, err = e.exactSearch(ctx, k, universe, returns, sectors, shared)
			pool = append(pool, kPool...)
		} else {
			kBest, searched, err = e.gaSearch(k, universe, returns, sectors, shared)
		}
		if err != nil {
			e.tracker.Fail(fmt.Sprintf("Portfolio search failed at k=%d: %v", k, err))
			return nil, err
		}
		subsetsSearched += searched

		if kBest != nil && (best == nil || kBest.result.Sharpe > best.result.Sharpe) {
			best = kBest
		}
		e.log.Info().Int("k", k).Int("subsets", searched).Msg("Portfolio size completed")
	}

	if best == nil || math.IsInf(best.result.Sharpe, -1) {
		e.tracker.Fail("No feasible portfolio found")
		return nil, fmt.Errorf("engine: no feasible portfolio satisfies the sector constraints")
	}

	if e.cfg.RefinementEnabled && len(pool) > 0 {
		if refined := e.refine(ctx, pool, returns); refined != nil && refined.result.Sharpe > best.result.Sharpe {
			best = refined
		}
	}

	result := e.toResult(best, universe, subsetsSearched)
	e.tracker.Complete("Portfolio search completed", map[string]any{
		"stocks":           result.Stocks,
		"sharpe":           result.Sharpe,
		"subsets_searched": subsetsSearched,
	})
	return result, nil
}

// candidateUniverse keeps the top-N scored symbols that the price matrix
// actually covers, preserving score order.
func (e *Engine) candidateUniverse(scored []domain.ScoredStock, matrix *marketdata.CloseMatrix) []string {
	present := make(map[string]struct{}, len(matrix.Tickers))
	for _, t := range matrix.Tickers {
		present[t] = struct{}{}
	}

	limit := e.cfg.TopNStocks
	if limit <= 0 || limit > len(scored) {
		limit = len(scored)
	}

	var out []string
	for _, row := range scored[:limit] {
		if _, ok := present[row.Symbol]; ok {
			out = append(out, row.Symbol)
		}
	}
	return out
}

// exactSearch enumerates every sector-feasible k-subset and samples each.
// Subsets are independent; a bounded worker pool evaluates them, each worker
// owning its RNG. Only the shared best-sharpe reads race, and that policy is
// monotone.
func (e *Engine) exactSearch(ctx context.Context, k int, universe []string, returns [][]float64,
	sectors map[string]string, shared *SharedBest) (*candidate, []candidate, int, error) {

	subsets := e.feasibleSubsets(k, universe, sectors)
	if len(subsets) == 0 {
		return nil, nil, 0, nil
	}

	e.tracker.ResetMilestones()
	maxSims := e.cfg.Sampler.MaxSims(k)

	results := make([]SampleResult, len(subsets))
	var done int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i := range subsets {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(e.cfg.Seed + int64(k)*1_000_003 + int64(i)))
			stats := NewSubsetStats(returns, subsets[i])
			results[i] = e.cfg.Sampler.Evaluate(stats, rng, maxSims, true, shared)

			mu.Lock()
			done++
			cur := done
			mu.Unlock()
			e.tracker.Milestone(fmt.Sprintf("exact_k%d", k), cur, len(subsets))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	var best *candidate
	pool := make([]candidate, 0, len(subsets))
	for i := range subsets {
		if math.IsInf(results[i].Sharpe, -1) {
			continue
		}
		c := candidate{genes: subsets[i], result: results[i]}
		pool = append(pool, c)
		if best == nil || c.result.Sharpe > best.result.Sharpe {
			cc := c
			best = &cc
		}
	}
	return best, pool, len(subsets), nil
}

// feasibleSubsets enumerates k-combinations and keeps those satisfying the
// per-sector cap.
func (e *Engine) feasibleSubsets(k int, universe []string, sectors map[string]string) [][]int {
	gen := combin.NewCombinationGenerator(len(universe), k)
	buf := make([]int, k)
	var out [][]int
	for gen.Next() {
		gen.Combination(buf)
		if e.sectorFeasible(buf, universe, sectors) {
			out = append(out, append([]int(nil), buf...))
		}
	}
	return out
}

func (e *Engine) sectorFeasible(genes []int, universe []string, sectors map[string]string) bool {
	if e.cfg.MaxStocksPerSector <= 0 {
		return true
	}
	counts := make(map[string]int)
	for _, g := range genes {
		sector := sectors[universe[g]]
		counts[sector]++
		if counts[sector] > e.cfg.MaxStocksPerSector {
			return false
		}
	}
	return true
}

// gaSearch runs the genetic algorithm for one k. Each fitness evaluation is
// a full sampler run at the fixed SIM_RUNS budget.
func (e *Engine) gaSearch(k int, universe []string, returns [][]float64,
	sectors map[string]string, shared *SharedBest) (*candidate, int, error) {

	rng := rand.New(rand.NewSource(e.cfg.Seed + int64(k)*7_368_787))
	evaluations := 0

	fitness := func(genes []int) SampleResult {
		evaluations++
		stats := NewSubsetStats(returns, genes)
		return e.cfg.Sampler.Evaluate(stats, rng, e.cfg.Sampler.SimRuns, false, shared)
	}
	valid := func(genes []int) bool {
		return e.sectorFeasible(genes, universe, sectors)
	}

	outcome := runGA(e.cfg.GA, len(universe), k, fitness, valid, rng, e.log)
	if outcome.genes == nil {
		return nil, evaluations, nil
	}
	return &candidate{genes: outcome.genes, result: outcome.result}, evaluations, nil
}

// refine re-optimizes the top slice of the brute-force pool at the full
// SIM_RUNS budget with early discard off.
func (e *Engine) refine(ctx context.Context, pool []candidate, returns [][]float64) *candidate {
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].result.Sharpe > pool[j].result.Sharpe
	})

	take := int(float64(len(pool)) * e.cfg.TopNPercentRefinement / 100)
	if take < 1 {
		take = 1
	}
	if take > len(pool) {
		take = len(pool)
	}

	e.log.Info().Int("pool", len(pool)).Int("refining", take).Msg("Refinement phase")
	e.tracker.ResetMilestones()

	var best *candidate
	for i := 0; i < take; i++ {
		if ctx.Err() != nil {
			break
		}
		rng := rand.New(rand.NewSource(e.cfg.Seed + 555_557 + int64(i)))
		stats := NewSubsetStats(returns, pool[i].genes)
		result := e.cfg.Sampler.Evaluate(stats, rng, e.cfg.Sampler.SimRuns, false, nil)
		if best == nil || result.Sharpe > best.result.Sharpe {
			best = &candidate{genes: pool[i].genes, result: result}
		}
		e.tracker.Milestone("refinement", i+1, take)
	}
	return best
}

func (e *Engine) toResult(best *candidate, universe []string, subsetsSearched int) *domain.PortfolioResult {
	stocks := make([]string, len(best.genes))
	for i, g := range best.genes {
		stocks[i] = universe[g]
	}
	return &domain.PortfolioResult{
		RunID:           e.cfg.RunID,
		Timestamp:       e.cfg.Timestamp,
		Stocks:          stocks,
		Weights:         append([]float64(nil), best.result.Weights...),
		Sharpe:          best.result.Sharpe,
		ExpectedReturn:  best.result.ExpReturn,
		ExpectedVol:     best.result.Vol,
		SubsetsSearched: subsetsSearched,
	}
}

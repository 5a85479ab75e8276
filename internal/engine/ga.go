package engine

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
)

// GAConfig holds the genetic-algorithm knobs used for portfolio sizes above
// the exact-enumeration threshold.
type GAConfig struct {
	PopulationSize    int
	Generations       int
	MutationRate      float64
	CrossoverRate     float64
	Elitism           int
	TournamentSize    int
	ConvergenceWindow int     // generations of best-so-far history for the range test
	ConvergenceTol    float64 // stop when the window's range is below this
	MaxAttemptsMult   int     // initial-population attempt cap = P * this
}

// DefaultGAConfig returns the documented GA defaults.
func DefaultGAConfig() GAConfig {
	return GAConfig{
		PopulationSize:    50,
		Generations:       30,
		MutationRate:      0.2,
		CrossoverRate:     0.8,
		Elitism:           2,
		TournamentSize:    3,
		ConvergenceWindow: 10,
		ConvergenceTol:    1e-4,
		MaxAttemptsMult:   20,
	}
}

// individual is one chromosome: a k-subset of universe indices, plus the
// fitness attached by the sampler.
type individual struct {
	genes  []int // sorted universe indices
	result SampleResult
	scored bool
}

// gaOutcome is the best individual found plus the per-generation best-sharpe
// history (monotone non-decreasing).
type gaOutcome struct {
	genes   []int
	result  SampleResult
	history []float64
}

// fitnessFunc evaluates a chromosome and returns its best sampled portfolio.
type fitnessFunc func(genes []int) SampleResult

// validityFunc reports whether a chromosome satisfies the sector cap.
type validityFunc func(genes []int) bool

// runGA evolves k-subsets of a universe of size n.
func runGA(cfg GAConfig, n, k int, fitness fitnessFunc, valid validityFunc, rng *rand.Rand, log zerolog.Logger) gaOutcome {
	pop := initialPopulation(cfg, n, k, valid, rng)
	if len(pop) == 0 {
		log.Warn().Int("k", k).Msg("GA could not build a valid initial population")
		return gaOutcome{result: SampleResult{Sharpe: math.Inf(-1)}}
	}

	best := individual{result: SampleResult{Sharpe: math.Inf(-1)}}
	var history []float64

	for gen := 0; gen < cfg.Generations; gen++ {
		for i := range pop {
			if !pop[i].scored {
				pop[i].result = fitness(pop[i].genes)
				pop[i].scored = true
			}
			if pop[i].result.Sharpe > best.result.Sharpe {
				best = individual{genes: append([]int(nil), pop[i].genes...), result: pop[i].result, scored: true}
			}
		}

		history = append(history, best.result.Sharpe)
		log.Debug().Int("generation", gen).Float64("best_sharpe", best.result.Sharpe).Msg("GA generation")

		if converged(history, cfg.ConvergenceWindow, cfg.ConvergenceTol) {
			log.Info().Int("generation", gen).Msg("GA converged")
			break
		}
		if gen == cfg.Generations-1 {
			break
		}

		pop = nextGeneration(cfg, pop, n, k, valid, rng)
	}

	return gaOutcome{genes: best.genes, result: best.result, history: history}
}

// initialPopulation draws unique random k-subsets until P individuals are
// collected or the attempt budget is spent.
func initialPopulation(cfg GAConfig, n, k int, valid validityFunc, rng *rand.Rand) []individual {
	maxAttempts := cfg.PopulationSize * cfg.MaxAttemptsMult
	if maxAttempts < cfg.PopulationSize {
		maxAttempts = cfg.PopulationSize
	}

	seen := make(map[string]struct{})
	var pop []individual
	for attempt := 0; attempt < maxAttempts && len(pop) < cfg.PopulationSize; attempt++ {
		genes := randomSubset(rng, n, k)
		if !valid(genes) {
			continue
		}
		key := genesKey(genes)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pop = append(pop, individual{genes: genes})
	}
	return pop
}

// nextGeneration applies elitism then tournament-select, crossover, mutate.
func nextGeneration(cfg GAConfig, pop []individual, n, k int, valid validityFunc, rng *rand.Rand) []individual {
	sorted := append([]individual(nil), pop...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].result.Sharpe > sorted[j].result.Sharpe
	})

	elite := cfg.Elitism
	if elite > len(sorted) {
		elite = len(sorted)
	}
	next := make([]individual, 0, cfg.PopulationSize)
	next = append(next, sorted[:elite]...)

	for len(next) < cfg.PopulationSize {
		p1 := tournament(sorted, cfg.TournamentSize, rng)
		p2 := tournament(sorted, cfg.TournamentSize, rng)

		c1, c2 := p1.genes, p2.genes
		if rng.Float64() < cfg.CrossoverRate {
			c1, c2 = crossover(p1.genes, p2.genes, n, k, rng)
		} else {
			c1 = append([]int(nil), c1...)
			c2 = append([]int(nil), c2...)
		}

		for _, child := range [][]int{c1, c2} {
			if len(next) >= cfg.PopulationSize {
				break
			}
			if rng.Float64() < cfg.MutationRate {
				mutate(child, n, rng)
			}
			repairValidity(child, n, valid, rng)
			sort.Ints(child)
			next = append(next, individual{genes: child})
		}
	}
	return next
}

// tournament picks min(T, |pop|) random contenders and returns the fittest.
func tournament(pop []individual, size int, rng *rand.Rand) individual {
	if size > len(pop) {
		size = len(pop)
	}
	best := pop[rng.Intn(len(pop))]
	for i := 1; i < size; i++ {
		challenger := pop[rng.Intn(len(pop))]
		if challenger.result.Sharpe > best.result.Sharpe {
			best = challenger
		}
	}
	return best
}

// crossover is single-point with repair: the child set takes the first half
// of one parent and the tail of the other, then is padded with random
// universe members until it reaches size k again.
func crossover(a, b []int, n, k int, rng *rand.Rand) ([]int, []int) {
	split := k / 2
	c1 := repairedUnion(a[:split], b[split:], n, k, rng)
	c2 := repairedUnion(b[:split], a[split:], n, k, rng)
	return c1, c2
}

func repairedUnion(head, tail []int, n, k int, rng *rand.Rand) []int {
	seen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for _, g := range append(append([]int(nil), head...), tail...) {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
		if len(out) == k {
			break
		}
	}
	for len(out) < k {
		g := rng.Intn(n)
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// mutate swaps one gene for a random universe member not already present.
func mutate(genes []int, n int, rng *rand.Rand) {
	if len(genes) >= n {
		return
	}
	present := make(map[int]struct{}, len(genes))
	for _, g := range genes {
		present[g] = struct{}{}
	}
	for {
		g := rng.Intn(n)
		if _, dup := present[g]; !dup {
			genes[rng.Intn(len(genes))] = g
			return
		}
	}
}

// repairValidity re-rolls random genes until the chromosome satisfies the
// sector cap, giving up after a bounded number of attempts. Chromosomes that
// stay invalid keep -Inf fitness and die out.
func repairValidity(genes []int, n int, valid validityFunc, rng *rand.Rand) {
	for attempt := 0; attempt < 4*len(genes); attempt++ {
		if valid(genes) {
			return
		}
		mutate(genes, n, rng)
	}
}

func randomSubset(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)[:k]
	out := append([]int(nil), perm...)
	sort.Ints(out)
	return out
}

func genesKey(genes []int) string {
	key := make([]byte, 0, len(genes)*3)
	for _, g := range genes {
		key = append(key, byte(g), byte(g>>8), ',')
	}
	return string(key)
}

func converged(history []float64, window int, tol float64) bool {
	if window <= 0 || len(history) < window {
		return false
	}
	recent := history[len(history)-window:]
	return windowRange(recent) < tol
}

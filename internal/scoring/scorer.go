package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/universe"
	"github.com/rfmelo/carteira/pkg/formulas"
)

const (
	upsideClampLow  = -0.99
	upsideClampHigh = 10.0
)

// Config holds the scoring knobs for one run.
type Config struct {
	RunID           string
	Timestamp       time.Time
	RiskFreeRate    float64
	MomentumEnabled bool
	MomentumDays    int
	DynamicWeights  bool
	BaseWeights     Weights
	Profile         Profile
	ProfileStrength float64
}

// Result is the outcome of a scoring run.
type Result struct {
	Rows        []domain.ScoredStock // persist-filtered, sorted by composite desc
	SectorPE    map[string]float64   // sector -> median forward P/E
	Regime      Detection
	WeightsUsed Weights
}

// Scorer computes composite scores for the candidate universe.
type Scorer struct {
	cfg      Config
	detector *RegimeDetector
	log      zerolog.Logger
}

// New creates a scorer.
func New(cfg Config, detector *RegimeDetector, log zerolog.Logger) *Scorer {
	if cfg.MomentumDays <= 0 {
		cfg.MomentumDays = 126
	}
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Now().UTC()
	}
	return &Scorer{
		cfg:      cfg,
		detector: detector,
		log:      log.With().Str("component", "scorer").Logger(),
	}
}

// Score runs the full scoring pipeline over the close matrix restricted to
// the known universe. Fails with a validation error when the scored universe
// and the master DB have no overlap; the pipeline halts on that.
func (s *Scorer) Score(matrix *marketdata.CloseMatrix, uni *universe.Universe, fin map[string]domain.Financials) (*Result, error) {
	restricted := matrix.Restrict(uni.Symbols())
	if len(restricted.Tickers) == 0 {
		return nil, fmt.Errorf("scoring: no overlap between universe and master price DB")
	}

	returns, _ := restricted.DailyReturns()
	if len(returns) == 0 {
		return nil, fmt.Errorf("scoring: not enough price history to compute returns")
	}

	regime := s.detector.Detect(s.benchmarkSeries(matrix))

	sectorPE := sectorMedianPE(uni, fin)

	n := len(restricted.Tickers)
	sharpes := make([]float64, n)
	upsides := make([]float64, n)
	momenta := make([]float64, n)
	rows := make([]domain.ScoredStock, n)

	for j, symbol := range restricted.Tickers {
		col := columnReturns(returns, j)
		annMean := formulas.AnnualizedMeanReturn(col)
		annStd := formulas.AnnualizedVolatility(col)
		sharpe := 0.0
		if annStd > 0 {
			sharpe = (annMean - s.cfg.RiskFreeRate) / annStd
		}

		momentum := 0.0
		if s.cfg.MomentumEnabled {
			momentum = formulas.Momentum(nonNaN(restricted.Column(symbol)), s.cfg.MomentumDays)
		}

		f := fin[symbol]
		ticker, _ := uni.Get(symbol)
		upside, target, source := upsidePotential(f, sectorPE[ticker.Sector])

		sharpes[j], upsides[j], momenta[j] = sharpe, upside, momentum
		rows[j] = domain.ScoredStock{
			RunID:                s.cfg.RunID,
			Timestamp:            s.cfg.Timestamp,
			Symbol:               symbol,
			Sector:               ticker.Sector,
			Industry:             ticker.Industry,
			SharpeRatio:          sharpe,
			AnnualizedMeanReturn: annMean,
			AnnualizedStdDev:     annStd,
			PotentialUpsidePct:   upside * 100,
			UpsideSource:         source,
			Momentum:             momentum,
			RiskProfileUsed:      s.cfg.Profile.Name,
			MarketRegime:         string(regime.Regime),
			CurrentPrice:         f.CurrentPrice,
			TargetPrice:          target,
			ForwardPE:            f.ForwardPE,
			ForwardEPS:           f.ForwardEPS,
			SectorMedianPE:       sectorPE[ticker.Sector],
		}
	}

	sharpeNorm := formulas.MinMaxNormalize(sharpes)
	upsideNorm := formulas.MinMaxNormalize(upsides)
	momentumNorm := formulas.MinMaxNormalize(momenta)

	base := s.cfg.BaseWeights.Normalize()
	if s.cfg.DynamicWeights {
		base = DynamicWeights(sharpeNorm, upsideNorm, momentumNorm)
	}
	weights := BlendWeights(base, s.cfg.Profile, s.cfg.ProfileStrength, regime.Multiplier)

	for j := range rows {
		rows[j].SharpeNorm = sharpeNorm[j]
		rows[j].UpsideNorm = upsideNorm[j]
		rows[j].MomentumNorm = momentumNorm[j]
		rows[j].SharpeWeight = weights.Sharpe
		rows[j].UpsideWeight = weights.Upside
		rows[j].MomentumWeight = weights.Momentum
		rows[j].CompositeScore = weights.Sharpe*sharpeNorm[j] +
			weights.Upside*upsideNorm[j] +
			weights.Momentum*momentumNorm[j]
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CompositeScore > rows[j].CompositeScore
	})

	filtered := persistFilter(rows)
	s.log.Info().
		Int("scored", len(rows)).
		Int("persisted", len(filtered)).
		Str("regime", string(regime.Regime)).
		Float64("w_sharpe", weights.Sharpe).
		Float64("w_upside", weights.Upside).
		Float64("w_momentum", weights.Momentum).
		Msg("Scoring completed")

	return &Result{
		Rows:        filtered,
		SectorPE:    sectorPE,
		Regime:      regime,
		WeightsUsed: weights,
	}, nil
}

// benchmarkSeries picks the regime benchmark: the first matrix ticker naming
// the index, else the cross-universe mean close per date.
func (s *Scorer) benchmarkSeries(matrix *marketdata.CloseMatrix) []float64 {
	for _, t := range matrix.Tickers {
		if IsBenchmarkSymbol(t) {
			return nonNaN(matrix.Column(t))
		}
	}

	s.log.Debug().Msg("No index ticker found, using cross-universe mean as regime benchmark")
	var out []float64
	for i := range matrix.Dates {
		sum, count := 0.0, 0
		for j := range matrix.Tickers {
			if v := matrix.Close[i][j]; !math.IsNaN(v) {
				sum += v
				count++
			}
		}
		if count > 0 {
			out = append(out, sum/float64(count))
		}
	}
	return out
}

// upsidePotential derives expected appreciation: analyst target when the
// provider has one, else the sector-median-P/E relative valuation. Clamped
// to [-0.99, 10]; NaN maps to 0.
func upsidePotential(f domain.Financials, sectorPE float64) (upside, targetPrice float64, source domain.UpsideSource) {
	switch {
	case f.TargetMeanPrice > 0 && f.CurrentPrice > 0:
		upside = f.TargetMeanPrice/f.CurrentPrice - 1
		targetPrice = f.TargetMeanPrice
		source = domain.UpsideSourceProviderTarget
	case f.ForwardPE > 0 && f.CurrentPrice > 0 && sectorPE > 0:
		upside = sectorPE/f.ForwardPE - 1
		targetPrice = f.CurrentPrice * (1 + upside)
		source = domain.UpsideSourceSectorPE
	default:
		return 0, 0, domain.UpsideSourceSectorPE
	}

	if math.IsNaN(upside) {
		upside = 0
	}
	upside = math.Max(upsideClampLow, math.Min(upsideClampHigh, upside))
	if source == domain.UpsideSourceSectorPE && f.CurrentPrice > 0 {
		targetPrice = f.CurrentPrice * (1 + upside)
	}
	return upside, targetPrice, source
}

// persistFilter drops rows that carry no actionable valuation: non-positive
// upside, missing prices, or missing forward P/E.
func persistFilter(rows []domain.ScoredStock) []domain.ScoredStock {
	out := make([]domain.ScoredStock, 0, len(rows))
	for _, r := range rows {
		if r.PotentialUpsidePct <= 0 {
			continue
		}
		if r.CurrentPrice <= 0 || r.TargetPrice <= 0 {
			continue
		}
		if r.ForwardPE <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sectorMedianPE computes the median forward P/E per sector across stocks
// with a positive forward P/E.
func sectorMedianPE(uni *universe.Universe, fin map[string]domain.Financials) map[string]float64 {
	bySector := make(map[string][]float64)
	for _, t := range uni.Tickers {
		if pe := fin[t.Symbol].ForwardPE; pe > 0 {
			bySector[t.Sector] = append(bySector[t.Sector], pe)
		}
	}
	out := make(map[string]float64, len(bySector))
	for sector, pes := range bySector {
		out[sector] = formulas.Median(pes)
	}
	return out
}

// columnReturns extracts one ticker's daily returns, dropping NaN gaps.
func columnReturns(returns [][]float64, j int) []float64 {
	out := make([]float64, 0, len(returns))
	for i := range returns {
		if v := returns[i][j]; !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func nonNaN(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

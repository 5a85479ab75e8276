package optimizer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/engine"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/storage"
	"github.com/rfmelo/carteira/pkg/formulas"
)

// CostMode selects how the transaction cost percentage is estimated.
type CostMode string

const (
	CostDynamic CostMode = "DYNAMIC"
	CostFixed   CostMode = "FIXED"
)

// Decision is the recommendation outcome.
type Decision string

const (
	DecisionHold      Decision = "HOLD"
	DecisionRebalance Decision = "REBALANCE"
)

// Config holds the optimizer knobs.
type Config struct {
	RunID     string
	Timestamp time.Time

	CostMode           CostMode
	FixedCostPct       float64
	MinExcessThreshold float64 // percentage points of net return
	BlendSteps         int
	HistoricalDays     int // fallback per-stock return window

	ReturnWeight   float64
	SharpeWeight   float64
	MomentumWeight float64
}

// PortfolioView is one of the three recommendation views: what is held, what
// the engine found ideal, and the chosen blend.
type PortfolioView struct {
	Stocks            []string           `json:"stocks"`
	Weights           map[string]float64 `json:"weights"`
	ExpectedReturnPct float64            `json:"expected_return_pct"`
	SharpeRatio       float64            `json:"sharpe_ratio"`
	BlendRatio        float64            `json:"blend_ratio,omitempty"`
}

// Transaction is one recommended weight delta.
type Transaction struct {
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"` // BUY or SELL
	CurrentWeight float64 `json:"current_weight"`
	TargetWeight  float64 `json:"target_weight"`
	WeightChange  float64 `json:"weight_change"`
	ValueChange   float64 `json:"value_change"`
}

// Recommendation is the optimized_recommendation.json document.
type Recommendation struct {
	Date                 string        `json:"date"`
	RunID                string        `json:"run_id"`
	Decision             Decision      `json:"decision"`
	Reason               string        `json:"reason"`
	ExcessReturnPct      float64       `json:"excess_return_pct"`
	TransactionCostPct   float64       `json:"transaction_cost_pct_used"`
	HistoricalReturnPct  float64       `json:"historical_return_pct"`
	Holdings             PortfolioView `json:"holdings"`
	Ideal                PortfolioView `json:"ideal"`
	Optimal              PortfolioView `json:"optimal"`
	Transactions         []Transaction `json:"transactions"`
	PortfolioValue       float64       `json:"portfolio_value"`
}

// candidateBlend is one λ-step between holdings and ideal weights.
type candidateBlend struct {
	lambda       float64
	weights      map[string]float64
	expReturnPct float64
	sharpe       float64
	momentum     float64
	netReturnPct float64
	score        float64
}

// Optimizer computes trade recommendations.
type Optimizer struct {
	cfg Config
	log zerolog.Logger
}

// New creates an optimizer.
func New(cfg Config, log zerolog.Logger) *Optimizer {
	if cfg.BlendSteps <= 0 {
		cfg.BlendSteps = 10
	}
	if cfg.HistoricalDays <= 0 {
		cfg.HistoricalDays = 252
	}
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Now().UTC()
	}
	return &Optimizer{
		cfg: cfg,
		log: log.With().Str("component", "optimizer").Logger(),
	}
}

// Run builds the recommendation from the latest ideal portfolio and the
// ledger-derived holdings. Errors here are data errors: missing holdings or
// missing ideal abort the stage without touching the previous recommendation.
func (o *Optimizer) Run(summary *engine.LatestRunSummary, ledger []domain.LedgerRow,
	matrix *marketdata.CloseMatrix, fin map[string]domain.Financials) (*Recommendation, error) {

	if summary == nil || len(summary.BestPortfolioDetails.Stocks) == 0 {
		return nil, fmt.Errorf("optimizer: no ideal portfolio available")
	}
	positions := BuildPositions(ledger)
	if len(positions) == 0 {
		return nil, fmt.Errorf("optimizer: no open positions in ledger")
	}

	holdings, portfolioValue := o.holdingsView(positions, matrix, fin)
	holdings.SharpeRatio = o.ledgerSharpe(ledger, matrix)
	ideal, historicalPct := o.idealView(summary, fin)

	costPct := o.cfg.FixedCostPct
	if o.cfg.CostMode == CostDynamic {
		costPct = AverageCostPct(ledger, o.cfg.Timestamp, o.cfg.FixedCostPct)
	}

	candidates := o.buildCandidates(holdings, ideal, matrix, costPct)
	optimal := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > optimal.score {
			optimal = c
		}
	}

	excess := optimal.netReturnPct - holdings.ExpectedReturnPct
	decision, reason := o.decide(excess, optimal.lambda)

	transactions := buildTransactions(holdings.Weights, optimal.weights, portfolioValue)
	if decision == DecisionHold {
		transactions = nil
	}

	rec := &Recommendation{
		Date:                o.cfg.Timestamp.Format(domain.DateFormat),
		RunID:               o.cfg.RunID,
		Decision:            decision,
		Reason:              reason,
		ExcessReturnPct:     excess,
		TransactionCostPct:  costPct,
		HistoricalReturnPct: historicalPct,
		Holdings:            holdings,
		Ideal:               ideal,
		Optimal: PortfolioView{
			Stocks:            sortedSymbols(optimal.weights),
			Weights:           optimal.weights,
			ExpectedReturnPct: optimal.netReturnPct,
			SharpeRatio:       optimal.sharpe,
			BlendRatio:        optimal.lambda,
		},
		Transactions:   transactions,
		PortfolioValue: portfolioValue,
	}

	o.log.Info().
		Str("decision", string(decision)).
		Float64("excess_return_pct", excess).
		Float64("cost_pct", costPct).
		Float64("blend_ratio", optimal.lambda).
		Int("transactions", len(transactions)).
		Msg("Optimization completed")
	return rec, nil
}

// holdingsView values every open position and derives its expected return.
// Price preference: financials currentPrice, else the most recent close.
func (o *Optimizer) holdingsView(positions map[string]*Position,
	matrix *marketdata.CloseMatrix, fin map[string]domain.Financials) (PortfolioView, float64) {

	type valued struct {
		symbol string
		value  float64
		expRet float64 // fraction
		hasRet bool
	}

	var rows []valued
	total := 0.0
	covered := 0
	for sym, pos := range positions {
		price := currentPrice(sym, fin, matrix)
		if price <= 0 {
			o.log.Warn().Str("stock", sym).Msg("No price available for held position, skipping")
			continue
		}
		value := pos.NetQuantity() * price

		expRet, hasRet := expectedStockReturn(sym, price, fin)
		if !hasRet {
			expRet, hasRet = historicalReturn(matrix.Column(sym), o.cfg.HistoricalDays)
		}
		if hasRet {
			covered++
		}

		rows = append(rows, valued{symbol: sym, value: value, expRet: expRet, hasRet: hasRet})
		total += value
	}
	o.log.Info().Int("positions", len(rows)).Int("with_return_estimate", covered).Msg("Holdings coverage")

	view := PortfolioView{Weights: make(map[string]float64, len(rows))}
	expPct := 0.0
	for _, r := range rows {
		w := 0.0
		if total > 0 {
			w = r.value / total
		}
		view.Weights[r.symbol] = w
		if r.hasRet {
			expPct += w * r.expRet * 100
		}
	}
	view.Stocks = sortedSymbols(view.Weights)
	view.ExpectedReturnPct = expPct
	return view, total
}

// ledgerSharpe annualizes the daily returns of the equity curve obtained by
// replaying the ledger against historical closes.
func (o *Optimizer) ledgerSharpe(ledger []domain.LedgerRow, matrix *marketdata.CloseMatrix) float64 {
	symbols := make(map[string]struct{})
	for _, row := range ledger {
		symbols[row.Symbol] = struct{}{}
	}
	closes := make(map[string][]float64, len(symbols))
	for sym := range symbols {
		if series := matrix.Column(sym); series != nil {
			closes[sym] = series
		}
	}

	curve := EquityCurve(ledger, marketdata.ParseDates(matrix.Dates), closes)
	daily := formulas.CalculateReturns(curve)
	if len(daily) < 2 {
		return 0
	}
	sharpe := formulas.SharpeRatio(daily, 0)
	if math.IsInf(sharpe, 0) || math.IsNaN(sharpe) {
		return 0
	}
	return sharpe
}

// idealView recomputes the ideal portfolio's forward-looking return with
// current prices vs targets; the engine's historical estimate is retained
// separately.
func (o *Optimizer) idealView(summary *engine.LatestRunSummary, fin map[string]domain.Financials) (PortfolioView, float64) {
	best := summary.BestPortfolioDetails
	view := PortfolioView{
		Stocks:      best.Stocks,
		Weights:     make(map[string]float64, len(best.Stocks)),
		SharpeRatio: best.SharpeRatio,
	}

	expPct := 0.0
	for i, sym := range best.Stocks {
		w := best.Weights[i]
		view.Weights[sym] = w
		f := fin[sym]
		if f.TargetMeanPrice > 0 && f.CurrentPrice > 0 {
			expPct += w * (f.TargetMeanPrice/f.CurrentPrice - 1) * 100
		}
	}
	view.ExpectedReturnPct = expPct
	return view, best.ExpectedReturnAnnualPct
}

// buildCandidates generates the λ-blend grid and scores each candidate.
func (o *Optimizer) buildCandidates(holdings, ideal PortfolioView,
	matrix *marketdata.CloseMatrix, costPct float64) []candidateBlend {

	// Normalization bounds for the composite score terms.
	const (
		retLo, retHi = -20.0, 100.0
		shLo, shHi   = -1.0, 3.0
		moLo, moHi   = -1.0, 2.0
	)

	momentumBySym := o.momentumMap(holdings, ideal, matrix)

	n := o.cfg.BlendSteps
	out := make([]candidateBlend, 0, n+1)
	for i := 0; i <= n; i++ {
		lambda := float64(i) / float64(n)
		weights := blendWeights(holdings.Weights, ideal.Weights, lambda)

		expPct := (1-lambda)*holdings.ExpectedReturnPct + lambda*ideal.ExpectedReturnPct
		sharpe := (1-lambda)*holdings.SharpeRatio + lambda*ideal.SharpeRatio

		momentum := 0.0
		for sym, w := range weights {
			momentum += w * momentumBySym[sym]
		}

		turnover := 0.0
		for _, sym := range unionSymbols(holdings.Weights, weights) {
			turnover += math.Abs(weights[sym] - holdings.Weights[sym])
		}
		transitionCostPct := turnover * costPct
		netPct := expPct - transitionCostPct

		score := o.cfg.ReturnWeight*clamp01((netPct-retLo)/(retHi-retLo)) +
			o.cfg.SharpeWeight*clamp01((sharpe-shLo)/(shHi-shLo)) +
			o.cfg.MomentumWeight*clamp01((momentum-moLo)/(moHi-moLo))

		out = append(out, candidateBlend{
			lambda:       lambda,
			weights:      weights,
			expReturnPct: expPct,
			sharpe:       sharpe,
			momentum:     momentum,
			netReturnPct: netPct,
			score:        score,
		})
	}
	return out
}

// momentumMap computes the trailing 12-month return per symbol appearing in
// either portfolio.
func (o *Optimizer) momentumMap(holdings, ideal PortfolioView, matrix *marketdata.CloseMatrix) map[string]float64 {
	out := make(map[string]float64)
	for _, sym := range unionSymbols(holdings.Weights, ideal.Weights) {
		if r, ok := historicalReturn(matrix.Column(sym), formulas.TradingDaysPerYear); ok {
			out[sym] = r
		}
	}
	return out
}

func (o *Optimizer) decide(excessPct, lambda float64) (Decision, string) {
	if excessPct >= o.cfg.MinExcessThreshold {
		return DecisionRebalance, fmt.Sprintf("expected excess return %.2f%% exceeds threshold %.2f%%",
			excessPct, o.cfg.MinExcessThreshold)
	}
	if lambda < 0.1 {
		return DecisionHold, "optimal blend is essentially the current portfolio"
	}
	return DecisionHold, fmt.Sprintf("expected excess return %.2f%% below threshold %.2f%%",
		excessPct, o.cfg.MinExcessThreshold)
}

// blendWeights mixes the two weight maps at ratio λ, renormalizes, and drops
// entries below 0.1%.
func blendWeights(holdings, ideal map[string]float64, lambda float64) map[string]float64 {
	mixed := make(map[string]float64)
	for _, sym := range unionSymbols(holdings, ideal) {
		w := (1-lambda)*holdings[sym] + lambda*ideal[sym]
		if w > 0 {
			mixed[sym] = w
		}
	}

	sum := 0.0
	for _, w := range mixed {
		sum += w
	}
	if sum == 0 {
		return mixed
	}
	out := make(map[string]float64, len(mixed))
	for sym, w := range mixed {
		if norm := w / sum; norm >= 0.001 {
			out[sym] = norm
		}
	}
	return out
}

// buildTransactions emits the per-symbol weight deltas, dropping noise below
// 0.1% absolute change.
func buildTransactions(current, target map[string]float64, portfolioValue float64) []Transaction {
	var out []Transaction
	for _, sym := range unionSymbols(current, target) {
		delta := target[sym] - current[sym]
		if math.Abs(delta) < 0.001 {
			continue
		}
		action := "BUY"
		if delta < 0 {
			action = "SELL"
		}
		out = append(out, Transaction{
			Symbol:        sym,
			Action:        action,
			CurrentWeight: current[sym],
			TargetWeight:  target[sym],
			WeightChange:  delta,
			ValueChange:   delta * portfolioValue,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].WeightChange) > math.Abs(out[j].WeightChange)
	})
	return out
}

// expectedStockReturn derives the forward-looking return from the analyst
// target when both prices are known.
func expectedStockReturn(sym string, price float64, fin map[string]domain.Financials) (float64, bool) {
	f, ok := fin[sym]
	if !ok || f.TargetMeanPrice <= 0 || price <= 0 {
		return 0, false
	}
	return f.TargetMeanPrice/price - 1, true
}

// historicalReturn is the trailing simple return over the last `days`
// observed closes.
func historicalReturn(closes []float64, days int) (float64, bool) {
	var observed []float64
	for _, v := range closes {
		if !math.IsNaN(v) {
			observed = append(observed, v)
		}
	}
	if len(observed) < 2 {
		return 0, false
	}
	start := len(observed) - 1 - days
	if start < 0 {
		start = 0
	}
	if observed[start] <= 0 {
		return 0, false
	}
	return observed[len(observed)-1]/observed[start] - 1, true
}

func currentPrice(sym string, fin map[string]domain.Financials, matrix *marketdata.CloseMatrix) float64 {
	if f, ok := fin[sym]; ok && f.CurrentPrice > 0 {
		return f.CurrentPrice
	}
	closes := matrix.Column(sym)
	for i := len(closes) - 1; i >= 0; i-- {
		if !math.IsNaN(closes[i]) && closes[i] > 0 {
			return closes[i]
		}
	}
	return 0
}

func unionSymbols(a, b map[string]float64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for sym := range a {
		seen[sym] = struct{}{}
	}
	for sym := range b {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func sortedSymbols(weights map[string]float64) []string {
	out := make([]string, 0, len(weights))
	for sym := range weights {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var historyHeader = []string{
	"date", "run_id", "decision", "excess_return_pct", "transaction_cost_pct",
	"holdings_return_pct", "ideal_return_pct", "optimal_return_pct",
	"blend_ratio", "transactions",
}

// Persist overwrites the recommendation JSON atomically and appends one row
// to the optimization history CSV.
func Persist(recPath, historyPath string, rec *Recommendation) error {
	if err := storage.WriteJSONAtomic(recPath, rec); err != nil {
		return fmt.Errorf("optimizer: writing recommendation: %w", err)
	}
	row := []string{
		rec.Date,
		rec.RunID,
		string(rec.Decision),
		fp(rec.ExcessReturnPct),
		fp(rec.TransactionCostPct),
		fp(rec.Holdings.ExpectedReturnPct),
		fp(rec.Ideal.ExpectedReturnPct),
		fp(rec.Optimal.ExpectedReturnPct),
		fp(rec.Optimal.BlendRatio),
		strconv.Itoa(len(rec.Transactions)),
	}
	return storage.AppendCSV(historyPath, historyHeader, [][]string{row})
}

func fp(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/storage"
)

// Holding is one (stock, weight) pair in the summary JSON.
type Holding struct {
	Stock  string  `json:"stock"`
	Weight float64 `json:"weight"`
}

// ConcentrationRisk describes how concentrated the weights are.
type ConcentrationRisk struct {
	HHI             float64   `json:"hhi"`
	Top5HoldingsPct float64   `json:"top_5_holdings_pct"`
	Top5Holdings    []Holding `json:"top_5_holdings"`
}

// MomentumValuation groups the weighted fundamental diagnostics.
type MomentumValuation struct {
	PortfolioMomentum      float64 `json:"portfolio_momentum"`
	PortfolioForwardPE     float64 `json:"portfolio_forward_pe"`
	BenchmarkForwardPE     float64 `json:"benchmark_forward_pe"`
	PortfolioDividendYield float64 `json:"portfolio_dividend_yield"`
}

// BestPortfolioDetails is the body of the latest-run summary.
type BestPortfolioDetails struct {
	Stocks                  []string           `json:"stocks"`
	Weights                 []float64          `json:"weights"`
	SharpeRatio             float64            `json:"sharpe_ratio"`
	ExpectedReturnAnnualPct float64            `json:"expected_return_annual_pct"`
	ExpectedVolAnnualPct    float64            `json:"expected_volatility_annual_pct"`
	InitialInvestment       float64            `json:"initial_investment"`
	SectorExposure          map[string]float64 `json:"sector_exposure"`
	ConcentrationRisk       ConcentrationRisk  `json:"concentration_risk"`
	PortfolioWeightedPE     float64            `json:"portfolio_weighted_pe"`
	MomentumValuation       MomentumValuation  `json:"momentum_valuation"`
}

// LatestRunSummary is the overwritten-each-run JSON read by the optimizer
// and the backtester.
type LatestRunSummary struct {
	LastUpdatedRunID     string               `json:"last_updated_run_id"`
	LastUpdatedTimestamp string               `json:"last_updated_timestamp"`
	BestPortfolioDetails BestPortfolioDetails `json:"best_portfolio_details"`
}

// benchmarkProxySize is how many top scored stocks stand in for the index
// when computing the benchmark forward P/E.
const benchmarkProxySize = 50

// BuildSummary composes the latest-run summary for the winning portfolio.
// Weighted factor averages skip holdings where the factor is missing and
// renormalize over the remaining weight.
func BuildSummary(result *domain.PortfolioResult, scored []domain.ScoredStock,
	fin map[string]domain.Financials, sectors map[string]string, initialInvestment float64) *LatestRunSummary {

	bySymbol := make(map[string]domain.ScoredStock, len(scored))
	for _, row := range scored {
		if _, dup := bySymbol[row.Symbol]; !dup {
			bySymbol[row.Symbol] = row
		}
	}

	exposure := make(map[string]float64)
	hhi := 0.0
	holdings := make([]Holding, 0, len(result.Stocks))
	for i, sym := range result.Stocks {
		w := result.Weights[i]
		hhi += w * w
		exposure[sectorName(sectors, sym)] += w
		holdings = append(holdings, Holding{Stock: sym, Weight: w})
	}

	sort.SliceStable(holdings, func(i, j int) bool {
		return holdings[i].Weight > holdings[j].Weight
	})
	top5 := holdings
	if len(top5) > 5 {
		top5 = top5[:5]
	}
	top5Pct := 0.0
	for _, h := range top5 {
		top5Pct += h.Weight
	}

	weightedPE := weightedFactor(result, func(sym string) (float64, bool) {
		row, ok := bySymbol[sym]
		return row.ForwardPE, ok && row.ForwardPE > 0
	})
	weightedMomentum := weightedFactor(result, func(sym string) (float64, bool) {
		row, ok := bySymbol[sym]
		return row.Momentum, ok
	})
	weightedYield := weightedFactor(result, func(sym string) (float64, bool) {
		f, ok := fin[sym]
		return f.DividendYield, ok && f.DividendYield > 0
	})

	return &LatestRunSummary{
		LastUpdatedRunID:     result.RunID,
		LastUpdatedTimestamp: result.Timestamp.Format(time.RFC3339),
		BestPortfolioDetails: BestPortfolioDetails{
			Stocks:                  result.Stocks,
			Weights:                 result.Weights,
			SharpeRatio:             result.Sharpe,
			ExpectedReturnAnnualPct: result.ExpectedReturn * 100,
			ExpectedVolAnnualPct:    result.ExpectedVol * 100,
			InitialInvestment:       initialInvestment,
			SectorExposure:          exposure,
			ConcentrationRisk: ConcentrationRisk{
				HHI:             hhi,
				Top5HoldingsPct: top5Pct * 100,
				Top5Holdings:    top5,
			},
			PortfolioWeightedPE: weightedPE,
			MomentumValuation: MomentumValuation{
				PortfolioMomentum:      weightedMomentum,
				PortfolioForwardPE:     weightedPE,
				BenchmarkForwardPE:     benchmarkForwardPE(scored),
				PortfolioDividendYield: weightedYield,
			},
		},
	}
}

// WriteSummary persists the summary atomically, with an optional web-copy
// mirror path.
func WriteSummary(path, webMirror string, summary *LatestRunSummary) error {
	if err := storage.WriteJSONAtomic(path, summary); err != nil {
		return err
	}
	if webMirror != "" {
		return storage.WriteJSONAtomic(webMirror, summary)
	}
	return nil
}

// ReadSummary loads a previously written latest-run summary.
func ReadSummary(path string) (*LatestRunSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: reading run summary: %w", err)
	}
	var summary LatestRunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("engine: parsing run summary: %w", err)
	}
	return &summary, nil
}

var portfolioResultsHeader = []string{
	"run_id", "timestamp", "Stocks", "Weights",
	"SharpeRatio", "ExpectedReturn_annual", "ExpectedVolatility_annual",
	"SubsetsSearched",
}

// AppendPortfolioResult appends one row to the append-only portfolio results
// database. Stocks and weights are semicolon-joined in stock order.
func AppendPortfolioResult(path string, result *domain.PortfolioResult) error {
	weights := make([]string, len(result.Weights))
	for i, w := range result.Weights {
		weights[i] = strconv.FormatFloat(w, 'f', 6, 64)
	}
	row := []string{
		result.RunID,
		result.Timestamp.Format(time.RFC3339),
		strings.Join(result.Stocks, ";"),
		strings.Join(weights, ";"),
		strconv.FormatFloat(result.Sharpe, 'f', 6, 64),
		strconv.FormatFloat(result.ExpectedReturn, 'f', 6, 64),
		strconv.FormatFloat(result.ExpectedVol, 'f', 6, 64),
		strconv.Itoa(result.SubsetsSearched),
	}
	return storage.AppendCSV(path, portfolioResultsHeader, [][]string{row})
}

// weightedFactor averages a per-stock factor by portfolio weight, skipping
// holdings where the factor is missing and renormalizing the rest.
func weightedFactor(result *domain.PortfolioResult, factor func(sym string) (float64, bool)) float64 {
	sum, weightSum := 0.0, 0.0
	for i, sym := range result.Stocks {
		v, known := factor(sym)
		if !known {
			continue
		}
		sum += v * result.Weights[i]
		weightSum += result.Weights[i]
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// benchmarkForwardPE approximates the index valuation as the equal-weighted
// mean forward P/E of the top scored stocks.
func benchmarkForwardPE(scored []domain.ScoredStock) float64 {
	limit := benchmarkProxySize
	if limit > len(scored) {
		limit = len(scored)
	}
	sum, count := 0.0, 0
	for _, row := range scored[:limit] {
		if row.ForwardPE > 0 {
			sum += row.ForwardPE
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func sectorName(sectors map[string]string, sym string) string {
	if s, ok := sectors[sym]; ok && s != "" {
		return s
	}
	return "Unknown"
}

package scoring

import (
	"sort"
	"strconv"
	"time"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/storage"
	"github.com/rfmelo/carteira/pkg/formulas"
)

var scoredStocksHeader = []string{
	"run_id", "timestamp", "Stock", "Sector", "Industry",
	"CompositeScore", "SharpeRatio", "AnnualizedMeanReturn", "AnnualizedStdDev",
	"PotentialUpside_pct", "TargetPriceSource", "Momentum",
	"SharpeRatio_norm", "PotentialUpside_norm", "Momentum_norm",
	"sharpe_weight", "upside_weight", "momentum_weight",
	"risk_profile_used", "market_regime",
	"currentPrice", "targetPrice", "forwardPE", "forwardEPS", "SectorMedianPE",
}

var sectorPEHeader = []string{"run_id", "timestamp", "Sector", "MedianForwardPE"}

// AppendScoredStocks appends the run's filtered rows to the append-only
// scored stocks database.
func AppendScoredStocks(path string, rows []domain.ScoredStock) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.RunID,
			r.Timestamp.Format(time.RFC3339),
			r.Symbol,
			r.Sector,
			r.Industry,
			ff(r.CompositeScore),
			ff(r.SharpeRatio),
			ff(r.AnnualizedMeanReturn),
			ff(r.AnnualizedStdDev),
			ff(r.PotentialUpsidePct),
			string(r.UpsideSource),
			ff(r.Momentum),
			ff(r.SharpeNorm),
			ff(r.UpsideNorm),
			ff(r.MomentumNorm),
			ff(r.SharpeWeight),
			ff(r.UpsideWeight),
			ff(r.MomentumWeight),
			r.RiskProfileUsed,
			r.MarketRegime,
			ff(r.CurrentPrice),
			ff(r.TargetPrice),
			ff(r.ForwardPE),
			ff(r.ForwardEPS),
			ff(r.SectorMedianPE),
		})
	}
	return storage.AppendCSV(path, scoredStocksHeader, records)
}

// AppendSectorPE appends the run's per-sector median forward P/E rows.
func AppendSectorPE(path, runID string, ts time.Time, sectorPE map[string]float64) error {
	sectors := make([]string, 0, len(sectorPE))
	for s := range sectorPE {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	records := make([][]string, 0, len(sectors))
	for _, s := range sectors {
		records = append(records, []string{runID, ts.Format(time.RFC3339), s, ff(sectorPE[s])})
	}
	return storage.AppendCSV(path, sectorPEHeader, records)
}

// ReadLatestScored loads the rows of the most recent run from the append-only
// scored stocks database, preserving file order (composite-score descending
// within a run).
func ReadLatestScored(path string) ([]domain.ScoredStock, error) {
	header, records, err := storage.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(header))
	for j, name := range header {
		col[name] = j
	}
	field := func(rec []string, name string) string {
		if j, ok := col[name]; ok && j < len(rec) {
			return rec[j]
		}
		return ""
	}
	num := func(rec []string, name string) float64 {
		v, _ := strconv.ParseFloat(field(rec, name), 64)
		return v
	}

	lastRun := field(records[len(records)-1], "run_id")
	var out []domain.ScoredStock
	for _, rec := range records {
		if field(rec, "run_id") != lastRun {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, field(rec, "timestamp"))
		out = append(out, domain.ScoredStock{
			RunID:                lastRun,
			Timestamp:            ts,
			Symbol:               field(rec, "Stock"),
			Sector:               field(rec, "Sector"),
			Industry:             field(rec, "Industry"),
			CompositeScore:       num(rec, "CompositeScore"),
			SharpeRatio:          num(rec, "SharpeRatio"),
			AnnualizedMeanReturn: num(rec, "AnnualizedMeanReturn"),
			AnnualizedStdDev:     num(rec, "AnnualizedStdDev"),
			PotentialUpsidePct:   num(rec, "PotentialUpside_pct"),
			UpsideSource:         domain.UpsideSource(field(rec, "TargetPriceSource")),
			Momentum:             num(rec, "Momentum"),
			SharpeNorm:           num(rec, "SharpeRatio_norm"),
			UpsideNorm:           num(rec, "PotentialUpside_norm"),
			MomentumNorm:         num(rec, "Momentum_norm"),
			SharpeWeight:         num(rec, "sharpe_weight"),
			UpsideWeight:         num(rec, "upside_weight"),
			MomentumWeight:       num(rec, "momentum_weight"),
			RiskProfileUsed:      field(rec, "risk_profile_used"),
			MarketRegime:         field(rec, "market_regime"),
			CurrentPrice:         num(rec, "currentPrice"),
			TargetPrice:          num(rec, "targetPrice"),
			ForwardPE:            num(rec, "forwardPE"),
			ForwardEPS:           num(rec, "forwardEPS"),
			SectorMedianPE:       num(rec, "SectorMedianPE"),
		})
	}
	return out, nil
}

// WriteCorrelationMatrix writes the NxN daily-return correlation matrix of
// the top-N scored stocks (header row and index column included).
func WriteCorrelationMatrix(path string, rows []domain.ScoredStock, matrix *marketdata.CloseMatrix, topN int) error {
	if topN > len(rows) {
		topN = len(rows)
	}
	symbols := make([]string, 0, topN)
	for _, r := range rows[:topN] {
		symbols = append(symbols, r.Symbol)
	}

	restricted := matrix.Restrict(symbols)
	returns, _ := restricted.DailyReturns()

	header := append([]string{""}, restricted.Tickers...)
	records := make([][]string, 0, len(restricted.Tickers))
	for i, sym := range restricted.Tickers {
		row := make([]string, 0, len(restricted.Tickers)+1)
		row = append(row, sym)
		for j := range restricted.Tickers {
			row = append(row, ff(pairCorrelation(returns, i, j)))
		}
		records = append(records, row)
	}
	return storage.WriteCSVAtomic(path, header, records)
}

// pairCorrelation correlates two return columns over dates where both are
// observed.
func pairCorrelation(returns [][]float64, i, j int) float64 {
	if i == j {
		return 1
	}
	var x, y []float64
	for d := range returns {
		a, b := returns[d][i], returns[d][j]
		if !isNaN(a) && !isNaN(b) {
			x = append(x, a)
			y = append(y, b)
		}
	}
	if len(x) < 2 {
		return 0
	}
	return formulas.Correlation(x, y)
}

func isNaN(f float64) bool { return f != f }

func ff(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

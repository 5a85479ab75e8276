package optimizer

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/engine"
	"github.com/rfmelo/carteira/internal/marketdata"
)

func ledgerRow(sym, side, date string, qty, price, fees float64) domain.LedgerRow {
	d, _ := time.Parse(domain.DateFormat, date)
	return domain.LedgerRow{
		TransactionID:  sym + date + side,
		TradeDate:      d,
		Symbol:         sym,
		Side:           side,
		Quantity:       qty,
		UnitPrice:      price,
		GrossValue:     qty * price,
		AllocatedFees:  fees,
		EffectivePrice: price,
	}
}

func TestPositionFIFOSell(t *testing.T) {
	p := &Position{Symbol: "VALE3.SA"}
	p.buy(100, 60)
	p.buy(50, 70)
	p.sell(120, 80)

	// 100 consumed from the first lot, 20 from the second.
	require.Len(t, p.Lots, 1)
	assert.Equal(t, 30.0, p.Lots[0].Quantity)
	assert.Equal(t, 70.0, p.Lots[0].UnitCost)
	assert.Equal(t, 30.0, p.NetQuantity())
	assert.InDelta(t, 30*70, p.NetInvested(), 1e-9)
}

func TestPositionOversellLeavesNegativeLot(t *testing.T) {
	p := &Position{Symbol: "PETR4.SA"}
	p.buy(100, 30)
	p.sell(150, 35)

	require.Len(t, p.Lots, 1)
	assert.Equal(t, -50.0, p.Lots[0].Quantity)
	assert.Equal(t, 35.0, p.Lots[0].UnitCost)
	assert.Equal(t, -50.0, p.NetQuantity())
	assert.Equal(t, 0.0, p.NetInvested())
}

func TestBuildPositionsDropsClosed(t *testing.T) {
	rows := []domain.LedgerRow{
		ledgerRow("AAA.SA", "BUY", "2025-01-02", 100, 10, 1),
		ledgerRow("AAA.SA", "SELL", "2025-03-02", 100, 12, 1),
		ledgerRow("BBB.SA", "BUY", "2025-02-02", 50, 20, 1),
		// Out of order in the file; replay must still sell after the buy.
		ledgerRow("CCC.SA", "SELL", "2025-04-02", 30, 8, 1),
		ledgerRow("CCC.SA", "BUY", "2025-03-02", 40, 7, 1),
	}

	positions := BuildPositions(rows)
	require.Len(t, positions, 2)
	assert.Equal(t, 50.0, positions["BBB.SA"].NetQuantity())
	assert.Equal(t, 10.0, positions["CCC.SA"].NetQuantity())
	assert.NotContains(t, positions, "AAA.SA")
}

func TestAverageCostPct(t *testing.T) {
	now, _ := time.Parse(domain.DateFormat, "2025-08-01")

	var rows []domain.LedgerRow
	for i := 0; i < 5; i++ {
		rows = append(rows, ledgerRow("AAA.SA", "BUY", "2025-07-10", 100, 10, 3))
	}
	// 5 rows, fees 15 over gross 5000 -> 0.3%.
	assert.InDelta(t, 0.3, AverageCostPct(rows, now, 0.35), 1e-9)

	// Empty ledger falls back.
	assert.Equal(t, 0.35, AverageCostPct(nil, now, 0.35))

	// Only ancient rows with zero gross fall back too.
	zero := []domain.LedgerRow{{TradeDate: now.AddDate(-2, 0, 0)}}
	assert.Equal(t, 0.35, AverageCostPct(zero, now, 0.35))
}

func TestLoadLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transactions.csv")
	content := "transaction_id,portfolio,trade_date,settlement_date,broker_document,ticker,side,quantity,unit_price,gross_value,allocated_fees,total_cost,net_cash_flow,effective_price\n" +
		"t2,default,2025-02-10,2025-02-12,123,PETR4.SA,SELL,50,38.0,1900.0,2.1,2.1,1897.9,37.958\n" +
		"t1,default,2025-01-15,2025-01-17,123,VALE3.SA,BUY,100,60.5,6050.0,6.5,6056.5,-6056.5,60.565\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rows, err := LoadLedger(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Returned in trade-date order regardless of file order.
	assert.Equal(t, "t1", rows[0].TransactionID)
	assert.Equal(t, "VALE3.SA", rows[0].Symbol)
	assert.Equal(t, 100.0, rows[0].Quantity)
	assert.InDelta(t, 60.565, rows[0].EffectivePrice, 1e-9)
	assert.Equal(t, "SELL", rows[1].Side)
}

func TestLoadLedgerMissingFileAndBadRows(t *testing.T) {
	rows, err := LoadLedger(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Empty(t, rows)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("transaction_id,trade_date,ticker,side,quantity,unit_price,gross_value,allocated_fees\nt1,2025-01-15,VALE3.SA,SHORT,100,60,6000,6\n"), 0o644))
	_, err = LoadLedger(path)
	assert.ErrorContains(t, err, "bad side")

	missing := filepath.Join(dir, "missing_col.csv")
	require.NoError(t, os.WriteFile(missing, []byte("transaction_id,trade_date,ticker\nt1,2025-01-15,VALE3.SA\n"), 0o644))
	_, err = LoadLedger(missing)
	assert.ErrorContains(t, err, "missing column")
}

func TestEquityCurveCarriesLastPrice(t *testing.T) {
	rows := []domain.LedgerRow{
		ledgerRow("AAA.SA", "BUY", "2025-01-02", 10, 100, 0),
	}
	dates := marketdata.ParseDates([]string{"2025-01-02", "2025-01-03", "2025-01-06"})
	closes := map[string][]float64{
		"AAA.SA": {100, math.NaN(), 110},
	}

	curve := EquityCurve(rows, dates, closes)
	require.Len(t, curve, 3)
	assert.Equal(t, 1000.0, curve[0])
	assert.Equal(t, 1000.0, curve[1]) // NaN close carries the last price
	assert.Equal(t, 1100.0, curve[2])
}

func TestBlendWeightsRenormalizesAndDrops(t *testing.T) {
	holdings := map[string]float64{"AAA.SA": 0.9995, "BBB.SA": 0.0005}
	ideal := map[string]float64{"AAA.SA": 1.0}

	// λ=1 is pure ideal.
	pure := blendWeights(holdings, ideal, 1)
	require.Len(t, pure, 1)
	assert.InDelta(t, 1.0, pure["AAA.SA"], 1e-9)

	// λ=0: BBB's 0.05% falls below the floor and is dropped.
	kept := blendWeights(holdings, ideal, 0)
	assert.NotContains(t, kept, "BBB.SA")
	assert.InDelta(t, 0.9995, kept["AAA.SA"], 1e-9)
}

func TestBuildTransactionsSkipsNoise(t *testing.T) {
	current := map[string]float64{"AAA.SA": 0.5, "BBB.SA": 0.5}
	target := map[string]float64{"AAA.SA": 0.7, "BBB.SA": 0.2995, "CCC.SA": 0.0005}

	txs := buildTransactions(current, target, 10000)
	require.Len(t, txs, 2)

	// Sorted by absolute weight change.
	assert.Equal(t, "AAA.SA", txs[0].Symbol)
	assert.Equal(t, "BUY", txs[0].Action)
	assert.InDelta(t, 2000.0, txs[0].ValueChange, 1e-6)
	assert.Equal(t, "BBB.SA", txs[1].Symbol)
	assert.Equal(t, "SELL", txs[1].Action)
}

func optimizerMatrix(symbols []string, days int, growth float64) *marketdata.CloseMatrix {
	cm := &marketdata.CloseMatrix{Tickers: symbols}
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for d := 0; d < days; d++ {
		row := make([]float64, len(symbols))
		for j := range symbols {
			row[j] = price
		}
		cm.Dates = append(cm.Dates, start.AddDate(0, 0, d).Format(domain.DateFormat))
		cm.Close = append(cm.Close, row)
		price *= growth
	}
	return cm
}

func idealSummary(stocks []string, weights []float64) *engine.LatestRunSummary {
	return &engine.LatestRunSummary{
		LastUpdatedRunID: "r1",
		BestPortfolioDetails: engine.BestPortfolioDetails{
			Stocks:                  stocks,
			Weights:                 weights,
			SharpeRatio:             1.2,
			ExpectedReturnAnnualPct: 20,
		},
	}
}

func TestRunHoldWhenHoldingsMatchIdeal(t *testing.T) {
	// Holdings exactly match the ideal, so every blend is identical and the
	// excess return is zero.
	ledger := []domain.LedgerRow{
		ledgerRow("AAA.SA", "BUY", "2025-01-02", 100, 100, 1),
	}
	matrix := optimizerMatrix([]string{"AAA.SA"}, 30, 1.0)
	fin := map[string]domain.Financials{
		"AAA.SA": {Symbol: "AAA.SA", CurrentPrice: 100, TargetMeanPrice: 110},
	}
	summary := idealSummary([]string{"AAA.SA"}, []float64{1.0})

	o := New(Config{
		RunID:              "r1",
		CostMode:           CostFixed,
		FixedCostPct:       0.35,
		MinExcessThreshold: 2.0,
		BlendSteps:         10,
		ReturnWeight:       0.5,
		SharpeWeight:       0.3,
		MomentumWeight:     0.2,
	}, zerolog.Nop())

	rec, err := o.Run(summary, ledger, matrix, fin)
	require.NoError(t, err)

	assert.Equal(t, DecisionHold, rec.Decision)
	assert.InDelta(t, 0.0, rec.ExcessReturnPct, 1e-9)
	assert.Empty(t, rec.Transactions)
	assert.InDelta(t, 10000.0, rec.PortfolioValue, 1e-6)
	assert.InDelta(t, 10.0, rec.Holdings.ExpectedReturnPct, 1e-9)
}

func TestRunRebalanceWhenIdealFarBetter(t *testing.T) {
	// Held stock has no upside; the ideal stock has a 50% target upside, so
	// the full-ideal blend clears the 2% threshold after costs.
	ledger := []domain.LedgerRow{
		ledgerRow("OLD3.SA", "BUY", "2025-01-02", 100, 100, 1),
	}
	matrix := optimizerMatrix([]string{"OLD3.SA", "NEW3.SA"}, 30, 1.0)
	fin := map[string]domain.Financials{
		"OLD3.SA": {Symbol: "OLD3.SA", CurrentPrice: 100, TargetMeanPrice: 100},
		"NEW3.SA": {Symbol: "NEW3.SA", CurrentPrice: 100, TargetMeanPrice: 150},
	}
	summary := idealSummary([]string{"NEW3.SA"}, []float64{1.0})

	o := New(Config{
		RunID:              "r1",
		CostMode:           CostFixed,
		FixedCostPct:       0.35,
		MinExcessThreshold: 2.0,
		BlendSteps:         10,
		ReturnWeight:       1.0,
	}, zerolog.Nop())

	rec, err := o.Run(summary, ledger, matrix, fin)
	require.NoError(t, err)

	assert.Equal(t, DecisionRebalance, rec.Decision)
	assert.Greater(t, rec.ExcessReturnPct, 2.0)
	require.Len(t, rec.Transactions, 2)
	assert.Equal(t, 1.0, rec.Optimal.BlendRatio)
}

func TestRunErrorsWithoutInputs(t *testing.T) {
	o := New(Config{}, zerolog.Nop())
	matrix := optimizerMatrix([]string{"AAA.SA"}, 5, 1.0)

	_, err := o.Run(nil, nil, matrix, nil)
	assert.ErrorContains(t, err, "no ideal portfolio")

	summary := idealSummary([]string{"AAA.SA"}, []float64{1.0})
	_, err = o.Run(summary, nil, matrix, nil)
	assert.ErrorContains(t, err, "no open positions")
}

func TestPersistWritesJSONAndHistory(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "optimized_recommendation.json")
	historyPath := filepath.Join(dir, "optimization_history.csv")

	rec := &Recommendation{
		Date:     "2025-08-25",
		RunID:    "r1",
		Decision: DecisionHold,
		Reason:   "below threshold",
	}
	require.NoError(t, Persist(recPath, historyPath, rec))
	require.NoError(t, Persist(recPath, historyPath, rec))

	data, err := os.ReadFile(recPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"decision": "HOLD"`)

	history, err := os.ReadFile(historyPath)
	require.NoError(t, err)
	// Header once, two data rows.
	assert.Equal(t, 3, len(splitLines(string(history))))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

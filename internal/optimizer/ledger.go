// Package optimizer reconciles the latest ideal portfolio against realized
// holdings from the broker ledger and emits a HOLD or REBALANCE
// recommendation with per-symbol trade deltas.
package optimizer

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/storage"
)

// LoadLedger reads the normalized broker-note ledger CSV produced by the
// external transaction-ingest collaborator. Rows are returned in trade-date
// order (stable for same-day rows, preserving file order). A missing file
// yields an empty ledger.
func LoadLedger(path string) ([]domain.LedgerRow, error) {
	header, records, err := storage.ReadCSV(path)
	if err != nil {
		return nil, fmt.Errorf("optimizer: reading ledger: %w", err)
	}
	if len(header) == 0 {
		return nil, nil
	}

	idx := headerIndex(header)
	required := []string{"transaction_id", "trade_date", "ticker", "side", "quantity", "unit_price", "gross_value", "allocated_fees"}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("optimizer: ledger missing column %q", col)
		}
	}

	rows := make([]domain.LedgerRow, 0, len(records))
	for i, rec := range records {
		row, err := parseLedgerRow(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("optimizer: ledger line %d: %w", i+2, err)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].TradeDate.Before(rows[j].TradeDate)
	})
	return rows, nil
}

func parseLedgerRow(rec []string, idx map[string]int) (domain.LedgerRow, error) {
	field := func(name string) string {
		if j, ok := idx[name]; ok && j < len(rec) {
			return rec[j]
		}
		return ""
	}
	num := func(name string) float64 {
		v, _ := strconv.ParseFloat(field(name), 64)
		return v
	}

	tradeDate, err := time.Parse(domain.DateFormat, field("trade_date"))
	if err != nil {
		return domain.LedgerRow{}, fmt.Errorf("bad trade_date %q", field("trade_date"))
	}
	settlement, _ := time.Parse(domain.DateFormat, field("settlement_date"))

	side := field("side")
	if side != "BUY" && side != "SELL" {
		return domain.LedgerRow{}, fmt.Errorf("bad side %q", side)
	}

	return domain.LedgerRow{
		TransactionID:  field("transaction_id"),
		Portfolio:      field("portfolio"),
		TradeDate:      tradeDate,
		SettlementDate: settlement,
		BrokerDocument: field("broker_document"),
		Symbol:         field("ticker"),
		Side:           side,
		Quantity:       num("quantity"),
		UnitPrice:      num("unit_price"),
		GrossValue:     num("gross_value"),
		AllocatedFees:  num("allocated_fees"),
		TotalCost:      num("total_cost"),
		NetCashFlow:    num("net_cash_flow"),
		EffectivePrice: num("effective_price"),
	}, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for j, name := range header {
		idx[name] = j
	}
	return idx
}

// AverageCostPct computes the dynamic transaction cost estimate: over the
// larger of (last 20 rows, last 6 months of rows), 100 * sum(fees) /
// sum(gross). Returns the fallback when the ledger gives no signal.
func AverageCostPct(rows []domain.LedgerRow, now time.Time, fallback float64) float64 {
	tail := rows
	if len(tail) > 20 {
		tail = tail[len(tail)-20:]
	}

	cutoff := now.AddDate(0, -6, 0)
	var recent []domain.LedgerRow
	for _, r := range rows {
		if !r.TradeDate.Before(cutoff) {
			recent = append(recent, r)
		}
	}
	if len(recent) > len(tail) {
		tail = recent
	}

	fees, gross := 0.0, 0.0
	for _, r := range tail {
		fees += r.AllocatedFees
		gross += r.GrossValue
	}
	if gross <= 0 {
		return fallback
	}
	return 100 * fees / gross
}

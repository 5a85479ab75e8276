package optimizer

import (
	"sort"
	"time"

	"github.com/rfmelo/carteira/internal/domain"
)

// Position is a per-ticker FIFO lot account built from the ledger.
type Position struct {
	Symbol string
	Lots   []domain.Lot
}

// NetQuantity sums all lot quantities, including any negative oversell lot.
func (p *Position) NetQuantity() float64 {
	total := 0.0
	for _, lot := range p.Lots {
		total += lot.Quantity
	}
	return total
}

// NetInvested sums quantity*unit_cost over positive lots only, and only when
// the net quantity is positive; otherwise 0.
func (p *Position) NetInvested() float64 {
	if p.NetQuantity() <= 0 {
		return 0
	}
	total := 0.0
	for _, lot := range p.Lots {
		if lot.Quantity > 0 {
			total += lot.Quantity * lot.UnitCost
		}
	}
	return total
}

func (p *Position) buy(qty, price float64) {
	p.Lots = append(p.Lots, domain.Lot{Quantity: qty, UnitCost: price})
}

// sell consumes lots front-to-back. Selling beyond holdings leaves a single
// negative lot carrying the unfilled remainder at the sale price.
func (p *Position) sell(qty, price float64) {
	remaining := qty
	for i := 0; i < len(p.Lots) && remaining > 0; i++ {
		lot := &p.Lots[i]
		if lot.Quantity <= 0 {
			continue
		}
		take := lot.Quantity
		if take > remaining {
			take = remaining
		}
		lot.Quantity -= take
		remaining -= take
	}

	kept := p.Lots[:0]
	for _, lot := range p.Lots {
		if lot.Quantity != 0 {
			kept = append(kept, lot)
		}
	}
	p.Lots = kept

	if remaining > 0 {
		p.Lots = append(p.Lots, domain.Lot{Quantity: -remaining, UnitCost: price})
	}
}

// BuildPositions replays the ledger in trade-date order and returns open
// positions (net quantity > 0) keyed by symbol.
func BuildPositions(rows []domain.LedgerRow) map[string]*Position {
	sorted := append([]domain.LedgerRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TradeDate.Before(sorted[j].TradeDate)
	})

	positions := make(map[string]*Position)
	for _, row := range sorted {
		pos, ok := positions[row.Symbol]
		if !ok {
			pos = &Position{Symbol: row.Symbol}
			positions[row.Symbol] = pos
		}
		price := row.EffectivePrice
		if price <= 0 {
			price = row.UnitPrice
		}
		if row.Side == "BUY" {
			pos.buy(row.Quantity, price)
		} else {
			pos.sell(row.Quantity, price)
		}
	}

	for sym, pos := range positions {
		if pos.NetQuantity() <= 0 {
			delete(positions, sym)
		}
	}
	return positions
}

// EquityCurve replays the ledger against daily closes and returns the
// portfolio value per date from the first trade onwards. Dates before any
// position exists, and symbols with no close on a date, carry the last known
// price forward.
func EquityCurve(rows []domain.LedgerRow, dates []time.Time, closes map[string][]float64) []float64 {
	if len(rows) == 0 || len(dates) == 0 {
		return nil
	}
	sorted := append([]domain.LedgerRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TradeDate.Before(sorted[j].TradeDate)
	})

	qty := make(map[string]float64)
	lastPrice := make(map[string]float64)
	next := 0
	var curve []float64

	for d, date := range dates {
		for next < len(sorted) && !sorted[next].TradeDate.After(date) {
			row := sorted[next]
			if row.Side == "BUY" {
				qty[row.Symbol] += row.Quantity
			} else {
				qty[row.Symbol] -= row.Quantity
			}
			next++
		}
		if len(qty) == 0 {
			continue
		}

		value := 0.0
		for sym, q := range qty {
			if q == 0 {
				continue
			}
			if series, ok := closes[sym]; ok && d < len(series) && !isNaN(series[d]) {
				lastPrice[sym] = series[d]
			}
			value += q * lastPrice[sym]
		}
		curve = append(curve, value)
	}
	return curve
}

func isNaN(f float64) bool { return f != f }

// Package universe loads the candidate ticker lists (primary universe and
// benchmarks) from their CSV parameter files.
package universe

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
)

// Universe is the set of candidate securities for a run.
type Universe struct {
	Tickers []domain.Ticker
	bySym   map[string]domain.Ticker
}

// Load reads a tickers CSV (Ticker,Name,Sector,Industry,BrokerName; the
// BrokerName column is optional). '#' comment lines are skipped, as are rows
// whose Sector contains "Error" (failed enrichments from upstream tooling).
func Load(path string, log zerolog.Logger) (*Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("universe: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("universe: parse %s: %w", path, err)
	}

	u := &Universe{bySym: make(map[string]domain.Ticker)}
	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "Ticker") {
			continue // header
		}
		if len(rec) < 4 {
			log.Warn().Str("file", path).Int("row", i+1).Msg("Skipping short ticker row")
			continue
		}
		if strings.Contains(rec[2], "Error") {
			log.Debug().Str("ticker", rec[0]).Msg("Excluding ticker with errored sector")
			continue
		}
		t := domain.Ticker{
			Symbol:   strings.TrimSpace(rec[0]),
			Name:     strings.TrimSpace(rec[1]),
			Sector:   strings.TrimSpace(rec[2]),
			Industry: strings.TrimSpace(rec[3]),
		}
		if len(rec) > 4 {
			t.BrokerName = strings.TrimSpace(rec[4])
		}
		if t.Symbol == "" {
			continue
		}
		if _, dup := u.bySym[t.Symbol]; dup {
			continue // unique by symbol, first wins
		}
		u.bySym[t.Symbol] = t
		u.Tickers = append(u.Tickers, t)
	}

	return u, nil
}

// Get looks up a ticker by symbol.
func (u *Universe) Get(symbol string) (domain.Ticker, bool) {
	t, ok := u.bySym[symbol]
	return t, ok
}

// Symbols returns the symbols in file order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.Tickers))
	for i, t := range u.Tickers {
		out[i] = t.Symbol
	}
	return out
}

// SectorOf returns the sector for a symbol, or "" when unknown.
func (u *Universe) SectorOf(symbol string) string {
	return u.bySym[symbol].Sector
}

// SectorMap returns symbol -> sector for all members.
func (u *Universe) SectorMap() map[string]string {
	out := make(map[string]string, len(u.Tickers))
	for _, t := range u.Tickers {
		out[t.Symbol] = t.Sector
	}
	return out
}

// Merge returns the union of two universes, left side winning duplicates.
func Merge(a, b *Universe) *Universe {
	out := &Universe{bySym: make(map[string]domain.Ticker)}
	for _, t := range append(append([]domain.Ticker{}, a.Tickers...), b.Tickers...) {
		if _, dup := out.bySym[t.Symbol]; dup {
			continue
		}
		out.bySym[t.Symbol] = t
		out.Tickers = append(out.Tickers, t)
	}
	return out
}

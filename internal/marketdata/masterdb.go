// Package marketdata implements the consolidated price database, the
// financials snapshot store, and the wide close-price matrix the scoring and
// engine stages run on.
package marketdata

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/storage"
)

var masterHeader = []string{"Date", "Open", "High", "Low", "Close", "Volume", "Stock"}

// MasterDB is the consolidated OHLCV database: one CSV, one row per
// (ticker, date). Appended-to in practice, rewritten atomically after dedupe.
// Single writer per run; concurrent readers are safe after Load.
type MasterDB struct {
	path string
	log  zerolog.Logger

	mu    sync.RWMutex
	rows  []domain.PriceBar
	index map[string]map[string]struct{} // ticker -> set of date strings
}

// NewMasterDB creates a master DB backed by the CSV at path.
func NewMasterDB(path string, log zerolog.Logger) *MasterDB {
	return &MasterDB{
		path:  path,
		log:   log.With().Str("component", "masterdb").Logger(),
		index: make(map[string]map[string]struct{}),
	}
}

// Load reads the CSV into memory and builds the per-ticker date index.
// A missing file is an empty database.
func (m *MasterDB) Load() error {
	header, records, err := storage.ReadCSV(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = m.rows[:0]
	m.index = make(map[string]map[string]struct{})
	if len(records) == 0 {
		return nil
	}

	col := columnIndex(header)
	for i, rec := range records {
		bar, err := parseBar(rec, col)
		if err != nil {
			m.log.Warn().Err(err).Int("row", i+2).Msg("Skipping malformed master DB row")
			continue
		}
		m.rows = append(m.rows, bar)
		m.addToIndex(bar)
	}

	m.log.Debug().Int("rows", len(m.rows)).Int("tickers", len(m.index)).Msg("Master DB loaded")
	return nil
}

// ExistingDates returns the set of stored date strings for a ticker.
func (m *MasterDB) ExistingDates(ticker string) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.index[ticker]))
	for d := range m.index[ticker] {
		out[d] = struct{}{}
	}
	return out
}

// Len returns the number of stored bars.
func (m *MasterDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Rows returns a copy of all bars.
func (m *MasterDB) Rows() []domain.PriceBar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PriceBar, len(m.rows))
	copy(out, m.rows)
	return out
}

// Merge concatenates new bars with the stored ones, sorts by (ticker, date),
// drops duplicates on (ticker, date) keeping the later occurrence, and
// rewrites the CSV atomically. Returns the number of net-new (ticker, date)
// pairs.
func (m *MasterDB) Merge(newRows []domain.PriceBar) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := 0
	for _, dates := range m.index {
		before += len(dates)
	}

	combined := make([]domain.PriceBar, 0, len(m.rows)+len(newRows))
	combined = append(combined, m.rows...)
	combined = append(combined, newRows...)

	// Stable sort keeps write order within a (ticker, date) group, so
	// "keep last occurrence" below means last-writer-wins.
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].Symbol != combined[j].Symbol {
			return combined[i].Symbol < combined[j].Symbol
		}
		return combined[i].Date.Before(combined[j].Date)
	})

	deduped := make([]domain.PriceBar, 0, len(combined))
	for _, bar := range combined {
		n := len(deduped)
		if n > 0 && deduped[n-1].Symbol == bar.Symbol && deduped[n-1].Date.Equal(bar.Date) {
			deduped[n-1] = bar
			continue
		}
		deduped = append(deduped, bar)
	}

	m.rows = deduped
	m.index = make(map[string]map[string]struct{})
	for _, bar := range m.rows {
		m.addToIndex(bar)
	}

	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return len(m.rows) - before, nil
}

// CloseSeries returns the ascending (dates, closes) series for a ticker.
func (m *MasterDB) CloseSeries(ticker string) ([]time.Time, []float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var dates []time.Time
	var closes []float64
	for _, bar := range m.rows {
		if bar.Symbol == ticker {
			dates = append(dates, bar.Date)
			closes = append(closes, bar.Close)
		}
	}
	return dates, closes
}

func (m *MasterDB) addToIndex(bar domain.PriceBar) {
	dates, ok := m.index[bar.Symbol]
	if !ok {
		dates = make(map[string]struct{})
		m.index[bar.Symbol] = dates
	}
	dates[bar.Date.Format(domain.DateFormat)] = struct{}{}
}

func (m *MasterDB) persistLocked() error {
	records := make([][]string, 0, len(m.rows))
	for _, bar := range m.rows {
		records = append(records, []string{
			bar.Date.Format(domain.DateFormat),
			formatFloat(bar.Open),
			formatFloat(bar.High),
			formatFloat(bar.Low),
			formatFloat(bar.Close),
			formatFloat(bar.Volume),
			bar.Symbol,
		})
	}
	return storage.WriteCSVAtomic(m.path, masterHeader, records)
}

type barColumns struct {
	date, open, high, low, close, volume, stock int
}

func columnIndex(header []string) barColumns {
	col := barColumns{date: 0, open: 1, high: 2, low: 3, close: 4, volume: 5, stock: 6}
	for i, name := range header {
		switch name {
		case "Date":
			col.date = i
		case "Open":
			col.open = i
		case "High":
			col.high = i
		case "Low":
			col.low = i
		case "Close":
			col.close = i
		case "Volume":
			col.volume = i
		case "Stock":
			col.stock = i
		}
	}
	return col
}

func parseBar(rec []string, col barColumns) (domain.PriceBar, error) {
	if len(rec) < 7 {
		return domain.PriceBar{}, fmt.Errorf("expected 7 columns, got %d", len(rec))
	}
	// Dates may carry a timestamp suffix from older writers; keep the date part.
	dateStr := rec[col.date]
	if len(dateStr) > 10 {
		dateStr = dateStr[:10]
	}
	date, err := time.Parse(domain.DateFormat, dateStr)
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad date %q: %w", rec[col.date], err)
	}

	parse := func(s string) float64 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}

	bar := domain.PriceBar{
		Symbol: rec[col.stock],
		Date:   date,
		Open:   parse(rec[col.open]),
		High:   parse(rec[col.high]),
		Low:    parse(rec[col.low]),
		Close:  parse(rec[col.close]),
		Volume: parse(rec[col.volume]),
	}
	if bar.Symbol == "" {
		return domain.PriceBar{}, fmt.Errorf("empty ticker")
	}
	if bar.Close < 0 {
		return domain.PriceBar{}, fmt.Errorf("negative close %f for %s", bar.Close, bar.Symbol)
	}
	return bar, nil
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

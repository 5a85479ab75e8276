package marketdata

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/storage"
)

var financialsHeader = []string{
	"Stock", "forwardPE", "forwardEPS", "dividendYield", "averageVolume",
	"targetMeanPrice", "currentPrice", "LastUpdated",
}

// FinancialsDB stores the most recent fundamental snapshot per ticker.
// Duplicate (Stock, fetch-date) pairs keep the latest-written row.
type FinancialsDB struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	rows []domain.Financials
}

// NewFinancialsDB creates a financials store backed by the CSV at path.
func NewFinancialsDB(path string, log zerolog.Logger) *FinancialsDB {
	return &FinancialsDB{
		path: path,
		log:  log.With().Str("component", "financials").Logger(),
	}
}

// Load reads the CSV; a missing file is an empty store.
func (f *FinancialsDB) Load() error {
	_, records, err := storage.ReadCSV(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = f.rows[:0]
	for i, rec := range records {
		if len(rec) < 8 {
			f.log.Warn().Int("row", i+2).Msg("Skipping malformed financials row")
			continue
		}
		updated, err := time.Parse(time.RFC3339, rec[7])
		if err != nil {
			// Older writers stored a plain date.
			if updated, err = time.Parse(domain.DateFormat, rec[7]); err != nil {
				f.log.Warn().Int("row", i+2).Str("value", rec[7]).Msg("Skipping financials row with bad timestamp")
				continue
			}
		}
		f.rows = append(f.rows, domain.Financials{
			Symbol:          rec[0],
			ForwardPE:       parseFloatOrZero(rec[1]),
			ForwardEPS:      parseFloatOrZero(rec[2]),
			DividendYield:   parseFloatOrZero(rec[3]),
			AverageVolume:   parseFloatOrZero(rec[4]),
			TargetMeanPrice: parseFloatOrZero(rec[5]),
			CurrentPrice:    parseFloatOrZero(rec[6]),
			LastUpdated:     updated,
		})
	}
	return nil
}

// Latest returns the most recent snapshot per ticker.
func (f *FinancialsDB) Latest() map[string]domain.Financials {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]domain.Financials)
	for _, row := range f.rows {
		if prev, ok := out[row.Symbol]; !ok || row.LastUpdated.After(prev.LastUpdated) {
			out[row.Symbol] = row
		}
	}
	return out
}

// Merge appends new snapshots, deduplicates on (Stock, fetch-date) keeping
// the latest written, and rewrites the CSV atomically.
func (f *FinancialsDB) Merge(newRows []domain.Financials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	type key struct {
		symbol string
		day    string
	}
	seen := make(map[key]int)
	var deduped []domain.Financials
	for _, row := range append(append([]domain.Financials{}, f.rows...), newRows...) {
		k := key{row.Symbol, row.LastUpdated.Format(domain.DateFormat)}
		if idx, ok := seen[k]; ok {
			deduped[idx] = row
			continue
		}
		seen[k] = len(deduped)
		deduped = append(deduped, row)
	}
	f.rows = deduped

	records := make([][]string, 0, len(f.rows))
	for _, row := range f.rows {
		records = append(records, []string{
			row.Symbol,
			formatFloat(row.ForwardPE),
			formatFloat(row.ForwardEPS),
			formatFloat(row.DividendYield),
			formatFloat(row.AverageVolume),
			formatFloat(row.TargetMeanPrice),
			formatFloat(row.CurrentPrice),
			row.LastUpdated.Format(time.RFC3339),
		})
	}
	return storage.WriteCSVAtomic(f.path, financialsHeader, records)
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

package marketdata

import (
	"math"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/storage"
)

// CloseMatrix is the wide daily-close view of the master DB: one row per
// date, one column per ticker, NaN where a ticker has no bar.
type CloseMatrix struct {
	Dates   []string    `msgpack:"dates"` // ISO dates, ascending
	Tickers []string    `msgpack:"tickers"`
	Close   [][]float64 `msgpack:"close"` // [date][ticker]
}

// matrixCache is the msgpack envelope persisted between runs, keyed by the
// master DB's modification time and row count.
type matrixCache struct {
	SourceModTime int64       `msgpack:"source_mod_time"`
	SourceRows    int         `msgpack:"source_rows"`
	Matrix        CloseMatrix `msgpack:"matrix"`
}

// Column returns the close series of one ticker, or nil if absent.
func (cm *CloseMatrix) Column(ticker string) []float64 {
	for j, t := range cm.Tickers {
		if t == ticker {
			out := make([]float64, len(cm.Dates))
			for i := range cm.Dates {
				out[i] = cm.Close[i][j]
			}
			return out
		}
	}
	return nil
}

// Restrict returns a new matrix containing only the requested tickers (those
// actually present), preserving date order.
func (cm *CloseMatrix) Restrict(tickers []string) *CloseMatrix {
	want := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		want[t] = struct{}{}
	}
	var cols []int
	var kept []string
	for j, t := range cm.Tickers {
		if _, ok := want[t]; ok {
			cols = append(cols, j)
			kept = append(kept, t)
		}
	}

	out := &CloseMatrix{Dates: cm.Dates, Tickers: kept}
	out.Close = make([][]float64, len(cm.Dates))
	for i := range cm.Dates {
		row := make([]float64, len(cols))
		for jj, j := range cols {
			row[jj] = cm.Close[i][j]
		}
		out.Close[i] = row
	}
	return out
}

// DailyReturns computes per-ticker simple daily returns, dropping leading
// NaN runs per column. Rows where every column is NaN are dropped first.
// The result is [date][ticker] aligned with ret.Dates[1:].
func (cm *CloseMatrix) DailyReturns() ([][]float64, []string) {
	kept := cm.dropAllNaNRows()
	if len(kept.Dates) < 2 {
		return nil, nil
	}
	n := len(kept.Tickers)
	out := make([][]float64, len(kept.Dates)-1)
	for i := 1; i < len(kept.Dates); i++ {
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			prev, cur := kept.Close[i-1][j], kept.Close[i][j]
			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				row[j] = math.NaN()
				continue
			}
			row[j] = cur/prev - 1
		}
		out[i-1] = row
	}
	return out, kept.Dates[1:]
}

// CompleteRows returns a matrix keeping only dates where every ticker has a
// close. Used when series must be aligned on a common index.
func (cm *CloseMatrix) CompleteRows() *CloseMatrix {
	out := &CloseMatrix{Tickers: cm.Tickers}
	for i, row := range cm.Close {
		complete := true
		for _, v := range row {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			out.Dates = append(out.Dates, cm.Dates[i])
			out.Close = append(out.Close, row)
		}
	}
	return out
}

func (cm *CloseMatrix) dropAllNaNRows() *CloseMatrix {
	out := &CloseMatrix{Tickers: cm.Tickers}
	for i, row := range cm.Close {
		allNaN := true
		for _, v := range row {
			if !math.IsNaN(v) {
				allNaN = false
				break
			}
		}
		if !allNaN {
			out.Dates = append(out.Dates, cm.Dates[i])
			out.Close = append(out.Close, row)
		}
	}
	return out
}

// BuildCloseMatrix pivots the master DB to the wide close matrix, reusing
// the msgpack cache at cachePath when the master DB is unchanged since the
// cache was written. An empty cachePath disables caching.
func BuildCloseMatrix(db *MasterDB, dbPath, cachePath string, log zerolog.Logger) (*CloseMatrix, error) {
	modTime := int64(0)
	if info, err := os.Stat(dbPath); err == nil {
		modTime = info.ModTime().Unix()
	}

	if cachePath != "" {
		if data, err := os.ReadFile(cachePath); err == nil {
			var cached matrixCache
			if err := msgpack.Unmarshal(data, &cached); err == nil &&
				cached.SourceModTime == modTime && cached.SourceRows == db.Len() {
				log.Debug().Str("cache", cachePath).Msg("Close matrix cache hit")
				return &cached.Matrix, nil
			}
		}
	}

	matrix := pivot(db.Rows())

	if cachePath != "" {
		data, err := msgpack.Marshal(&matrixCache{
			SourceModTime: modTime,
			SourceRows:    db.Len(),
			Matrix:        *matrix,
		})
		if err == nil {
			if err := storage.WriteFileAtomic(cachePath, data); err != nil {
				log.Warn().Err(err).Msg("Failed to persist close matrix cache")
			}
		}
	}

	return matrix, nil
}

func pivot(rows []domain.PriceBar) *CloseMatrix {
	dateSet := make(map[string]struct{})
	tickerSet := make(map[string]struct{})
	for _, bar := range rows {
		dateSet[bar.Date.Format(domain.DateFormat)] = struct{}{}
		tickerSet[bar.Symbol] = struct{}{}
	}

	cm := &CloseMatrix{
		Dates:   sortedKeys(dateSet),
		Tickers: sortedKeys(tickerSet),
	}

	dateIdx := make(map[string]int, len(cm.Dates))
	for i, d := range cm.Dates {
		dateIdx[d] = i
	}
	tickerIdx := make(map[string]int, len(cm.Tickers))
	for j, t := range cm.Tickers {
		tickerIdx[t] = j
	}

	cm.Close = make([][]float64, len(cm.Dates))
	for i := range cm.Close {
		row := make([]float64, len(cm.Tickers))
		for j := range row {
			row[j] = math.NaN()
		}
		cm.Close[i] = row
	}
	for _, bar := range rows {
		i := dateIdx[bar.Date.Format(domain.DateFormat)]
		j := tickerIdx[bar.Symbol]
		cm.Close[i][j] = bar.Close
	}
	return cm
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseDates converts the matrix's ISO date strings to times.
func ParseDates(dates []string) []time.Time {
	out := make([]time.Time, len(dates))
	for i, d := range dates {
		out[i], _ = time.Parse(domain.DateFormat, d)
	}
	return out
}

// Package downloader brings the master price DB up to date through the
// previous business day, fetching only the trading days each ticker is
// missing and recording permanently invalid tickers and empty provider
// responses in the skip store.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rfmelo/carteira/internal/calendar"
	"github.com/rfmelo/carteira/internal/clients/yahoo"
	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/progress"
	"github.com/rfmelo/carteira/internal/skipstore"
	"github.com/rfmelo/carteira/internal/storage"
	"github.com/rfmelo/carteira/internal/universe"
)

// Provider is the market-data dependency. Satisfied by *yahoo.Client.
type Provider interface {
	GetQuoteInfo(ctx context.Context, symbol string) (*yahoo.QuoteInfo, error)
	GetDailyHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.PriceBar, error)
}

// StorageMode selects where per-ticker rows land.
type StorageMode string

const (
	// StorageDirect accumulates rows in memory and merges once after all
	// tickers finish. The default.
	StorageDirect StorageMode = "direct"
	// StorageLegacy additionally writes one CSV per (ticker, date), matching
	// the layout older tooling scans.
	StorageLegacy StorageMode = "legacy"
)

// Config holds the downloader knobs.
type Config struct {
	HistoryYears int
	Parallelism  int
	Mode         StorageMode
	LegacyDir    string // FINDATA_PATH, used in legacy mode
	Now          time.Time
}

// Stats summarizes one downloader run.
type Stats struct {
	Tickers       int
	NewBars       int
	MarkedAll     int
	DatesSkipped  int
	ProviderFails int
}

// Downloader executes the incremental download stage.
type Downloader struct {
	cfg      Config
	cal      *calendar.Calendar
	skips    *skipstore.Store
	master   *marketdata.MasterDB
	fin      *marketdata.FinancialsDB
	provider Provider
	tracker  *progress.Tracker
	log      zerolog.Logger
}

// New wires a downloader.
func New(cfg Config, cal *calendar.Calendar, skips *skipstore.Store, master *marketdata.MasterDB,
	fin *marketdata.FinancialsDB, provider Provider, tracker *progress.Tracker, log zerolog.Logger) *Downloader {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = StorageDirect
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	return &Downloader{
		cfg:      cfg,
		cal:      cal,
		skips:    skips,
		master:   master,
		fin:      fin,
		provider: provider,
		tracker:  tracker,
		log:      log.With().Str("component", "downloader").Logger(),
	}
}

// tickerOutcome carries one worker's results back to the single writer.
type tickerOutcome struct {
	symbol    string
	bars      []domain.PriceBar
	financial *domain.Financials
	skipDates []string
	markAll   bool
	failed    bool
}

// Run processes the union of primary tickers and benchmarks. Per-ticker work
// runs on a bounded pool (Parallelism=1 is the serial degenerate case); all
// skip-store and master-DB writes happen after the pool joins, in ticker
// order, so both stores see a single writer.
func (d *Downloader) Run(ctx context.Context, primary, benchmarks *universe.Universe) (Stats, error) {
	tickers := universe.Merge(primary, benchmarks).Symbols()
	windowEnd := d.cal.PreviousBusinessDay(d.cfg.Now)
	windowStart := windowEnd.AddDate(-d.cfg.HistoryYears, 0, 0)

	d.tracker.Start(fmt.Sprintf("Downloading %d tickers", len(tickers)))
	d.log.Info().
		Int("tickers", len(tickers)).
		Str("window_start", windowStart.Format(domain.DateFormat)).
		Str("window_end", windowEnd.Format(domain.DateFormat)).
		Int("parallelism", d.cfg.Parallelism).
		Msg("Starting download stage")

	outcomes := make([]*tickerOutcome, len(tickers))
	var done int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	for i, symbol := range tickers {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = d.processTicker(gctx, symbol, windowStart, windowEnd)
			mu.Lock()
			done++
			cur := done
			mu.Unlock()
			d.tracker.Milestone("fetch", cur, len(tickers))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.tracker.Fail(fmt.Sprintf("Download interrupted: %v", err))
		return Stats{}, err
	}

	stats, err := d.applyOutcomes(outcomes)
	if err != nil {
		d.tracker.Fail(fmt.Sprintf("Failed to persist download results: %v", err))
		return stats, err
	}
	stats.Tickers = len(tickers)

	d.tracker.Complete("Download completed", map[string]any{
		"tickers":        stats.Tickers,
		"new_bars":       stats.NewBars,
		"marked_all":     stats.MarkedAll,
		"dates_skipped":  stats.DatesSkipped,
		"provider_fails": stats.ProviderFails,
	})
	return stats, nil
}

// processTicker performs the provider I/O for one ticker. It never touches
// shared stores; everything it learns travels in the outcome.
func (d *Downloader) processTicker(ctx context.Context, symbol string, windowStart, windowEnd time.Time) *tickerOutcome {
	out := &tickerOutcome{symbol: symbol}
	log := d.log.With().Str("ticker", symbol).Logger()

	if d.skips.IsAllSkipped(symbol) {
		log.Debug().Msg("Permanently skipped, no provider calls")
		return out
	}

	meta, metaErr := d.provider.GetQuoteInfo(ctx, symbol)
	if errors.Is(metaErr, yahoo.ErrNotFound) {
		log.Warn().Msg("Provider does not know ticker, marking permanently skipped")
		out.markAll = true
		return out
	}
	if metaErr != nil {
		log.Warn().Err(metaErr).Msg("Metadata fetch failed, will rely on history")
		out.failed = true
	} else if meta != nil {
		out.financial = &domain.Financials{
			Symbol:          symbol,
			ForwardPE:       meta.ForwardPE,
			ForwardEPS:      meta.ForwardEPS,
			DividendYield:   meta.DividendYield,
			AverageVolume:   meta.AverageVolume,
			TargetMeanPrice: meta.TargetMeanPrice,
			CurrentPrice:    meta.CurrentPrice,
			LastUpdated:     d.cfg.Now.UTC(),
		}
	}

	missing := d.missingDates(symbol, windowStart, windowEnd)
	if len(missing) == 0 {
		log.Debug().Msg("Up to date, nothing to fetch")
		return out
	}

	first, _ := time.Parse(domain.DateFormat, missing[0])
	last, _ := time.Parse(domain.DateFormat, missing[len(missing)-1])
	bars, err := d.provider.GetDailyHistory(ctx, symbol, first, last.AddDate(0, 0, 1))
	if errors.Is(err, yahoo.ErrNotFound) {
		if metaErr != nil {
			log.Warn().Msg("No metadata and no history, marking permanently skipped")
			out.markAll = true
		}
		return out
	}
	if err != nil {
		// Transient provider failure: logged, no skip-store change, ticker
		// retried next run.
		log.Warn().Err(err).Msg("History fetch failed, skipping ticker this run")
		out.failed = true
		return out
	}

	missingSet := make(map[string]struct{}, len(missing))
	for _, date := range missing {
		missingSet[date] = struct{}{}
	}

	returned := make(map[string]struct{}, len(bars))
	for _, bar := range bars {
		date := bar.Date.Format(domain.DateFormat)
		returned[date] = struct{}{}
		if _, wanted := missingSet[date]; wanted && d.cal.IsBusinessDay(bar.Date) {
			out.bars = append(out.bars, bar)
		}
	}

	// Any requested date the provider did not return is recorded so it is
	// never asked for again.
	for _, date := range missing {
		if _, ok := returned[date]; !ok {
			out.skipDates = append(out.skipDates, date)
		}
	}

	if metaErr != nil && len(out.bars) == 0 {
		log.Warn().Msg("No metadata and all requested dates failed, marking permanently skipped")
		out.markAll = true
		out.skipDates = nil
	}

	log.Debug().
		Int("missing", len(missing)).
		Int("fetched", len(out.bars)).
		Int("empty_dates", len(out.skipDates)).
		Msg("Ticker processed")
	return out
}

// missingDates computes business days in the history window that are neither
// stored nor already known-empty, ascending.
func (d *Downloader) missingDates(symbol string, windowStart, windowEnd time.Time) []string {
	existing := d.master.ExistingDates(symbol)
	if d.cfg.Mode == StorageLegacy {
		for date := range d.legacyExistingDates(symbol) {
			existing[date] = struct{}{}
		}
	}

	skipped := make(map[string]struct{})
	for _, s := range d.skips.Get(symbol) {
		skipped[s] = struct{}{}
	}

	var missing []string
	for _, day := range d.cal.BusinessDays(windowStart, windowEnd) {
		date := day.Format(domain.DateFormat)
		if _, ok := existing[date]; ok {
			continue
		}
		if _, ok := skipped[date]; ok {
			continue
		}
		missing = append(missing, date)
	}
	sort.Strings(missing)
	return missing
}

// legacyExistingDates scans the legacy per-ticker-per-day CSV layout.
func (d *Downloader) legacyExistingDates(symbol string) map[string]struct{} {
	out := make(map[string]struct{})
	if d.cfg.LegacyDir == "" {
		return out
	}
	matches, err := filepath.Glob(filepath.Join(d.cfg.LegacyDir, symbol+"_*.csv"))
	if err != nil {
		return out
	}
	for _, m := range matches {
		base := filepath.Base(m)
		// <symbol>_<YYYY-MM-DD>.csv
		if len(base) >= len(symbol)+15 {
			out[base[len(symbol)+1:len(symbol)+11]] = struct{}{}
		}
	}
	return out
}

// applyOutcomes is the single-writer phase: skip-store updates in ticker
// order, then one master-DB merge, then one financials merge.
func (d *Downloader) applyOutcomes(outcomes []*tickerOutcome) (Stats, error) {
	var stats Stats
	var newBars []domain.PriceBar
	var newFinancials []domain.Financials

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		if out.failed {
			stats.ProviderFails++
		}
		if out.markAll {
			if err := d.skips.MarkAll(out.symbol); err != nil {
				return stats, err
			}
			stats.MarkedAll++
			continue
		}
		if len(out.skipDates) > 0 {
			if err := d.skips.AddDates(out.symbol, out.skipDates); err != nil {
				return stats, err
			}
			stats.DatesSkipped += len(out.skipDates)
		}
		if out.financial != nil {
			newFinancials = append(newFinancials, *out.financial)
		}
		newBars = append(newBars, out.bars...)
	}

	if d.cfg.Mode == StorageLegacy {
		if err := d.writeLegacy(newBars); err != nil {
			return stats, err
		}
	}

	added, err := d.master.Merge(newBars)
	if err != nil {
		return stats, fmt.Errorf("downloader: master merge: %w", err)
	}
	stats.NewBars = added

	if len(newFinancials) > 0 {
		if err := d.fin.Merge(newFinancials); err != nil {
			return stats, fmt.Errorf("downloader: financials merge: %w", err)
		}
	}

	return stats, nil
}

func (d *Downloader) writeLegacy(bars []domain.PriceBar) error {
	header := []string{"Date", "Open", "High", "Low", "Close", "Volume", "Stock"}
	for _, bar := range bars {
		date := bar.Date.Format(domain.DateFormat)
		path := filepath.Join(d.cfg.LegacyDir, bar.Symbol+"_"+date+".csv")
		row := []string{
			date,
			strconv.FormatFloat(bar.Open, 'f', -1, 64),
			strconv.FormatFloat(bar.High, 'f', -1, 64),
			strconv.FormatFloat(bar.Low, 'f', -1, 64),
			strconv.FormatFloat(bar.Close, 'f', -1, 64),
			strconv.FormatFloat(bar.Volume, 'f', -1, 64),
			bar.Symbol,
		}
		if err := storage.WriteCSVAtomic(path, header, [][]string{row}); err != nil {
			return err
		}
	}
	return nil
}

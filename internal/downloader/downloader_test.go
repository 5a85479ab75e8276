package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmelo/carteira/internal/calendar"
	"github.com/rfmelo/carteira/internal/clients/yahoo"
	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/progress"
	"github.com/rfmelo/carteira/internal/skipstore"
	"github.com/rfmelo/carteira/internal/universe"
)

// fakeProvider serves canned per-symbol responses.
type fakeProvider struct {
	quotes       map[string]*yahoo.QuoteInfo
	quoteErrs    map[string]error
	history      map[string][]domain.PriceBar
	historyErrs  map[string]error
	historyCalls map[string]int
}

func (f *fakeProvider) GetQuoteInfo(_ context.Context, symbol string) (*yahoo.QuoteInfo, error) {
	if err, ok := f.quoteErrs[symbol]; ok {
		return nil, err
	}
	if q, ok := f.quotes[symbol]; ok {
		return q, nil
	}
	return nil, yahoo.ErrNotFound
}

func (f *fakeProvider) GetDailyHistory(_ context.Context, symbol string, _, _ time.Time) ([]domain.PriceBar, error) {
	if f.historyCalls == nil {
		f.historyCalls = make(map[string]int)
	}
	f.historyCalls[symbol]++
	if err, ok := f.historyErrs[symbol]; ok {
		return nil, err
	}
	return f.history[symbol], nil
}

type fixture struct {
	dir      string
	cal      *calendar.Calendar
	skips    *skipstore.Store
	master   *marketdata.MasterDB
	fin      *marketdata.FinancialsDB
	primary  *universe.Universe
	empty    *universe.Universe
	now      time.Time
	lastDate string
}

func newFixture(t *testing.T, symbols []string) *fixture {
	t.Helper()
	dir := t.TempDir()

	cal, err := calendar.New(nil)
	require.NoError(t, err)

	skips := skipstore.New(filepath.Join(dir, "skipped.json"), "", zerolog.Nop())
	require.NoError(t, skips.Load())

	master := marketdata.NewMasterDB(filepath.Join(dir, "findb.csv"), zerolog.Nop())
	require.NoError(t, master.Load())

	fin := marketdata.NewFinancialsDB(filepath.Join(dir, "financials.csv"), zerolog.Nop())
	require.NoError(t, fin.Load())

	content := "Ticker,Name,Sector,Industry\n"
	for _, sym := range symbols {
		content += fmt.Sprintf("%s,%s,sector,industry\n", sym, sym)
	}
	tickersPath := filepath.Join(dir, "tickers.csv")
	require.NoError(t, os.WriteFile(tickersPath, []byte(content), 0o644))
	primary, err := universe.Load(tickersPath, zerolog.Nop())
	require.NoError(t, err)

	benchPath := filepath.Join(dir, "benchmarks.csv")
	require.NoError(t, os.WriteFile(benchPath, []byte("Ticker,Name,Sector,Industry\n"), 0o644))
	empty, err := universe.Load(benchPath, zerolog.Nop())
	require.NoError(t, err)

	// Wednesday; the previous business day is Tuesday 2025-08-19.
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	return &fixture{
		dir: dir, cal: cal, skips: skips, master: master, fin: fin,
		primary: primary, empty: empty, now: now, lastDate: "2025-08-19",
	}
}

func (fx *fixture) downloader(provider Provider) *Downloader {
	cfg := Config{HistoryYears: 0, Parallelism: 2, Now: fx.now}
	tracker := progress.NewTracker("download", "", "", zerolog.Nop())
	return New(cfg, fx.cal, fx.skips, fx.master, fx.fin, provider, tracker, zerolog.Nop())
}

func tradingBar(sym, date string, close float64) domain.PriceBar {
	d, _ := time.Parse(domain.DateFormat, date)
	return domain.PriceBar{Symbol: sym, Date: d, Open: close, High: close, Low: close, Close: close, Volume: 100}
}

func TestRunFetchesMissingDates(t *testing.T) {
	fx := newFixture(t, []string{"VALE3.SA"})
	provider := &fakeProvider{
		quotes: map[string]*yahoo.QuoteInfo{
			"VALE3.SA": {Symbol: "VALE3.SA", ForwardPE: 6.5, CurrentPrice: 60, TargetMeanPrice: 75},
		},
		history: map[string][]domain.PriceBar{
			"VALE3.SA": {tradingBar("VALE3.SA", fx.lastDate, 60.5)},
		},
	}

	stats, err := fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Tickers)
	assert.Equal(t, 1, stats.NewBars)
	assert.Equal(t, 0, stats.MarkedAll)
	assert.Equal(t, 0, stats.ProviderFails)

	dates := fx.master.ExistingDates("VALE3.SA")
	assert.Contains(t, dates, fx.lastDate)

	latest := fx.fin.Latest()
	require.Contains(t, latest, "VALE3.SA")
	assert.Equal(t, 6.5, latest["VALE3.SA"].ForwardPE)
}

func TestRunMarksDelistedPermanently(t *testing.T) {
	fx := newFixture(t, []string{"DEAD3.SA"})
	provider := &fakeProvider{} // knows nothing: ErrNotFound on metadata

	stats, err := fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MarkedAll)
	assert.True(t, fx.skips.IsAllSkipped("DEAD3.SA"))

	// Second run makes no provider calls for the skipped ticker.
	stats, err = fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MarkedAll)
	assert.Zero(t, provider.historyCalls["DEAD3.SA"])
}

func TestRunRecordsEmptyDatesAsSkipped(t *testing.T) {
	fx := newFixture(t, []string{"THIN3.SA"})
	provider := &fakeProvider{
		quotes: map[string]*yahoo.QuoteInfo{
			"THIN3.SA": {Symbol: "THIN3.SA", CurrentPrice: 10},
		},
		history: map[string][]domain.PriceBar{}, // successful but empty
	}

	stats, err := fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DatesSkipped)
	assert.Contains(t, fx.skips.Get("THIN3.SA"), fx.lastDate)

	// The empty date is never requested again.
	calls := provider.historyCalls["THIN3.SA"]
	_, err = fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)
	assert.Equal(t, calls, provider.historyCalls["THIN3.SA"])
}

func TestRunTransientFailureLeavesNoTrace(t *testing.T) {
	fx := newFixture(t, []string{"FLAK3.SA"})
	provider := &fakeProvider{
		quotes: map[string]*yahoo.QuoteInfo{
			"FLAK3.SA": {Symbol: "FLAK3.SA", CurrentPrice: 10},
		},
		historyErrs: map[string]error{
			"FLAK3.SA": fmt.Errorf("rate limited"),
		},
	}

	stats, err := fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProviderFails)
	assert.Equal(t, 0, stats.NewBars)
	// No skip-store entry: the ticker is retried next run.
	assert.Empty(t, fx.skips.Get("FLAK3.SA"))
	assert.False(t, fx.skips.IsAllSkipped("FLAK3.SA"))
}

func TestRunUpToDateMakesNoHistoryCalls(t *testing.T) {
	fx := newFixture(t, []string{"FULL3.SA"})
	_, err := fx.master.Merge([]domain.PriceBar{tradingBar("FULL3.SA", fx.lastDate, 30)})
	require.NoError(t, err)

	provider := &fakeProvider{
		quotes: map[string]*yahoo.QuoteInfo{
			"FULL3.SA": {Symbol: "FULL3.SA", CurrentPrice: 30},
		},
	}

	stats, err := fx.downloader(provider).Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewBars)
	assert.Zero(t, provider.historyCalls["FULL3.SA"])
}

func TestRunLegacyModeWritesPerDayFiles(t *testing.T) {
	fx := newFixture(t, []string{"VALE3.SA"})
	legacyDir := filepath.Join(fx.dir, "findata")
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))

	provider := &fakeProvider{
		quotes: map[string]*yahoo.QuoteInfo{
			"VALE3.SA": {Symbol: "VALE3.SA", CurrentPrice: 60},
		},
		history: map[string][]domain.PriceBar{
			"VALE3.SA": {tradingBar("VALE3.SA", fx.lastDate, 60.5)},
		},
	}

	cfg := Config{HistoryYears: 0, Parallelism: 1, Mode: StorageLegacy, LegacyDir: legacyDir, Now: fx.now}
	tracker := progress.NewTracker("download", "", "", zerolog.Nop())
	d := New(cfg, fx.cal, fx.skips, fx.master, fx.fin, provider, tracker, zerolog.Nop())

	_, err := d.Run(context.Background(), fx.primary, fx.empty)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(legacyDir, "VALE3.SA_"+fx.lastDate+".csv"))
	assert.NoError(t, err)
}

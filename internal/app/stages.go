package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rfmelo/carteira/internal/backtest"
	"github.com/rfmelo/carteira/internal/calendar"
	"github.com/rfmelo/carteira/internal/clients/bucket"
	"github.com/rfmelo/carteira/internal/clients/yahoo"
	"github.com/rfmelo/carteira/internal/domain"
	"github.com/rfmelo/carteira/internal/downloader"
	"github.com/rfmelo/carteira/internal/engine"
	"github.com/rfmelo/carteira/internal/marketdata"
	"github.com/rfmelo/carteira/internal/optimizer"
	"github.com/rfmelo/carteira/internal/scoring"
	"github.com/rfmelo/carteira/internal/skipstore"
	"github.com/rfmelo/carteira/internal/universe"
)

// correlationTopN is how many top scored stocks enter the correlation matrix
// artifact.
const correlationTopN = 20

// Download runs the incremental price and financials update.
func (a *App) Download(ctx context.Context) error {
	tracker := a.tracker("download", "DOWNLOAD_PROGRESS_JSON_FILE")
	timer := a.timer("download", "DOWNLOAD_PERFORMANCE_FILE")

	cal, err := calendar.New(a.Params.List("SPECIAL_MARKET_CLOSURES"))
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	primary, err := universe.Load(a.Params.Path("TICKERS_FILE"), a.Log)
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	benchmarks, err := universe.Load(a.Params.Path("BENCHMARKS_FILE"), a.Log)
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	master, fin, err := a.loadStores()
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	skips := a.skipStore()
	if err := skips.Load(); err != nil {
		tracker.Fail(err.Error())
		return err
	}

	timeout := time.Duration(a.Params.IntDefault("provider_timeout_sec", 30)) * time.Second
	provider := yahoo.NewClient(timeout, a.Log)

	dl := downloader.New(downloader.Config{
		HistoryYears: a.Params.Int("history_years"),
		Parallelism:  a.Params.IntDefault("download_parallelism", 4),
		Mode:         downloader.StorageMode(a.Params.StrDefault("storage_mode", string(downloader.StorageDirect))),
		LegacyDir:    a.Params.Path("FINDATA_PATH"),
		Now:          a.Timestamp,
	}, cal, skips, master, fin, provider, tracker, a.Log)

	stats, err := dl.Run(ctx, primary, benchmarks)
	timer.Stop(stats.Tickers)
	return err
}

// Score runs the composite scoring stage and writes its three artifacts.
func (a *App) Score(ctx context.Context) error {
	tracker := a.tracker("score", "SCORE_PROGRESS_JSON_FILE")
	timer := a.timer("score", "SCORE_PERFORMANCE_FILE")
	tracker.Start("Scoring candidate stocks")

	uni, matrix, fin, err := a.loadMarketView()
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	profile, err := scoring.LoadProfile(a.Params.StrDefault("risk_profile", "moderado"), a.Params)
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	detector := scoring.NewRegimeDetector(a.regimeConfig(), a.Log)
	scorer := scoring.New(scoring.Config{
		RunID:           a.RunID,
		Timestamp:       a.Timestamp,
		RiskFreeRate:    a.Params.Float("risk_free_rate"),
		MomentumEnabled: a.Params.BoolDefault("momentum_enabled", true),
		MomentumDays:    a.Params.IntDefault("momentum_days", 126),
		DynamicWeights:  a.Params.Bool("dynamic_weights"),
		BaseWeights: scoring.Weights{
			Sharpe:   a.Params.FloatDefault("sharpe_weight", 0.4),
			Upside:   a.Params.FloatDefault("upside_weight", 0.35),
			Momentum: a.Params.FloatDefault("momentum_weight", 0.25),
		},
		Profile:         profile,
		ProfileStrength: a.Params.FloatDefault("profile_strength", 1.0),
	}, detector, a.Log)

	result, err := scorer.Score(matrix, uni, fin)
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	if err := scoring.AppendScoredStocks(a.Params.Path("SCORED_STOCKS_DB_FILE"), result.Rows); err != nil {
		tracker.Fail(err.Error())
		return err
	}
	if err := scoring.AppendSectorPE(a.Params.Path("SECTOR_PE_DB_FILE"), a.RunID, a.Timestamp, result.SectorPE); err != nil {
		tracker.Fail(err.Error())
		return err
	}
	if err := scoring.WriteCorrelationMatrix(a.Params.Path("CORRELATION_MATRIX_FILE"), result.Rows, matrix, correlationTopN); err != nil {
		tracker.Fail(err.Error())
		return err
	}

	timer.Stop(len(result.Rows))
	tracker.Complete("Scoring completed", map[string]any{
		"scored": len(result.Rows),
		"regime": string(result.Regime.Regime),
	})
	return nil
}

// Portfolio runs the search engine over the latest scored stocks and writes
// the result row plus the latest-run summary.
func (a *App) Portfolio(ctx context.Context) error {
	tracker := a.tracker("portfolio", "PORTFOLIO_PROGRESS_JSON_FILE")
	timer := a.timer("portfolio", "PORTFOLIO_PERFORMANCE_FILE")

	uni, matrix, fin, err := a.loadMarketView()
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	scored, err := scoring.ReadLatestScored(a.Params.Path("SCORED_STOCKS_DB_FILE"))
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	if len(scored) == 0 {
		err := fmt.Errorf("app: no scored stocks available, run score first")
		tracker.Fail(err.Error())
		return err
	}

	eng := engine.New(a.engineConfig(), tracker, a.Log)
	result, err := eng.Run(ctx, scored, matrix, uni.SectorMap())
	if err != nil {
		return err
	}

	if err := engine.AppendPortfolioResult(a.Params.Path("PORTFOLIO_RESULTS_DB_FILE"), result); err != nil {
		return err
	}

	summaryPath := a.Params.Path("LATEST_RUN_SUMMARY_FILE")
	summary := engine.BuildSummary(result, scored, fin, uni.SectorMap(), a.Params.FloatDefault("initial_investment", 10000))
	if err := engine.WriteSummary(summaryPath, a.webMirror(summaryPath), summary); err != nil {
		return err
	}

	timer.Stop(result.SubsetsSearched)
	return nil
}

// Backtest replays the latest ideal portfolio against the benchmark.
func (a *App) Backtest(ctx context.Context) error {
	tracker := a.tracker("backtest", "BACKTEST_PROGRESS_JSON_FILE")
	timer := a.timer("backtest", "BACKTEST_PERFORMANCE_FILE")
	tracker.Start("Backtesting latest portfolio")

	summary, err := engine.ReadSummary(a.Params.Path("LATEST_RUN_SUMMARY_FILE"))
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	_, matrix, _, err := a.loadMarketView()
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	bt := backtest.New(backtest.Config{
		RunID:             a.RunID,
		Timestamp:         a.Timestamp,
		Benchmark:         a.Params.StrDefault("backtest_benchmark", "^BVSP"),
		InitialInvestment: a.Params.FloatDefault("initial_investment", 10000),
	}, a.Log)

	result, err := bt.Run(summary, matrix)
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	if err := bt.Persist(a.Params.Path("BACKTEST_RESULTS_FILE"), a.Params.Path("BACKTEST_EQUITY_CURVE_FILE"), result); err != nil {
		tracker.Fail(err.Error())
		return err
	}

	timer.Stop(len(result.Dates))
	tracker.Complete("Backtest completed", map[string]any{
		"total_return_pct": result.PortfolioMetrics.TotalReturnPct,
		"sharpe":           result.PortfolioMetrics.SharpeRatio,
	})
	return nil
}

// Optimize reconciles the ideal portfolio against the ledger holdings.
func (a *App) Optimize(ctx context.Context) error {
	tracker := a.tracker("optimize", "OPTIMIZE_PROGRESS_JSON_FILE")
	timer := a.timer("optimize", "OPTIMIZE_PERFORMANCE_FILE")
	tracker.Start("Optimizing against current holdings")

	summary, err := engine.ReadSummary(a.Params.Path("LATEST_RUN_SUMMARY_FILE"))
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	ledger, err := optimizer.LoadLedger(a.Params.Path("LEDGER_FILE"))
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}
	_, matrix, fin, err := a.loadMarketView()
	if err != nil {
		tracker.Fail(err.Error())
		return err
	}

	opt := optimizer.New(optimizer.Config{
		RunID:              a.RunID,
		Timestamp:          a.Timestamp,
		CostMode:           optimizer.CostMode(a.Params.StrDefault("transaction_cost_mode", string(optimizer.CostDynamic))),
		FixedCostPct:       a.Params.FloatDefault("fixed_transaction_cost_pct", 0.35),
		MinExcessThreshold: a.Params.FloatDefault("min_excess_return_threshold", 2.0),
		BlendSteps:         a.Params.IntDefault("blend_steps", 10),
		HistoricalDays:     a.Params.IntDefault("historical_return_days", 252),
		ReturnWeight:       a.Params.FloatDefault("opt_return_weight", 0.5),
		SharpeWeight:       a.Params.FloatDefault("opt_sharpe_weight", 0.3),
		MomentumWeight:     a.Params.FloatDefault("opt_momentum_weight", 0.2),
	}, a.Log)

	rec, err := opt.Run(summary, ledger, matrix, fin)
	if err != nil {
		// Data errors leave the previous recommendation untouched.
		tracker.Fail(err.Error())
		return err
	}
	if err := optimizer.Persist(a.Params.Path("OPTIMIZED_RECOMMENDATION_FILE"), a.Params.Path("OPTIMIZED_HISTORY_FILE"), rec); err != nil {
		tracker.Fail(err.Error())
		return err
	}

	timer.Stop(len(rec.Transactions))
	tracker.Complete("Optimization completed", map[string]any{
		"decision":          string(rec.Decision),
		"excess_return_pct": rec.ExcessReturnPct,
	})
	return nil
}

// SyncBucket mirrors the data directory to the configured bucket. A missing
// bucket configuration is a no-op, not an error.
func (a *App) SyncBucket(ctx context.Context) error {
	name := a.Params.StrDefault("BUCKET_NAME", envOr("BUCKET_NAME", ""))
	if name == "" {
		a.Log.Debug().Msg("No bucket configured, skipping sync")
		return nil
	}
	syncer, err := bucket.New(ctx, bucket.Config{
		Bucket: name,
		Prefix: a.Params.StrDefault("BUCKET_PREFIX", envOr("BUCKET_PREFIX", "")),
		Region: envOr("AWS_REGION", ""),
	}, a.Log)
	if err != nil {
		return err
	}
	dataDir := a.Params.Path("WEB_ACCESSIBLE_DATA_PATH")
	if dataDir == "" {
		dataDir = a.RepoRoot + "/data"
	}
	return syncer.Mirror(ctx, dataDir)
}

// loadStores opens the master price DB and the financials DB.
func (a *App) loadStores() (*marketdata.MasterDB, *marketdata.FinancialsDB, error) {
	master := marketdata.NewMasterDB(a.Params.Path("FINDB_FILE"), a.Log)
	if err := master.Load(); err != nil {
		return nil, nil, err
	}
	fin := marketdata.NewFinancialsDB(a.Params.Path("FINANCIALS_DB_FILE"), a.Log)
	if err := fin.Load(); err != nil {
		return nil, nil, err
	}
	return master, fin, nil
}

// loadMarketView loads the universe, the (cached) close matrix and the latest
// financials snapshot, the common read set of the analytical stages.
func (a *App) loadMarketView() (*universe.Universe, *marketdata.CloseMatrix, map[string]domain.Financials, error) {
	uni, err := universe.Load(a.Params.Path("TICKERS_FILE"), a.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	master, fin, err := a.loadStores()
	if err != nil {
		return nil, nil, nil, err
	}
	matrix, err := marketdata.BuildCloseMatrix(master, a.Params.Path("FINDB_FILE"), a.Params.Path("CLOSE_MATRIX_CACHE_FILE"), a.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return uni, matrix, fin.Latest(), nil
}

func (a *App) skipStore() *skipstore.Store {
	return skipstore.New(a.Params.Path("SKIPPED_TICKERS_FILE"), a.Params.Path("FINDATA_PATH"), a.Log)
}

func (a *App) regimeConfig() scoring.RegimeConfig {
	cfg := scoring.DefaultRegimeConfig()
	cfg.LookbackDays = a.Params.IntDefault("regime_lookback_days", cfg.LookbackDays)
	cfg.TStrongBull = a.Params.FloatDefault("regime_t_strong_bull", cfg.TStrongBull)
	cfg.TBull = a.Params.FloatDefault("regime_t_bull", cfg.TBull)
	cfg.TBear = a.Params.FloatDefault("regime_t_bear", cfg.TBear)
	cfg.TStrongBear = a.Params.FloatDefault("regime_t_strong_bear", cfg.TStrongBear)
	cfg.TBearVol = a.Params.FloatDefault("regime_t_bear_vol", cfg.TBearVol)
	cfg.Multipliers = map[scoring.Regime]float64{
		scoring.RegimeStrongBull: a.Params.FloatDefault("regime_mult_strong_bull", cfg.Multipliers[scoring.RegimeStrongBull]),
		scoring.RegimeBull:       a.Params.FloatDefault("regime_mult_bull", cfg.Multipliers[scoring.RegimeBull]),
		scoring.RegimeNeutral:    a.Params.FloatDefault("regime_mult_neutral", cfg.Multipliers[scoring.RegimeNeutral]),
		scoring.RegimeBear:       a.Params.FloatDefault("regime_mult_bear", cfg.Multipliers[scoring.RegimeBear]),
		scoring.RegimeStrongBear: a.Params.FloatDefault("regime_mult_strong_bear", cfg.Multipliers[scoring.RegimeStrongBear]),
	}
	return cfg
}

func (a *App) samplerConfig() engine.SamplerConfig {
	cfg := engine.DefaultSamplerConfig()
	cfg.RiskFreeRate = a.Params.Float("risk_free_rate")
	cfg.Adaptive = a.Params.BoolDefault("adaptive_sims", cfg.Adaptive)
	cfg.SimRuns = a.Params.IntDefault("sim_runs", cfg.SimRuns)
	cfg.ProgMin = a.Params.IntDefault("prog_min_sims", cfg.ProgMin)
	cfg.ProgBase = a.Params.FloatDefault("prog_base_sims", cfg.ProgBase)
	cfg.ProgCap = a.Params.IntDefault("prog_cap_sims", cfg.ProgCap)
	cfg.CheckInterval = a.Params.IntDefault("prog_check_interval", cfg.CheckInterval)
	cfg.ConvergenceWindow = a.Params.IntDefault("prog_convergence_window", cfg.ConvergenceWindow)
	cfg.ConvergenceDelta = a.Params.FloatDefault("prog_convergence_delta", cfg.ConvergenceDelta)
	cfg.InitialScanSims = a.Params.IntDefault("initial_scan_sims", cfg.InitialScanSims)
	cfg.EarlyDiscardFactor = a.Params.FloatDefault("early_discard_factor", cfg.EarlyDiscardFactor)
	cfg.EarlyDiscardMinBest = a.Params.FloatDefault("early_discard_min_best_sharpe", cfg.EarlyDiscardMinBest)
	return cfg
}

func (a *App) gaConfig() engine.GAConfig {
	cfg := engine.DefaultGAConfig()
	cfg.PopulationSize = a.Params.IntDefault("ga_population_size", cfg.PopulationSize)
	cfg.Generations = a.Params.IntDefault("ga_generations", cfg.Generations)
	cfg.MutationRate = a.Params.FloatDefault("ga_mutation_rate", cfg.MutationRate)
	cfg.CrossoverRate = a.Params.FloatDefault("ga_crossover_rate", cfg.CrossoverRate)
	cfg.Elitism = a.Params.IntDefault("ga_elitism", cfg.Elitism)
	cfg.TournamentSize = a.Params.IntDefault("ga_tournament_size", cfg.TournamentSize)
	cfg.ConvergenceWindow = a.Params.IntDefault("ga_convergence_window", cfg.ConvergenceWindow)
	cfg.ConvergenceTol = a.Params.FloatDefault("ga_convergence_tol", cfg.ConvergenceTol)
	cfg.MaxAttemptsMult = a.Params.IntDefault("ga_max_attempts_mult", cfg.MaxAttemptsMult)
	return cfg
}

func (a *App) engineConfig() engine.Config {
	return engine.Config{
		RunID:                 a.RunID,
		Timestamp:             a.Timestamp,
		MinStocks:             a.Params.Int("min_stocks"),
		MaxStocks:             a.Params.Int("max_stocks"),
		MaxStocksPerSector:    a.Params.Int("max_stocks_per_sector"),
		HeuristicK:            a.Params.Int("heuristic_threshold_k"),
		TopNStocks:            a.Params.IntDefault("top_n_stocks", 20),
		Parallelism:           a.Params.IntDefault("engine_parallelism", 4),
		RefinementEnabled:     a.Params.BoolDefault("refinement_enabled", true),
		TopNPercentRefinement: a.Params.FloatDefault("top_n_percent_refinement", 5),
		Sampler:               a.samplerConfig(),
		GA:                    a.gaConfig(),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

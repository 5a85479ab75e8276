package config

// ParameterFiles is the ordered list of parameter files merged at startup.
// Later files override earlier ones.
var ParameterFiles = []string{
	"paths.txt",
	"downpar.txt",
	"scorpar.txt",
	"portpar.txt",
	"backpar.txt",
	"optpar.txt",
	"risk_profile.txt",
	"anapar.txt",
}

// DefaultSchema declares the type of every known parameter. Unknown keys are
// retained as strings with a warning.
var DefaultSchema = Schema{
	// Paths and artifact locations.
	"FINDB_FILE":                KindPath,
	"FINDATA_PATH":              KindPath, // legacy per-ticker CSV directory
	"TICKERS_FILE":              KindPath,
	"BENCHMARKS_FILE":           KindPath,
	"FINANCIALS_DB_FILE":        KindPath,
	"SKIPPED_TICKERS_FILE":      KindPath,
	"SCORED_STOCKS_DB_FILE":     KindPath,
	"SECTOR_PE_DB_FILE":         KindPath,
	"CORRELATION_MATRIX_FILE":   KindPath,
	"PORTFOLIO_RESULTS_DB_FILE": KindPath,
	"LATEST_RUN_SUMMARY_FILE":   KindPath,
	"WEB_ACCESSIBLE_DATA_PATH":  KindPath,
	"LEDGER_FILE":               KindPath,
	"CHECKPOINT_FILE":           KindPath,
	"CLOSE_MATRIX_CACHE_FILE":   KindPath,

	"OPTIMIZED_RECOMMENDATION_FILE": KindPath,
	"OPTIMIZED_HISTORY_FILE":        KindPath,
	"BACKTEST_RESULTS_FILE":         KindPath,
	"BACKTEST_EQUITY_CURVE_FILE":    KindPath,

	// Per-stage observability files.
	"DOWNLOAD_LOG_FILE":            KindPath,
	"SCORE_LOG_FILE":               KindPath,
	"PORTFOLIO_LOG_FILE":           KindPath,
	"BACKTEST_LOG_FILE":            KindPath,
	"OPTIMIZE_LOG_FILE":            KindPath,
	"DOWNLOAD_PROGRESS_JSON_FILE":  KindPath,
	"SCORE_PROGRESS_JSON_FILE":     KindPath,
	"PORTFOLIO_PROGRESS_JSON_FILE": KindPath,
	"BACKTEST_PROGRESS_JSON_FILE":  KindPath,
	"OPTIMIZE_PROGRESS_JSON_FILE":  KindPath,
	"DOWNLOAD_PERFORMANCE_FILE":    KindPath,
	"SCORE_PERFORMANCE_FILE":       KindPath,
	"PORTFOLIO_PERFORMANCE_FILE":   KindPath,
	"BACKTEST_PERFORMANCE_FILE":    KindPath,
	"OPTIMIZE_PERFORMANCE_FILE":    KindPath,

	// Downloader.
	"history_years":           KindInt,
	"download_parallelism":    KindInt,
	"storage_mode":            KindString, // direct | legacy
	"provider_timeout_sec":    KindInt,
	"SPECIAL_MARKET_CLOSURES": KindList,

	// Scorer.
	"risk_free_rate":       KindFloat,
	"momentum_enabled":     KindBool,
	"momentum_days":        KindInt,
	"dynamic_weights":      KindBool,
	"sharpe_weight":        KindFloat,
	"upside_weight":        KindFloat,
	"momentum_weight":      KindFloat,
	"risk_profile":         KindString,
	"profile_strength":     KindFloat,
	"regime_lookback_days": KindInt,

	// Regime thresholds and multipliers.
	"regime_t_strong_bull":       KindFloat,
	"regime_t_bull":              KindFloat,
	"regime_t_bear":              KindFloat,
	"regime_t_strong_bear":       KindFloat,
	"regime_t_bear_vol":          KindFloat,
	"regime_mult_strong_bull":    KindFloat,
	"regime_mult_bull":           KindFloat,
	"regime_mult_neutral":        KindFloat,
	"regime_mult_bear":           KindFloat,
	"regime_mult_strong_bear":    KindFloat,

	// Engine.
	"sim_runs":              KindInt,
	"min_stocks":            KindInt,
	"max_stocks":            KindInt,
	"max_stocks_per_sector": KindInt,
	"heuristic_threshold_k": KindInt,
	"top_n_stocks":          KindInt,
	"engine_parallelism":    KindInt,
	"initial_investment":    KindFloat,

	// Adaptive sampler.
	"adaptive_sims":                 KindBool,
	"prog_min_sims":                 KindInt,
	"prog_base_sims":                KindFloat,
	"prog_cap_sims":                 KindInt,
	"prog_check_interval":           KindInt,
	"prog_convergence_window":       KindInt,
	"prog_convergence_delta":        KindFloat,
	"initial_scan_sims":             KindInt,
	"early_discard_factor":          KindFloat,
	"early_discard_min_best_sharpe": KindFloat,
	"refinement_enabled":            KindBool,
	"top_n_percent_refinement":      KindFloat,

	// GA.
	"ga_population_size":     KindInt,
	"ga_generations":         KindInt,
	"ga_mutation_rate":       KindFloat,
	"ga_crossover_rate":      KindFloat,
	"ga_elitism":             KindInt,
	"ga_tournament_size":     KindInt,
	"ga_convergence_window":  KindInt,
	"ga_convergence_tol":     KindFloat,
	"ga_max_attempts_mult":   KindInt,

	// Optimizer.
	"transaction_cost_mode":       KindString, // DYNAMIC | FIXED
	"fixed_transaction_cost_pct":  KindFloat,
	"min_excess_return_threshold": KindFloat,
	"blend_steps":                 KindInt,
	"historical_return_days":      KindInt,
	"opt_return_weight":           KindFloat,
	"opt_sharpe_weight":           KindFloat,
	"opt_momentum_weight":         KindFloat,

	// Backtester.
	"backtest_benchmark": KindString,
}

// CriticalKeys are required by every stage; Validate fails the run at startup
// when any is missing or mistyped.
var CriticalKeys = []string{
	"FINDB_FILE",
	"TICKERS_FILE",
	"FINANCIALS_DB_FILE",
	"SCORED_STOCKS_DB_FILE",
	"SECTOR_PE_DB_FILE",
	"CORRELATION_MATRIX_FILE",
	"PORTFOLIO_RESULTS_DB_FILE",
	"history_years",
	"risk_free_rate",
	"sim_runs",
	"min_stocks",
	"max_stocks",
	"max_stocks_per_sector",
	"heuristic_threshold_k",
}

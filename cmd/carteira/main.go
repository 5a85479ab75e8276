// Command carteira runs the portfolio construction pipeline: incremental
// price download, composite scoring, portfolio search, backtesting and
// holdings optimization, individually or orchestrated end to end.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rfmelo/carteira/internal/app"
	"github.com/rfmelo/carteira/internal/runner"
)

var (
	flagRoot     string
	flagPretty   bool
	flagLogLevel string
	flagLogFile  string
)

func main() {
	root := &cobra.Command{
		Use:           "carteira",
		Short:         "Quantitative portfolio construction for B3 equities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagRoot, "root", "", "repository root (default: working directory)")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable console log output")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write logs to this file")

	root.AddCommand(
		stageCommand("download", "Update the master price DB with missing trading days", (*app.App).Download),
		stageCommand("score", "Score the candidate universe and persist the ranking", (*app.App).Score),
		stageCommand("portfolio", "Search for the optimal portfolio over the latest scores", (*app.App).Portfolio),
		stageCommand("backtest", "Replay the latest ideal portfolio against the benchmark", (*app.App).Backtest),
		stageCommand("optimize", "Reconcile the ideal portfolio with ledger holdings", (*app.App).Optimize),
		runnerCommand(),
	)

	// Standalone stage commands cancel on SIGINT/SIGTERM like the runner.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newApp() (*app.App, error) {
	return app.New(app.Options{
		RepoRoot: flagRoot,
		Pretty:   flagPretty,
		LogLevel: flagLogLevel,
		LogFile:  flagLogFile,
	})
}

func stageCommand(name, short string, run func(*app.App, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return run(a, cmd.Context())
		},
	}
}

func runnerCommand() *cobra.Command {
	var (
		stage    string
		skipSync bool
		cronSpec string
		retries  int
	)
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Orchestrate all stages with checkpointing and retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return runner.New(a, runner.Options{
				OnlyStage:  stage,
				SkipSync:   skipSync,
				CronSpec:   cronSpec,
				MaxRetries: retries,
			}).Run()
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "run only this stage")
	cmd.Flags().BoolVar(&skipSync, "skip-sync", false, "skip the bucket sync after the pipeline")
	cmd.Flags().StringVar(&cronSpec, "cron", "", "run on this cron schedule instead of once")
	cmd.Flags().IntVar(&retries, "retries", 3, "max attempts per stage")
	return cmd
}

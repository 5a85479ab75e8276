// Package runner orchestrates the pipeline stages sequentially with a
// resumable checkpoint, retry backoff and optional cron scheduling.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/app"
	"github.com/rfmelo/carteira/internal/storage"
)

// CheckpointStatus is the persisted state of the orchestration.
type CheckpointStatus string

const (
	StatusRunning     CheckpointStatus = "running"
	StatusCompleted   CheckpointStatus = "completed"
	StatusInterrupted CheckpointStatus = "interrupted"
	StatusFailed      CheckpointStatus = "failed"
)

// Checkpoint records where the pipeline stopped so a relaunch can resume.
type Checkpoint struct {
	Stage        string           `json:"stage"`
	Status       CheckpointStatus `json:"status"`
	Timestamp    string           `json:"timestamp"`
	Error        string           `json:"error,omitempty"`
	AttemptCount int              `json:"attempt_count"`
}

// Stage is one orchestrated pipeline step.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options controls one orchestration run.
type Options struct {
	OnlyStage  string // run a single named stage
	SkipSync   bool   // skip the bucket sync at the end
	CronSpec   string // non-empty: keep running on this schedule
	MaxRetries int
}

// Runner drives the stage sequence.
type Runner struct {
	app            *app.App
	opts           Options
	checkpointPath string
	log            zerolog.Logger
}

// New creates a runner. The checkpoint lives at CHECKPOINT_FILE, defaulting
// to data/run_checkpoint.json under the repo root.
func New(a *app.App, opts Options) *Runner {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	path := a.Params.Path("CHECKPOINT_FILE")
	if path == "" {
		path = a.RepoRoot + "/data/run_checkpoint.json"
	}
	return &Runner{
		app:            a,
		opts:           opts,
		checkpointPath: path,
		log:            a.Log.With().Str("component", "runner").Logger(),
	}
}

func (r *Runner) stages() []Stage {
	return []Stage{
		{Name: "download", Run: r.app.Download},
		{Name: "score", Run: r.app.Score},
		{Name: "portfolio", Run: r.app.Portfolio},
		{Name: "backtest", Run: r.app.Backtest},
		{Name: "optimize", Run: r.app.Optimize},
	}
}

// Run executes the pipeline once, or on a cron schedule when configured.
// SIGINT/SIGTERM cancel the context; the in-flight stage finishes its current
// unit, an interrupted checkpoint is written and the process exits non-zero.
func (r *Runner) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r.opts.CronSpec == "" {
		return r.runOnce(ctx)
	}

	c := cron.New()
	errCh := make(chan error, 1)
	_, err := c.AddFunc(r.opts.CronSpec, func() {
		if err := r.runOnce(ctx); err != nil {
			r.log.Error().Err(err).Msg("Scheduled pipeline run failed")
			select {
			case errCh <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("runner: bad cron spec %q: %w", r.opts.CronSpec, err)
	}

	r.log.Info().Str("schedule", r.opts.CronSpec).Msg("Starting scheduled pipeline")
	c.Start()
	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done()

	r.saveCheckpoint(Checkpoint{Stage: "scheduler", Status: StatusInterrupted})
	return ctx.Err()
}

func (r *Runner) runOnce(ctx context.Context) error {
	stages := r.stages()
	start := r.resumeIndex(stages)

	for i := start; i < len(stages); i++ {
		stage := stages[i]
		if r.opts.OnlyStage != "" && stage.Name != r.opts.OnlyStage {
			continue
		}
		if err := r.runStage(ctx, stage); err != nil {
			return err
		}
	}

	if !r.opts.SkipSync {
		if err := r.app.SyncBucket(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Bucket sync failed, artifacts remain local")
		}
	}

	r.saveCheckpoint(Checkpoint{Stage: "pipeline", Status: StatusCompleted})
	r.log.Info().Msg("Pipeline completed")
	return nil
}

// runStage retries a failing stage with linear backoff, min(30·attempt, 180)
// seconds between tries.
func (r *Runner) runStage(ctx context.Context, stage Stage) error {
	for attempt := 1; ; attempt++ {
		r.saveCheckpoint(Checkpoint{Stage: stage.Name, Status: StatusRunning, AttemptCount: attempt})
		r.log.Info().Str("stage", stage.Name).Int("attempt", attempt).Msg("Starting stage")

		err := stage.Run(ctx)
		if err == nil {
			r.saveCheckpoint(Checkpoint{Stage: stage.Name, Status: StatusCompleted, AttemptCount: attempt})
			return nil
		}
		if ctx.Err() != nil {
			r.saveCheckpoint(Checkpoint{Stage: stage.Name, Status: StatusInterrupted, Error: err.Error(), AttemptCount: attempt})
			return fmt.Errorf("runner: interrupted during %s: %w", stage.Name, err)
		}

		r.saveCheckpoint(Checkpoint{Stage: stage.Name, Status: StatusFailed, Error: err.Error(), AttemptCount: attempt})
		if attempt >= r.opts.MaxRetries {
			return fmt.Errorf("runner: stage %s failed after %d attempts: %w", stage.Name, attempt, err)
		}

		backoff := time.Duration(30*attempt) * time.Second
		if backoff > 180*time.Second {
			backoff = 180 * time.Second
		}
		r.log.Warn().Str("stage", stage.Name).Dur("backoff", backoff).Err(err).Msg("Stage failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			r.saveCheckpoint(Checkpoint{Stage: stage.Name, Status: StatusInterrupted, Error: err.Error(), AttemptCount: attempt})
			return ctx.Err()
		}
	}
}

// resumeIndex decides where to start from the previous checkpoint: after the
// last completed stage of an interrupted run, else from the beginning. All
// stages are idempotent so re-running a stage is always safe.
func (r *Runner) resumeIndex(stages []Stage) int {
	cp, err := r.loadCheckpoint()
	if err != nil || cp == nil {
		return 0
	}
	if cp.Status != StatusInterrupted && cp.Status != StatusFailed {
		return 0
	}
	for i, stage := range stages {
		if stage.Name == cp.Stage {
			r.log.Info().Str("stage", stage.Name).Str("status", string(cp.Status)).Msg("Resuming from checkpoint")
			return i
		}
	}
	return 0
}

func (r *Runner) loadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(r.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Runner) saveCheckpoint(cp Checkpoint) {
	cp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if err := storage.WriteJSONAtomic(r.checkpointPath, cp); err != nil {
		r.log.Warn().Err(err).Msg("Failed to write checkpoint")
	}
}

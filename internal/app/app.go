// Package app wires configuration, logging and storage into the runnable
// pipeline stages. Each stage method owns its progress tracker and
// performance timer and is safe to run standalone from the CLI.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/config"
	"github.com/rfmelo/carteira/internal/perf"
	"github.com/rfmelo/carteira/internal/progress"
	"github.com/rfmelo/carteira/pkg/logger"
)

// App is the shared context of one process: merged parameters, the root
// logger and the run identity stamped on every artifact row.
type App struct {
	RepoRoot  string
	Params    *config.Store
	Log       zerolog.Logger
	RunID     string
	Timestamp time.Time
}

// Options controls process-level behaviour set from CLI flags.
type Options struct {
	RepoRoot string
	Pretty   bool
	LogLevel string
	LogFile  string
}

// New loads the parameter files, validates the critical keys and prepares
// the run identity. Configuration problems abort before any stage runs.
func New(opts Options) (*App, error) {
	root := opts.RepoRoot
	if root == "" {
		root, _ = os.Getwd()
	}

	level := opts.LogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	log := logger.New(logger.Config{Level: level, Pretty: opts.Pretty, File: opts.LogFile})
	logger.SetGlobalLogger(log)

	files := make([]string, 0, len(config.ParameterFiles))
	for _, f := range config.ParameterFiles {
		files = append(files, filepath.Join(root, "parameters", f))
	}
	params, err := config.Load(root, files, config.DefaultSchema, log)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(config.DefaultSchema, config.CriticalKeys...); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &App{
		RepoRoot:  root,
		Params:    params,
		Log:       log,
		RunID:     NewRunID(now),
		Timestamp: now,
	}, nil
}

// NewRunID builds the run identifier stamped on every artifact row:
// YYYYMMDD_HHMMSS plus a short random suffix so retries never collide.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", now.Format("20060102_150405"), suffix)
}

// tracker builds the progress tracker for a stage from its configured
// progress JSON path, mirroring into the web data directory when set.
func (a *App) tracker(stage, progressKey string) *progress.Tracker {
	return progress.NewTracker(stage, a.Params.Path(progressKey), a.Params.Path("WEB_ACCESSIBLE_DATA_PATH"), a.Log)
}

// timer starts the per-stage performance timer when the stage has a
// performance CSV configured.
func (a *App) timer(stage, perfKey string) *perf.Timer {
	return perf.Start(a.RunID, stage, a.Params.Path(perfKey), a.Log)
}

// webMirror returns the web-copy path for an artifact, or "" when mirroring
// is disabled.
func (a *App) webMirror(artifactPath string) string {
	dir := a.Params.Path("WEB_ACCESSIBLE_DATA_PATH")
	if dir == "" || artifactPath == "" {
		return ""
	}
	return filepath.Join(dir, filepath.Base(artifactPath))
}

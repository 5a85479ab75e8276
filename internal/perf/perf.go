// Package perf appends per-stage runtime metrics to the stage performance
// CSVs: wall time, items processed, and process resource usage sampled via
// gopsutil.
package perf

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/rfmelo/carteira/internal/storage"
)

var header = []string{"run_id", "stage", "started_at", "duration_s", "items", "rss_mb", "cpu_pct"}

// Timer measures one stage execution.
type Timer struct {
	runID   string
	stage   string
	path    string
	started time.Time
	log     zerolog.Logger
}

// Start begins timing a stage. An empty path disables persistence.
func Start(runID, stage, path string, log zerolog.Logger) *Timer {
	return &Timer{
		runID:   runID,
		stage:   stage,
		path:    path,
		started: time.Now(),
		log:     log.With().Str("component", "perf").Logger(),
	}
}

// Stop appends one row to the stage performance CSV.
func (t *Timer) Stop(items int) {
	duration := time.Since(t.started)
	rssMB, cpuPct := sampleProcess()

	t.log.Info().
		Str("stage", t.stage).
		Dur("duration", duration).
		Int("items", items).
		Float64("rss_mb", rssMB).
		Msg("Stage performance")

	if t.path == "" {
		return
	}
	row := []string{
		t.runID,
		t.stage,
		t.started.UTC().Format(time.RFC3339),
		strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		strconv.Itoa(items),
		strconv.FormatFloat(rssMB, 'f', 1, 64),
		strconv.FormatFloat(cpuPct, 'f', 1, 64),
	}
	if err := storage.AppendCSV(t.path, header, [][]string{row}); err != nil {
		t.log.Warn().Err(err).Msg("Failed to append performance row")
	}
}

func sampleProcess() (rssMB, cpuPct float64) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		rssMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := p.CPUPercent(); err == nil {
		cpuPct = pct
	}
	return rssMB, cpuPct
}

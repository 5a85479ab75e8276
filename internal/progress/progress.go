// Package progress writes the per-stage progress JSON consumed by the
// dashboards. Every update is an atomic replace; a mkdir-based lock guards
// updates when several processes share one progress file.
package progress

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/storage"
)

// Status is the terminal state machine of a stage.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Report is the JSON document written for a stage.
type Report struct {
	Stage         string         `json:"stage"`
	Status        Status         `json:"status"`
	StatusMessage string         `json:"status_message"`
	Progress      map[string]any `json:"progress,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

// Tracker maintains one stage's progress file, with an optional web-copy
// mirror under WEB_ACCESSIBLE_DATA_PATH.
type Tracker struct {
	stage     string
	path      string
	webMirror string // optional directory; "" disables mirroring
	log       zerolog.Logger

	mu           sync.Mutex
	report       Report
	milestonesAt map[int]bool
}

// NewTracker creates a tracker for a stage. An empty path disables
// persistence entirely (useful in tests).
func NewTracker(stage, path, webMirror string, log zerolog.Logger) *Tracker {
	return &Tracker{
		stage:        stage,
		path:         path,
		webMirror:    webMirror,
		log:          log.With().Str("component", "progress").Str("stage", stage).Logger(),
		report:       Report{Stage: stage},
		milestonesAt: make(map[int]bool),
	}
}

// Start marks the stage Running.
func (t *Tracker) Start(message string) {
	t.set(StatusRunning, message, nil)
}

// Update refreshes the progress object while keeping the stage Running.
func (t *Tracker) Update(message string, fields map[string]any) {
	t.set(StatusRunning, message, fields)
}

// Milestone emits an update when crossing 25/50/75/100% of expected work.
// Repeated calls inside the same quartile are dropped.
func (t *Tracker) Milestone(phase string, current, total int) {
	if total <= 0 {
		return
	}
	pct := current * 100 / total
	for _, m := range []int{25, 50, 75, 100} {
		t.mu.Lock()
		crossed := pct >= m && !t.milestonesAt[m]
		if crossed {
			t.milestonesAt[m] = true
		}
		t.mu.Unlock()
		if crossed {
			t.Update(phase, map[string]any{
				"phase":   phase,
				"current": current,
				"total":   total,
				"percent": m,
			})
		}
	}
}

// ResetMilestones clears milestone state for a new phase.
func (t *Tracker) ResetMilestones() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.milestonesAt = make(map[int]bool)
}

// Complete marks the stage Completed.
func (t *Tracker) Complete(message string, fields map[string]any) {
	t.set(StatusCompleted, message, fields)
}

// Fail marks the stage Failed. Called from the stage main on any unhandled
// error before exit.
func (t *Tracker) Fail(message string) {
	t.set(StatusFailed, message, nil)
}

func (t *Tracker) set(status Status, message string, fields map[string]any) {
	t.mu.Lock()
	t.report.Status = status
	t.report.StatusMessage = message
	if fields != nil {
		t.report.Progress = fields
	}
	t.report.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	snapshot := t.report
	t.mu.Unlock()

	t.persist(snapshot)
}

func (t *Tracker) persist(r Report) {
	if t.path == "" {
		return
	}

	lock, err := storage.AcquireLock(t.path+".lock", 5*time.Second, time.Minute)
	if err != nil {
		t.log.Warn().Err(err).Msg("Progress lock unavailable, skipping update")
		return
	}
	defer lock.Release()

	if err := storage.WriteJSONAtomic(t.path, r); err != nil {
		t.log.Warn().Err(err).Msg("Failed to write progress JSON")
		return
	}
	if t.webMirror != "" {
		mirror := filepath.Join(t.webMirror, filepath.Base(t.path))
		if err := storage.WriteJSONAtomic(mirror, r); err != nil {
			t.log.Warn().Err(err).Msg("Failed to mirror progress JSON")
		}
	}
}

// Package pipeline implements the run stages: intake, research, dedupe,
// enrich, sort and export. Every stage has the same signature and reads its
// inputs from, and writes its output to, the run workspace.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/internal/workspace"
)

// Stage is the uniform stage signature.
type Stage func(ctx context.Context, env *Env) error

// NamedStage pairs a stage with its progress name.
type NamedStage struct {
	Name string
	Run  Stage
}

// Settings holds the per-run tunables.
type Settings struct {
	Retry                 resilience.RetryConfig
	AgentTimeout          time.Duration
	QueryTimeout          time.Duration
	MergeFailureThreshold float64
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Retry:                 resilience.DefaultRetryConfig(),
		AgentTimeout:          240 * time.Second,
		QueryTimeout:          240 * time.Second,
		MergeFailureThreshold: 0.1,
	}
}

// Env is everything a stage needs for one run.
type Env struct {
	RunID    string
	Paths    workspace.Paths
	Metrics  *Metrics
	Token    *cancel.Token
	Settings Settings
}

// NewEnv creates an Env with fresh metrics.
func NewEnv(runID string, paths workspace.Paths, tok *cancel.Token, s Settings) *Env {
	if tok == nil {
		tok = cancel.New()
	}
	return &Env{
		RunID:    runID,
		Paths:    paths,
		Metrics:  &Metrics{},
		Token:    tok,
		Settings: s,
	}
}

// Log returns the global logger scoped to the run.
func (e *Env) Log() *zap.Logger {
	return zap.L().With(zap.String("run_id", e.RunID))
}

// checkpoint returns the cancellation error once cancellation is requested
// or ctx is done.
func (e *Env) checkpoint(ctx context.Context) error {
	if err := e.Token.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return eris.Wrap(cancel.ErrCancelled, ctx.Err().Error())
	}
	return nil
}

// retryConfig returns the run's retry policy with retry logging attached.
func (e *Env) retryConfig(operation string) resilience.RetryConfig {
	cfg := e.Settings.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(e.RunID, operation)
	}
	return cfg
}

// retry runs fn under the run's retry policy.
func (e *Env) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, e.Token, e.retryConfig(operation), fn)
}

// Metrics guards the run counters. Stages update it; the executor reads
// snapshots.
type Metrics struct {
	mu sync.Mutex
	m  model.Metrics
}

// Update applies fn under the lock.
func (m *Metrics) Update(fn func(*model.Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.m)
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() model.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m
}

// Save writes the counters to path.
func (m *Metrics) Save(path string) error {
	snap := m.Snapshot()
	return artifact.WriteJSON(snap, path, artifact.Options{})
}

// ProgressEvent is the document written to outputs/progress_<stage>.json.
type ProgressEvent struct {
	Stage     string         `json:"stage"`
	Event     string         `json:"event"`
	Info      map[string]any `json:"info,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Progress event names.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Progress writes a progress event for stage. Failures are logged and never
// fail the stage.
func (e *Env) Progress(stage, event string, info map[string]any) {
	ev := ProgressEvent{Stage: stage, Event: event, Info: info, UpdatedAt: time.Now().UTC()}
	if err := artifact.WriteJSON(ev, e.Paths.Progress(stage), artifact.Options{}); err != nil {
		e.Log().Warn("pipeline: write progress", zap.String("stage", stage), zap.Error(err))
	}
}

// Package registry holds the in-memory table of runs known to this process.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/pipeline"
	"github.com/sells-group/leadfoundry/internal/workspace"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = eris.New("registry: run not found")

// ErrExists is returned when a run id is registered twice.
var ErrExists = eris.New("registry: run already registered")

// Record is one registered run. Paths, Token and Env are fixed at
// registration and safe to use without the lock; the run metadata is only
// reachable through Snapshot and Update.
type Record struct {
	Paths workspace.Paths
	Token *cancel.Token
	Env   *pipeline.Env

	run  model.Run
	task chan struct{}
}

// NewRecord creates a record for a run whose workspace already exists.
func NewRecord(run model.Run, env *pipeline.Env) *Record {
	return &Record{Paths: env.Paths, Token: env.Token, Env: env, run: run}
}

// Registry maps run ids to records behind one mutex.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Record
	now  func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{runs: make(map[string]*Record), now: time.Now}
}

// Add publishes a record. The run's directory must exist already.
func (r *Registry) Add(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rec.run.ID
	if _, ok := r.runs[id]; ok {
		return eris.Wrapf(ErrExists, "run %s", id)
	}
	now := r.now().UTC()
	if rec.run.CreatedAt.IsZero() {
		rec.run.CreatedAt = now
	}
	rec.run.UpdatedAt = now
	r.runs[id] = rec
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return rec, nil
}

// Snapshot returns a copy of the run metadata.
func (r *Registry) Snapshot(id string) (model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return model.Run{}, eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return rec.snapshot(), nil
}

// Update applies fn to the run metadata under the lock. If fn returns an
// error nothing is changed. The returned snapshot reflects the update.
func (r *Registry) Update(id string, fn func(run *model.Run) error) (model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return model.Run{}, eris.Wrapf(ErrNotFound, "run %s", id)
	}
	next := rec.run
	if err := fn(&next); err != nil {
		return rec.snapshot(), err
	}
	next.UpdatedAt = r.now().UTC()
	rec.run = next
	return rec.snapshot(), nil
}

// StartTask marks a background task as attached to the run. The returned
// func marks it finished and must be called exactly once.
func (r *Registry) StartTask(id string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "run %s", id)
	}
	ch := make(chan struct{})
	rec.task = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }, nil
}

// Wait blocks until the run's current task finishes or ctx is done. Runs
// without a task return immediately.
func (r *Registry) Wait(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.runs[id]
	var ch chan struct{}
	if ok {
		ch = rec.task
	}
	r.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns snapshots of every run, oldest first.
func (r *Registry) List() []model.Run {
	r.mu.Lock()
	out := make([]model.Run, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveDirs returns the run directory of every registered run. Reclaim
// must never touch these.
func (r *Registry) ActiveDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.Paths.RunDir)
	}
	sort.Strings(out)
	return out
}

// Shutdown removes the lock marker of every registered run so their
// workspaces become reclaimable. In-flight tasks are not waited for.
func (r *Registry) Shutdown() {
	for _, dir := range r.ActiveDirs() {
		if err := workspace.RemoveLock(dir); err != nil {
			zap.L().Warn("registry: remove lock marker", zap.String("run_dir", dir), zap.Error(err))
		}
	}
}

func (rec *Record) snapshot() model.Run {
	out := rec.run
	out.HasTask = rec.task != nil
	if rec.task != nil {
		select {
		case <-rec.task:
			out.TaskDone = true
		default:
		}
	}
	if rec.Env != nil {
		out.Metrics = rec.Env.Metrics.Snapshot()
	}
	return out
}

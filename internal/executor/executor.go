// Package executor drives runs through the stage state machine. It owns
// every status and phase mutation, gates stage work behind a global
// semaphore and delivers result notifications.
package executor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/notify"
	"github.com/sells-group/leadfoundry/internal/pipeline"
	"github.com/sells-group/leadfoundry/internal/registry"
	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/internal/workspace"
)

var (
	// ErrInvalidTransition is returned when a request does not fit the
	// run's current status.
	ErrInvalidTransition = eris.New("executor: invalid transition")
	// ErrInvalidEmail is returned by Create for malformed addresses.
	ErrInvalidEmail = eris.New("executor: invalid email format")
)

// Recorder persists run snapshots. store.RunStore satisfies it.
type Recorder interface {
	SaveRun(ctx context.Context, run model.Run) error
}

// Options configures an Executor.
type Options struct {
	BaseDir         string
	RunPrefix       string
	ReclaimMinAge   time.Duration
	ReclaimOnCreate bool
	MaxConcurrent   int
	Settings        pipeline.Settings
	Subject         string
}

// Executor schedules stage work for every run in its registry.
type Executor struct {
	opts     Options
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	notifier notify.Notifier
	recorder Recorder
	sem      *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Executor. notifier and recorder may be nil.
func New(opts Options, p *pipeline.Pipeline, reg *registry.Registry, notifier notify.Notifier, recorder Recorder) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.RunPrefix == "" {
		opts.RunPrefix = workspace.DefaultPrefix
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		opts:     opts,
		pipeline: p,
		registry: reg,
		notifier: notifier,
		recorder: recorder,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Registry exposes the run table.
func (e *Executor) Registry() *registry.Registry { return e.registry }

// CreateRequest is the input to Create.
type CreateRequest struct {
	Criteria map[string]any
	Email    string
}

// Create allocates a workspace, writes the criteria document and registers
// the run in status created. Runs with an email address finalize and
// deliver automatically once research completes.
func (e *Executor) Create(ctx context.Context, req CreateRequest) (model.Run, error) {
	email := strings.TrimSpace(req.Email)
	if email != "" && !notify.ValidEmail(email) {
		return model.Run{}, eris.Wrapf(ErrInvalidEmail, "email %q", email)
	}

	runDir, err := workspace.Allocate(e.opts.BaseDir, e.opts.RunPrefix)
	if err != nil {
		return model.Run{}, eris.Wrap(err, "executor: allocate workspace")
	}
	paths := workspace.NewPaths(runDir)
	if err := artifact.WriteJSON(req.Criteria, paths.UserInput, artifact.Options{}); err != nil {
		_ = os.RemoveAll(runDir)
		return model.Run{}, eris.Wrap(err, "executor: write criteria")
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	mode := model.ModeManual
	if email != "" {
		mode = model.ModeEmailAutoFinalize
	}
	run := model.Run{
		ID:     id,
		RunDir: runDir,
		Status: model.StatusCreated,
		Phase:  model.PhaseIntake,
		Mode:   mode,
		Email:  email,
	}
	env := pipeline.NewEnv(id, paths, cancel.New(), e.opts.Settings)
	if err := e.registry.Add(registry.NewRecord(run, env)); err != nil {
		_ = os.RemoveAll(runDir)
		return model.Run{}, err
	}

	snap, err := e.registry.Snapshot(id)
	if err != nil {
		return model.Run{}, err
	}
	e.record(snap)
	zap.L().Info("executor: run created",
		zap.String("run_id", id),
		zap.String("run_dir", runDir),
		zap.String("execution_mode", string(mode)),
	)

	if e.opts.ReclaimOnCreate {
		e.reclaim()
	}
	return snap, nil
}

// Submit creates a run and queues its intake stage.
func (e *Executor) Submit(ctx context.Context, req CreateRequest) (model.Run, error) {
	run, err := e.Create(ctx, req)
	if err != nil {
		return model.Run{}, err
	}
	return e.StartIntake(run.ID)
}

// Reclaim removes stale unlocked workspaces that no registered run owns.
func (e *Executor) Reclaim() (*workspace.ReclaimResult, error) {
	return workspace.Reclaim(e.opts.BaseDir, workspace.ReclaimOptions{
		MinAge: e.opts.ReclaimMinAge,
		Prefix: e.opts.RunPrefix,
		Active: e.registry.ActiveDirs(),
	})
}

func (e *Executor) reclaim() {
	res, err := e.Reclaim()
	if err != nil {
		zap.L().Warn("executor: reclaim workspaces", zap.Error(err))
		return
	}
	if len(res.Removed) > 0 || res.Failed > 0 {
		zap.L().Info("executor: reclaimed workspaces",
			zap.Int("removed", len(res.Removed)),
			zap.Int("failed", res.Failed),
		)
	}
}

// StartIntake queues intake for a created run or an intake retry.
func (e *Executor) StartIntake(id string) (model.Run, error) {
	run, err := e.registry.Update(id, func(r *model.Run) error {
		if r.Status != model.StatusCreated && r.Status != model.StageIntake.Failed() {
			return transitionErr(r, model.StageIntake.Queued())
		}
		r.Status = model.StageIntake.Queued()
		r.Error = ""
		return nil
	})
	if err != nil {
		return run, err
	}
	e.record(run)
	if err := e.launch(id, func(ctx context.Context, rec *registry.Record) {
		e.runStage(ctx, rec, model.StageIntake, []pipeline.NamedStage{
			{Name: pipeline.StageIntake, Run: e.pipeline.Intake},
		})
	}); err != nil {
		return run, err
	}
	return run, nil
}

// StartResearch queues research once intake has completed, or retries a
// failed research stage. Intake artifacts are reused.
func (e *Executor) StartResearch(id string) (model.Run, error) {
	run, err := e.registry.Update(id, func(r *model.Run) error {
		if r.Status != model.StageIntake.Completed() && r.Status != model.StageResearch.Failed() {
			return transitionErr(r, model.StageResearch.Queued())
		}
		r.Status = model.StageResearch.Queued()
		r.Phase = model.PhaseResearch
		r.Error = ""
		return nil
	})
	if err != nil {
		return run, err
	}
	e.record(run)
	if err := e.launch(id, e.runResearch); err != nil {
		return run, err
	}
	return run, nil
}

// Result is the finalize response.
type Result struct {
	RunID          string       `json:"run_id"`
	Status         model.Status `json:"status"`
	Error          string       `json:"error,omitempty"`
	Outputs        []string     `json:"outputs"`
	ExcelAvailable bool         `json:"excel_available"`
}

// Finalize starts the finalize stages unless they already ran or are in
// flight. It never launches twice: a done run returns its result set and
// an in-flight run returns its current status.
func (e *Executor) Finalize(id string) (Result, error) {
	launched, err := e.beginFinalize(id)
	if err != nil {
		return Result{}, err
	}
	if launched {
		if err := e.launch(id, func(ctx context.Context, rec *registry.Record) {
			e.runFinalize(ctx, rec)
		}); err != nil {
			return Result{}, err
		}
	}
	return e.Result(id)
}

// beginFinalize applies the finalize guard atomically. It reports whether
// the caller must launch the stages.
func (e *Executor) beginFinalize(id string) (bool, error) {
	launch := false
	run, err := e.registry.Update(id, func(r *model.Run) error {
		switch {
		case r.Phase == model.PhaseDone:
			return nil
		case r.Phase == model.PhaseFinalize && r.Status != model.StageFinalize.Failed():
			return nil
		case r.Status == model.StageResearch.Completed(), r.Status == model.StageFinalize.Failed():
		default:
			return transitionErr(r, model.StageFinalize.Queued())
		}
		r.Phase = model.PhaseFinalize
		r.Status = model.StageFinalize.Queued()
		r.Error = ""
		launch = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if launch {
		e.record(run)
	}
	return launch, nil
}

// Result lists the run's outputs and whether the spreadsheet exists.
func (e *Executor) Result(id string) (Result, error) {
	rec, err := e.registry.Get(id)
	if err != nil {
		return Result{}, err
	}
	run, err := e.registry.Snapshot(id)
	if err != nil {
		return Result{}, err
	}
	outputs, err := listOutputs(rec.Paths)
	if err != nil {
		return Result{}, err
	}
	return Result{
		RunID:          id,
		Status:         run.Status,
		Error:          run.Error,
		Outputs:        outputs,
		ExcelAvailable: artifact.Exists(rec.Paths.Excel),
	}, nil
}

// listOutputs returns every file under outputs/ relative to the run dir.
func listOutputs(paths workspace.Paths) ([]string, error) {
	out := []string{}
	err := filepath.WalkDir(paths.Outputs(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(paths.RunDir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "executor: list outputs")
	}
	sort.Strings(out)
	return out, nil
}

// Cancel requests cancellation. Runs with a stage in flight move to
// cancelling and settle into cancelled once the stage observes the token;
// idle runs are cancelled immediately.
func (e *Executor) Cancel(id string) (model.Run, error) {
	rec, err := e.registry.Get(id)
	if err != nil {
		return model.Run{}, err
	}
	run, err := e.registry.Update(id, func(r *model.Run) error {
		switch r.Status {
		case model.StatusCancelled, model.StatusCancelling:
			return nil
		case model.StageFinalize.Completed():
			return transitionErr(r, model.StatusCancelling)
		}
		if r.Status.InFlight() {
			r.Status = model.StatusCancelling
		} else {
			r.Status = model.StatusCancelled
		}
		return nil
	})
	if err != nil {
		return run, err
	}
	rec.Token.Cancel()
	e.record(run)
	zap.L().Info("executor: cancellation requested", zap.String("run_id", id), zap.String("status", string(run.Status)))
	return run, nil
}

// StatusView is the status response.
type StatusView struct {
	RunID                string              `json:"run_id"`
	RunDir               string              `json:"run_dir"`
	Status               model.Status        `json:"status"`
	Phase                model.Phase         `json:"phase"`
	ExecutionMode        model.ExecutionMode `json:"execution_mode"`
	Error                string              `json:"error,omitempty"`
	HasTask              bool                `json:"has_task"`
	TaskDone             bool                `json:"task_done"`
	EmailDeliveryEnabled bool                `json:"email_delivery_enabled"`
	EmailSent            bool                `json:"email_sent"`
	EmailSentTo          string              `json:"email_sent_to,omitempty"`
	EmailError           string              `json:"email_error,omitempty"`
	Metrics              model.Metrics       `json:"metrics"`
	ProgressFiles        []string            `json:"progress_files"`
}

// Status returns the run's status view.
func (e *Executor) Status(id string) (StatusView, error) {
	rec, err := e.registry.Get(id)
	if err != nil {
		return StatusView{}, err
	}
	run, err := e.registry.Snapshot(id)
	if err != nil {
		return StatusView{}, err
	}
	files, _ := filepath.Glob(filepath.Join(rec.Paths.Outputs(), "progress_*.json"))
	progress := make([]string, 0, len(files))
	for _, f := range files {
		progress = append(progress, filepath.Base(f))
	}
	sort.Strings(progress)
	return StatusView{
		RunID:                run.ID,
		RunDir:               run.RunDir,
		Status:               run.Status,
		Phase:                run.Phase,
		ExecutionMode:        run.Mode,
		Error:                run.Error,
		HasTask:              run.HasTask,
		TaskDone:             run.TaskDone,
		EmailDeliveryEnabled: run.Email != "",
		EmailSent:            run.EmailSent,
		EmailSentTo:          run.EmailSentTo,
		EmailError:           run.EmailError,
		Metrics:              run.Metrics,
		ProgressFiles:        progress,
	}, nil
}

// Wait blocks until the run's current task finishes or ctx is done.
func (e *Executor) Wait(ctx context.Context, id string) error {
	return e.registry.Wait(ctx, id)
}

// Shutdown cancels in-flight stage work, waits for tasks until ctx is done
// and removes every run's lock marker.
func (e *Executor) Shutdown(ctx context.Context) {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		zap.L().Warn("executor: shutdown before tasks finished")
	}
	e.registry.Shutdown()
}

// launch attaches a background task to the run. The task never lets a
// panic escape and always settles the run out of *_running.
func (e *Executor) launch(id string, fn func(ctx context.Context, rec *registry.Record)) error {
	rec, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	done, err := e.registry.StartTask(id)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer done()
		ctx, release := rec.Token.Bind(e.baseCtx)
		defer release()
		fn(ctx, rec)
	}()
	return nil
}

func (e *Executor) runResearch(ctx context.Context, rec *registry.Record) {
	ok := e.runStage(ctx, rec, model.StageResearch, []pipeline.NamedStage{
		{Name: pipeline.StageResearch, Run: e.pipeline.Research},
	})
	if !ok {
		return
	}
	run, err := e.registry.Snapshot(rec.Env.RunID)
	if err != nil || run.Mode != model.ModeEmailAutoFinalize {
		return
	}

	rec.Env.Log().Info("executor: research completed, finalizing for email delivery", zap.String("email", run.Email))
	launch, err := e.beginFinalize(run.ID)
	if err != nil {
		rec.Env.Log().Error("executor: auto-finalize", zap.Error(err))
		e.update(run.ID, func(r *model.Run) {
			r.EmailSent = false
			r.EmailError = fmt.Sprintf("Finalization error: %v", err)
		})
		return
	}
	if launch {
		e.runFinalize(ctx, rec)
	}
}

func (e *Executor) runFinalize(ctx context.Context, rec *registry.Record) {
	if !e.runStage(ctx, rec, model.StageFinalize, e.pipeline.Finalize()) {
		return
	}
	pipeline.LogSummary(rec.Env)
	e.deliver(ctx, rec)
}

// runStage acquires the gate, runs stages in order and settles the status.
// It reports whether the stage completed.
func (e *Executor) runStage(ctx context.Context, rec *registry.Record, stage model.Stage, stages []pipeline.NamedStage) (ok bool) {
	env := rec.Env
	log := env.Log().With(zap.String("stage", string(stage)))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("executor: stage panicked", zap.Any("panic", r), zap.Stack("stack"))
			e.settle(rec, stage, eris.Errorf("executor: %s panicked: %v", stage, r))
			ok = false
		}
		env.Metrics.Update(func(m *model.Metrics) {
			m.ExecutionTimeSeconds += time.Since(start).Seconds()
		})
		if err := env.Metrics.Save(env.Paths.Metrics); err != nil {
			log.Warn("executor: save metrics", zap.Error(err))
		}
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.settle(rec, stage, eris.Wrap(cancel.ErrCancelled, "executor: waiting for slot"))
	}
	defer e.sem.Release(1)

	if _, err := e.registry.Update(env.RunID, func(r *model.Run) error {
		if r.Status == model.StatusCancelling || r.Status == model.StatusCancelled {
			return cancel.ErrCancelled
		}
		r.Status = stage.Running()
		return nil
	}); err != nil {
		return e.settle(rec, stage, err)
	}
	e.recordID(env.RunID)
	log.Info("executor: stage running")

	for _, s := range stages {
		if err := s.Run(ctx, env); err != nil {
			if cancel.IsCancelled(err) {
				env.Progress(s.Name, pipeline.EventCancelled, nil)
			} else {
				env.Progress(s.Name, pipeline.EventFailed, map[string]any{"error": err.Error()})
			}
			return e.settle(rec, stage, eris.Wrapf(err, "%s", s.Name))
		}
	}
	return e.settle(rec, stage, nil)
}

// settle moves the run out of the running state. A cancellation request
// wins over success.
func (e *Executor) settle(rec *registry.Record, stage model.Stage, stageErr error) bool {
	log := rec.Env.Log().With(zap.String("stage", string(stage)))
	completed := false
	run, err := e.registry.Update(rec.Env.RunID, func(r *model.Run) error {
		switch {
		case stageErr == nil && r.Status != model.StatusCancelling:
			r.Status = stage.Completed()
			r.Error = ""
			switch stage {
			case model.StageResearch:
				r.Phase = model.PhaseResearchDone
			case model.StageFinalize:
				r.Phase = model.PhaseDone
			}
			completed = true
		case stageErr == nil || cancel.IsCancelled(stageErr) || rec.Token.IsRequested():
			r.Status = model.StatusCancelled
		default:
			r.Status = stage.Failed()
			r.Error = stageErr.Error()
		}
		return nil
	})
	if err != nil {
		log.Error("executor: settle run", zap.Error(err))
		return false
	}
	e.record(run)

	switch {
	case completed:
		log.Info("executor: stage completed")
	case run.Status == model.StatusCancelled:
		log.Info("executor: stage cancelled")
	default:
		log.Error("executor: stage failed",
			zap.Bool("permanent", resilience.IsPermanent(stageErr)),
			zap.Error(stageErr),
		)
	}
	return completed
}

// deliver sends the result email once, if the run asked for it.
func (e *Executor) deliver(ctx context.Context, rec *registry.Record) {
	run, err := e.registry.Snapshot(rec.Env.RunID)
	if err != nil || run.Email == "" || run.EmailSent {
		return
	}
	log := rec.Env.Log().With(zap.String("email", run.Email))

	if !artifact.Exists(rec.Paths.Excel) {
		log.Error("executor: spreadsheet missing, email not sent")
		e.update(run.ID, func(r *model.Run) {
			r.EmailSent = false
			r.EmailError = "Excel file not generated"
		})
		return
	}
	if !e.notifier.Enabled() {
		log.Warn("executor: notifier disabled, email not sent")
		e.update(run.ID, func(r *model.Run) {
			r.EmailError = "Email delivery failed: notifier disabled"
		})
		return
	}

	msg := notify.NewMessage(run.ID, run.Email, e.opts.Subject, rec.Paths.Excel)
	if err := e.notifier.Notify(ctx, msg); err != nil {
		log.Error("executor: email delivery failed", zap.Error(err))
		e.update(run.ID, func(r *model.Run) {
			r.EmailSent = false
			r.EmailError = fmt.Sprintf("Email delivery failed: %v", err)
		})
		return
	}
	log.Info("executor: email sent")
	e.update(run.ID, func(r *model.Run) {
		r.EmailSent = true
		r.EmailSentTo = run.Email
		r.EmailError = ""
	})
}

func (e *Executor) update(id string, fn func(r *model.Run)) {
	run, err := e.registry.Update(id, func(r *model.Run) error {
		fn(r)
		return nil
	})
	if err != nil {
		zap.L().Error("executor: update run", zap.String("run_id", id), zap.Error(err))
		return
	}
	e.record(run)
}

func (e *Executor) recordID(id string) {
	if run, err := e.registry.Snapshot(id); err == nil {
		e.record(run)
	}
}

// record persists a snapshot. Failures are logged and never affect the run.
func (e *Executor) record(run model.Run) {
	if e.recorder == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := e.recorder.SaveRun(ctx, run); err != nil {
		zap.L().Warn("executor: record run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func transitionErr(r *model.Run, to model.Status) error {
	return eris.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", r.ID, r.Status, to)
}

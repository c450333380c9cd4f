package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfoundry/internal/agent"
	"github.com/sells-group/leadfoundry/internal/enrich"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/notify"
	"github.com/sells-group/leadfoundry/internal/pipeline"
	"github.com/sells-group/leadfoundry/internal/registry"
	"github.com/sells-group/leadfoundry/internal/workspace"
)

type fakeGenerator struct {
	queries []string
	block   chan struct{}
	started chan struct{}
	panics  bool
	calls   atomic.Int32
}

func (f *fakeGenerator) Generate(ctx context.Context, _ map[string]any) ([]string, error) {
	f.calls.Add(1)
	if f.panics {
		panic("generator exploded")
	}
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.queries, nil
}

type fakeSource struct{}

func (fakeSource) Name() string { return "website" }

func (fakeSource) Search(context.Context, string) ([]model.Lead, error) {
	return []model.Lead{
		{Company: "Acme Dental Inc", Website: "https://acme.example", Mail: "hi@acme.example", Location: "Austin"},
		{Company: "Acme Dental", PhoneNumber: "+1 512 555 0100"},
		{Company: "Bright Smiles", Website: "https://bright.example"},
	}, nil
}

type blockingEnricher struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingEnricher) Enrich(ctx context.Context, leads []model.Lead) ([]model.Lead, enrich.Stats, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, enrich.Stats{}, ctx.Err()
	}
	return leads, enrich.Stats{}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeNotifier) Enabled() bool { return true }

func (f *fakeNotifier) sent() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.msgs...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses map[string][]model.Status
}

func (f *fakeRecorder) SaveRun(_ context.Context, run model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string][]model.Status)
	}
	f.statuses[run.ID] = append(f.statuses[run.ID], run.Status)
	return nil
}

func (f *fakeRecorder) history(id string) []model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Status(nil), f.statuses[id]...)
}

type harness struct {
	exec     *Executor
	gen      *fakeGenerator
	notifier *fakeNotifier
	recorder *fakeRecorder
	baseDir  string
}

func newHarness(t *testing.T, maxConcurrent int, enricher pipeline.Enricher) *harness {
	t.Helper()
	settings := pipeline.DefaultSettings()
	settings.Retry.Delay = time.Millisecond
	settings.AgentTimeout = time.Second
	settings.QueryTimeout = 5 * time.Second

	h := &harness{
		gen:      &fakeGenerator{queries: []string{"dentists austin"}},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		baseDir:  t.TempDir(),
	}
	p := pipeline.New(h.gen, []agent.Source{fakeSource{}}, enricher)
	h.exec = New(Options{
		BaseDir:       h.baseDir,
		MaxConcurrent: maxConcurrent,
		Settings:      settings,
	}, p, registry.New(), h.notifier, h.recorder)
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		h.exec.Shutdown(ctx)
	})
	return h
}

func criteria() map[string]any {
	return map[string]any{
		"project": "dentists",
		"targets": map[string]any{"locations": []any{"Austin"}},
	}
}

func wait(t *testing.T, e *Executor, id string) model.Run {
	t.Helper()
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	require.NoError(t, e.Wait(ctx, id))
	run, err := e.Registry().Snapshot(id)
	require.NoError(t, err)
	return run
}

func TestExecutor_ManualFlow(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	assert.Equal(t, model.StageIntake.Queued(), run.Status)
	assert.Equal(t, model.ModeManual, run.Mode)
	assert.True(t, workspace.HasLock(run.RunDir))

	run = wait(t, h.exec, run.ID)
	require.Equal(t, model.StageIntake.Completed(), run.Status, run.Error)
	assert.Equal(t, model.PhaseIntake, run.Phase)
	assert.True(t, run.HasTask)
	assert.True(t, run.TaskDone)

	_, err = h.exec.StartResearch(run.ID)
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)
	require.Equal(t, model.StageResearch.Completed(), run.Status, run.Error)
	assert.Equal(t, model.PhaseResearchDone, run.Phase)
	assert.Equal(t, 3, run.Metrics.TotalLeadsFound)

	_, err = h.exec.Finalize(run.ID)
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)
	require.Equal(t, model.StageFinalize.Completed(), run.Status, run.Error)
	assert.Equal(t, model.PhaseDone, run.Phase)
	assert.Equal(t, 2, run.Metrics.LeadsAfterDedup)
	assert.Greater(t, run.Metrics.ExecutionTimeSeconds, 0.0)

	res, err := h.exec.Finalize(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFinalize.Completed(), res.Status)
	assert.True(t, res.ExcelAvailable)
	assert.Contains(t, res.Outputs, "outputs/final_leads_list.xlsx")
	assert.Contains(t, res.Outputs, "outputs/lead_list_deduped.json")
	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Empty(t, h.notifier.sent())

	history := h.recorder.history(run.ID)
	assert.Equal(t, []model.Status{
		model.StatusCreated,
		model.StageIntake.Queued(), model.StageIntake.Running(), model.StageIntake.Completed(),
		model.StageResearch.Queued(), model.StageResearch.Running(), model.StageResearch.Completed(),
		model.StageFinalize.Queued(), model.StageFinalize.Running(), model.StageFinalize.Completed(),
	}, history)
}

func TestExecutor_InvalidTransitions(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Create(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, run.Status)

	_, err = h.exec.StartResearch(run.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = h.exec.Finalize(run.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = h.exec.StartIntake("nope")
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	snap, err := h.exec.Registry().Snapshot(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, snap.Status)
	assert.Equal(t, model.PhaseIntake, snap.Phase)
}

func TestExecutor_InvalidEmail(t *testing.T) {
	h := newHarness(t, 2, nil)

	_, err := h.exec.Create(context.Background(), CreateRequest{Criteria: criteria(), Email: "not-an-address"})
	assert.True(t, errors.Is(err, ErrInvalidEmail))
	assert.Empty(t, h.exec.Registry().List())
}

func TestExecutor_EmailAutoFinalize(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria(), Email: "ops@globex.com"})
	require.NoError(t, err)
	assert.Equal(t, model.ModeEmailAutoFinalize, run.Mode)
	wait(t, h.exec, run.ID)

	_, err = h.exec.StartResearch(run.ID)
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)

	require.Equal(t, model.StageFinalize.Completed(), run.Status, run.Error)
	assert.Equal(t, model.PhaseDone, run.Phase)
	assert.True(t, run.EmailSent)
	assert.Equal(t, "ops@globex.com", run.EmailSentTo)
	assert.Empty(t, run.EmailError)

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops@globex.com", sent[0].To)
	assert.Equal(t, notify.DefaultSubject, sent[0].Subject)
	assert.Equal(t, workspace.NewPaths(run.RunDir).Excel, sent[0].AttachmentPath)

	// A manual finalize after delivery is a no-op.
	res, err := h.exec.Finalize(run.ID)
	require.NoError(t, err)
	assert.True(t, res.ExcelAvailable)
	assert.Len(t, h.notifier.sent(), 1)
}

func TestExecutor_EmailFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.notifier.err = errors.New("535 authentication failed")

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria(), Email: "ops@globex.com"})
	require.NoError(t, err)
	wait(t, h.exec, run.ID)
	_, err = h.exec.StartResearch(run.ID)
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)

	assert.Equal(t, model.StageFinalize.Completed(), run.Status)
	assert.False(t, run.EmailSent)
	assert.Contains(t, run.EmailError, "Email delivery failed")
	assert.Contains(t, run.EmailError, "535 authentication failed")
}

func TestExecutor_IntakeFailureIsRetryable(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: map[string]any{}})
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)

	assert.Equal(t, model.StageIntake.Failed(), run.Status)
	assert.Contains(t, run.Error, "invalid criteria")
	assert.Equal(t, int32(0), h.gen.calls.Load())

	view, err := h.exec.Status(run.ID)
	require.NoError(t, err)
	assert.Contains(t, view.ProgressFiles, "progress_intake.json")

	run, err = h.exec.StartIntake(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageIntake.Queued(), run.Status)
	assert.Empty(t, run.Error)
	wait(t, h.exec, run.ID)
}

func TestExecutor_PanicSettlesRun(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.gen.panics = true

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	run = wait(t, h.exec, run.ID)

	assert.Equal(t, model.StageIntake.Failed(), run.Status)
	assert.Contains(t, run.Error, "panicked")
}

func TestExecutor_CancelRunningStage(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.gen.block = make(chan struct{})
	h.gen.started = make(chan struct{}, 1)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)

	select {
	case <-h.gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("intake never started")
	}

	run, err = h.exec.Cancel(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelling, run.Status)

	run = wait(t, h.exec, run.ID)
	assert.Equal(t, model.StatusCancelled, run.Status)

	_, err = h.exec.StartIntake(run.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestExecutor_CancelIdleRun(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	wait(t, h.exec, run.ID)

	run, err = h.exec.Cancel(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, run.Status)

	_, err = h.exec.StartResearch(run.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestExecutor_ConcurrencyBound(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.gen.block = make(chan struct{})
	h.gen.started = make(chan struct{}, 2)

	first, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	<-h.gen.started

	second, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)

	// The second run cannot take the only slot while the first holds it.
	time.Sleep(50 * time.Millisecond)
	snap, err := h.exec.Registry().Snapshot(second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageIntake.Queued(), snap.Status)
	assert.Equal(t, int32(1), h.gen.calls.Load())

	close(h.gen.block)
	assert.Equal(t, model.StageIntake.Completed(), wait(t, h.exec, first.ID).Status)
	assert.Equal(t, model.StageIntake.Completed(), wait(t, h.exec, second.ID).Status)
	assert.Equal(t, int32(2), h.gen.calls.Load())
}

func TestExecutor_FinalizeLaunchesOnce(t *testing.T) {
	enricher := &blockingEnricher{release: make(chan struct{})}
	h := newHarness(t, 2, enricher)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	wait(t, h.exec, run.ID)
	_, err = h.exec.StartResearch(run.ID)
	require.NoError(t, err)
	wait(t, h.exec, run.ID)

	first, err := h.exec.Finalize(run.ID)
	require.NoError(t, err)
	assert.True(t, first.Status.InFlight())

	require.Eventually(t, func() bool { return enricher.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := h.exec.Finalize(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFinalize.Running(), second.Status)
	assert.False(t, second.ExcelAvailable)

	close(enricher.release)
	run = wait(t, h.exec, run.ID)
	assert.Equal(t, model.StageFinalize.Completed(), run.Status)
	assert.Equal(t, int32(1), enricher.calls.Load())
}

func TestExecutor_StatusView(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria(), Email: "ops@globex.com"})
	require.NoError(t, err)
	wait(t, h.exec, run.ID)

	view, err := h.exec.Status(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, view.RunID)
	assert.Equal(t, run.RunDir, view.RunDir)
	assert.Equal(t, model.StageIntake.Completed(), view.Status)
	assert.Equal(t, model.ModeEmailAutoFinalize, view.ExecutionMode)
	assert.True(t, view.EmailDeliveryEnabled)
	assert.False(t, view.EmailSent)
	assert.True(t, view.HasTask)
	assert.True(t, view.TaskDone)
	assert.Equal(t, []string{"progress_intake.json"}, view.ProgressFiles)
	assert.Equal(t, 1, view.Metrics.TotalQueries)

	_, err = h.exec.Status("missing")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestExecutor_ShutdownReleasesLocks(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Submit(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	wait(t, h.exec, run.ID)
	require.True(t, workspace.HasLock(run.RunDir))

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	h.exec.Shutdown(ctx)

	assert.False(t, workspace.HasLock(run.RunDir))
}

func TestExecutor_ReclaimSkipsActiveRuns(t *testing.T) {
	h := newHarness(t, 2, nil)

	run, err := h.exec.Create(context.Background(), CreateRequest{Criteria: criteria()})
	require.NoError(t, err)
	require.NoError(t, workspace.RemoveLock(run.RunDir))

	res, err := h.exec.Reclaim()
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.DirExists(t, run.RunDir)
}

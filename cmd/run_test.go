package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfoundry/internal/agent"
	"github.com/sells-group/leadfoundry/internal/config"
	"github.com/sells-group/leadfoundry/internal/executor"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/pipeline"
	"github.com/sells-group/leadfoundry/internal/registry"
)

type cannedGenerator struct{ queries []string }

func (g cannedGenerator) Generate(context.Context, map[string]any) ([]string, error) {
	return g.queries, nil
}

type cannedSource struct{}

func (cannedSource) Name() string { return "website" }

func (cannedSource) Search(context.Context, string) ([]model.Lead, error) {
	return []model.Lead{{Company: "Harbor Freight Logistics", Website: "https://harbor.example", Mail: "ops@harbor.example"}}, nil
}

func testExecutor(t *testing.T, gen agent.QueryGenerator) *executor.Executor {
	t.Helper()
	settings := pipeline.DefaultSettings()
	settings.Retry.Delay = time.Millisecond
	p := pipeline.New(gen, []agent.Source{cannedSource{}}, nil)
	exec := executor.New(executor.Options{BaseDir: t.TempDir(), MaxConcurrent: 1, Settings: settings},
		p, registry.New(), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	return exec
}

func TestRunToCompletion(t *testing.T) {
	exec := testExecutor(t, cannedGenerator{queries: []string{"freight forwarders rotterdam"}})

	view, err := runToCompletion(context.Background(), exec, executor.CreateRequest{
		Criteria: map[string]any{"project": "logistics"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StageFinalize.Completed(), view.Status)
	assert.Equal(t, model.PhaseDone, view.Phase)
	assert.Equal(t, 1, view.Metrics.LeadsAfterDedup)
	assert.Contains(t, view.ProgressFiles, "progress_export.json")
}

func TestRunToCompletion_EmailModeWithoutNotifier(t *testing.T) {
	exec := testExecutor(t, cannedGenerator{queries: []string{"freight forwarders rotterdam"}})

	view, err := runToCompletion(context.Background(), exec, executor.CreateRequest{
		Criteria: map[string]any{"project": "logistics"},
		Email:    "ops@harbor.example",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StageFinalize.Completed(), view.Status)
	assert.True(t, view.EmailDeliveryEnabled)
	assert.False(t, view.EmailSent)
	assert.Contains(t, view.EmailError, "notifier disabled")
}

func TestRunToCompletion_IntakeFailure(t *testing.T) {
	exec := testExecutor(t, cannedGenerator{})

	view, err := runToCompletion(context.Background(), exec, executor.CreateRequest{
		Criteria: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intake_failed")
	assert.Equal(t, model.StageIntake.Failed(), view.Status)
}

func TestExecutorOptions(t *testing.T) {
	c := &config.Config{
		Workspace: config.WorkspaceConfig{BaseDir: "runs", RunPrefix: "run_", ReclaimMinAge: time.Hour, ReclaimOnCreate: true},
		Executor:  config.ExecutorConfig{MaxConcurrentRuns: 5, MaxRetries: 4, RetryDelay: 2 * time.Second, QueryTimeout: time.Minute},
		Research:  config.ResearchConfig{AgentTimeout: 30 * time.Second, MergeFailureThreshold: 0.25},
		Notify:    config.NotifyConfig{Subject: "Leads"},
	}

	opts := executorOptions(c)
	assert.Equal(t, "runs", opts.BaseDir)
	assert.Equal(t, 5, opts.MaxConcurrent)
	assert.True(t, opts.ReclaimOnCreate)
	assert.Equal(t, 4, opts.Settings.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.Settings.Retry.Delay)
	assert.Equal(t, time.Minute, opts.Settings.QueryTimeout)
	assert.Equal(t, 30*time.Second, opts.Settings.AgentTimeout)
	assert.InDelta(t, 0.25, opts.Settings.MergeFailureThreshold, 0.0001)
	assert.Equal(t, "Leads", opts.Subject)
}

func TestEnrichFetcher_JinaIsSingleShot(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &config.Config{
		Enrich: config.EnrichConfig{Fetcher: "jina", TimeoutSecs: 5},
		Jina:   config.JinaConfig{BaseURL: srv.URL},
	}
	fetcher, err := enrichFetcher(c)
	require.NoError(t, err)
	assert.Equal(t, "jina", fetcher.Name())

	_, err = fetcher.Scrape(context.Background(), "https://harbor.example/contact")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnrichFetcher_Local(t *testing.T) {
	fetcher, err := enrichFetcher(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "local_http", fetcher.Name())
}

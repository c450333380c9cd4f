package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/agent"
	"github.com/sells-group/leadfoundry/internal/config"
	"github.com/sells-group/leadfoundry/internal/enrich"
	"github.com/sells-group/leadfoundry/internal/executor"
	"github.com/sells-group/leadfoundry/internal/notify"
	"github.com/sells-group/leadfoundry/internal/pipeline"
	"github.com/sells-group/leadfoundry/internal/registry"
	"github.com/sells-group/leadfoundry/internal/resilience"
	"github.com/sells-group/leadfoundry/internal/scrape"
	"github.com/sells-group/leadfoundry/internal/store"
	anthropicpkg "github.com/sells-group/leadfoundry/pkg/anthropic"
	"github.com/sells-group/leadfoundry/pkg/google"
	"github.com/sells-group/leadfoundry/pkg/jina"
	"github.com/sells-group/leadfoundry/pkg/perplexity"
)

// engine holds the initialized clients, store and executor needed by the
// run and serve commands.
type engine struct {
	Store    store.RunStore // may be nil
	Executor *executor.Executor
}

// Close shuts the executor down and releases the store.
func (e *engine) Close(ctx context.Context) {
	e.Executor.Shutdown(ctx)
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store, all API clients and the pipeline, and
// builds the executor. Callers should defer eng.Close().
func initEngine(ctx context.Context, mode string) (*engine, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	closeStore := func() {
		if st != nil {
			_ = st.Close()
		}
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		closeStore()
		return nil, err
	}

	var recorder executor.Recorder
	if st != nil {
		recorder = st
	}

	exec := executor.New(executorOptions(cfg), p, registry.New(), notifier, recorder)
	return &engine{Store: st, Executor: exec}, nil
}

// executorOptions maps the configuration onto executor options.
func executorOptions(c *config.Config) executor.Options {
	settings := pipeline.DefaultSettings()
	settings.Retry.MaxAttempts = c.Executor.MaxRetries
	settings.Retry.Delay = c.Executor.RetryDelay
	settings.QueryTimeout = c.Executor.QueryTimeout
	settings.AgentTimeout = c.Research.AgentTimeout
	settings.MergeFailureThreshold = c.Research.MergeFailureThreshold

	return executor.Options{
		BaseDir:         c.Workspace.BaseDir,
		RunPrefix:       c.Workspace.RunPrefix,
		ReclaimMinAge:   c.Workspace.ReclaimMinAge,
		ReclaimOnCreate: c.Workspace.ReclaimOnCreate,
		MaxConcurrent:   c.Executor.MaxConcurrentRuns,
		Settings:        settings,
		Subject:         c.Notify.Subject,
	}
}

// buildPipeline wires the query generator, lead sources and enricher.
func buildPipeline(c *config.Config) (*pipeline.Pipeline, error) {
	catalog, err := agent.LoadCatalog()
	if err != nil {
		return nil, eris.Wrap(err, "load prompt catalog")
	}

	anthropicClient := anthropicpkg.NewClient(c.Anthropic.Key)
	jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
	if c.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(c.Jina.Key, jinaOpts...)

	deps := agent.Deps{
		Jina:       jinaClient,
		Structurer: agent.NewClaudeStructurer(anthropicClient, c.Anthropic.Model, c.Anthropic.MaxTokens, catalog),
		Catalog:    catalog,
		Limit:      c.Research.MaxResultsPerSource,
		Breakers: resilience.NewSourceBreakers(resilience.BreakerConfig{
			FailureThreshold: c.Research.BreakerThreshold,
			Cooldown:         c.Research.BreakerCooldown,
		}),
	}

	// Google Places and Perplexity are optional sources.
	if c.Google.Key != "" {
		deps.Places = google.NewClient(c.Google.Key, google.WithBaseURL(c.Google.BaseURL))
	} else {
		zap.L().Debug("LEADFOUNDRY_GOOGLE_KEY not set, gmap source unavailable")
	}
	if c.Perplexity.Key != "" {
		deps.Perplexity = perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
	} else {
		zap.L().Debug("LEADFOUNDRY_PERPLEXITY_KEY not set, perplexity source unavailable")
	}

	sources, err := agent.BuildSources(c.Research.Sources, deps)
	if err != nil {
		return nil, err
	}

	fetcher, err := enrichFetcher(c)
	if err != nil {
		return nil, err
	}
	enricher := enrich.New(fetcher, enrich.Options{
		Paths:       c.Enrich.Paths,
		SkipHosts:   c.Enrich.SkipHosts,
		Concurrency: c.Enrich.Concurrency,
		RatePerHost: c.Enrich.RatePerHost,
	})

	generator := agent.NewClaudeQueryGenerator(anthropicClient, c.Anthropic.Model, c.Anthropic.MaxTokens, catalog)

	zap.L().Info("pipeline initialized",
		zap.Strings("sources", c.Research.Sources),
		zap.String("fetcher", fetcher.Name()),
	)
	return pipeline.New(generator, sources, enricher), nil
}

// enrichFetcher builds the page fetcher for contact enrichment. Enrichment
// fetches are single-shot, so the Jina fetcher gets its own Reader client
// with retries disabled instead of sharing the research client.
func enrichFetcher(c *config.Config) (scrape.Scraper, error) {
	timeout := time.Duration(c.Enrich.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := &http.Client{Timeout: timeout}

	if c.Enrich.Fetcher == "jina" {
		reader := jina.NewClient(c.Jina.Key,
			jina.WithBaseURL(c.Jina.BaseURL),
			jina.WithHTTPClient(hc),
			jina.WithRetry(1, 0),
		)
		return scrape.New("jina", reader)
	}
	return scrape.NewLocalScraper(scrape.WithHTTPClient(hc)), nil
}

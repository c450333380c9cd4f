package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadfoundry/internal/agent"
	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
)

// QueryOutcome records the agent outcomes of one query in the consolidated
// artifact.
type QueryOutcome struct {
	Query  string               `json:"query"`
	Agents []model.AgentOutcome `json:"agents"`
}

// ConsolidatedDoc is the research stage artifact. Readers that only need
// leads decode it as a model.LeadList.
type ConsolidatedDoc struct {
	Leads    []model.Lead   `json:"leads"`
	Outcomes []QueryOutcome `json:"agent_outcomes"`
}

// MergeStats describes a part merge.
type MergeStats struct {
	Parts  int
	Failed int
}

// Research runs every suggested query against all sources, one query at a
// time, and merges the per-query parts into the consolidated artifact.
func (p *Pipeline) Research(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageResearch))
	log.Info("pipeline: research started")
	env.Progress(StageResearch, EventStarted, nil)

	queries, err := loadQueries(env.Paths.SuggestedQueries)
	if err != nil {
		return err
	}

	// Parts from an earlier attempt must not leak into this merge.
	if err := os.RemoveAll(env.Paths.PartsDir); err != nil {
		return eris.Wrap(err, "pipeline: clear research parts")
	}
	if err := os.MkdirAll(env.Paths.PartsDir, 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create research parts dir")
	}

	total := len(queries)
	if total == 0 {
		log.Warn("pipeline: no queries to research")
	}

	for i, q := range queries {
		if err := env.checkpoint(ctx); err != nil {
			return err
		}
		idx := i + 1
		start := time.Now()
		qlog := log.With(zap.Int("query_idx", idx), zap.Int("total", total), zap.String("query", q))
		qlog.Info("pipeline: query started")

		err := env.retry(ctx, "research_query", func(ctx context.Context) error {
			return p.researchQuery(ctx, env, idx, q)
		})
		if err != nil && (cancel.IsCancelled(err) || env.Token.IsRequested()) {
			return err
		}

		dur := time.Since(start).Seconds()
		ok := err == nil
		env.Metrics.Update(func(m *model.Metrics) {
			if ok {
				m.SuccessfulQueries++
			} else {
				m.FailedQueries++
			}
		})
		if ok {
			qlog.Info("pipeline: query succeeded", zap.Float64("duration_sec", dur))
		} else {
			qlog.Error("pipeline: query failed", zap.Float64("duration_sec", dur), zap.Error(err))
		}
		env.Progress(StageResearch, EventProgress, map[string]any{
			"idx":          idx,
			"total":        total,
			"success":      ok,
			"duration_sec": dur,
		})
	}

	doc, stats, err := MergeParts(env.Paths.PartsDir, env.Settings.MergeFailureThreshold)
	if err != nil {
		return err
	}
	if err := artifact.WriteJSON(doc, env.Paths.Consolidated, artifact.DefaultOptions()); err != nil {
		return eris.Wrap(err, "pipeline: write consolidated leads")
	}
	env.Metrics.Update(func(m *model.Metrics) { m.TotalLeadsFound = len(doc.Leads) })

	snap := env.Metrics.Snapshot()
	log.Info("pipeline: research completed",
		zap.Int("queries", total),
		zap.Int("succeeded", snap.SuccessfulQueries),
		zap.Int("failed", snap.FailedQueries),
		zap.Int("parts", stats.Parts),
		zap.Int("unreadable_parts", stats.Failed),
		zap.Int("leads", len(doc.Leads)),
	)
	env.Progress(StageResearch, EventCompleted, map[string]any{"leads": len(doc.Leads)})
	return nil
}

// researchQuery fans one query out to every source and writes its part.
// It fails only when no source produced a result.
func (p *Pipeline) researchQuery(ctx context.Context, env *Env, idx int, query string) error {
	qctx := ctx
	if env.Settings.QueryTimeout > 0 {
		var cancelFn context.CancelFunc
		qctx, cancelFn = context.WithTimeout(ctx, env.Settings.QueryTimeout)
		defer cancelFn()
	}

	outcomes := make([]model.AgentOutcome, len(p.sources))
	results := make([][]model.Lead, len(p.sources))
	errs := make([]error, len(p.sources))

	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			results[i], outcomes[i], errs[i] = runSource(qctx, src, query, env.Settings.AgentTimeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := env.checkpoint(ctx); err != nil {
		return err
	}

	part := model.ResearchPart{Query: query, Agents: outcomes}
	okCount := 0
	for i, o := range outcomes {
		if o.Status == model.AgentOK {
			okCount++
		}
		part.Leads = append(part.Leads, results[i]...)
	}
	if len(p.sources) > 0 && okCount == 0 {
		msgs := make([]string, 0, len(outcomes))
		for _, o := range outcomes {
			msgs = append(msgs, o.Agent+": "+o.Message)
		}
		err := eris.Errorf("pipeline: all sources failed for %q: %s", query, strings.Join(msgs, "; "))
		if allPermanent(errs) {
			return resilience.NewPermanentError(err)
		}
		return resilience.NewTransientError(err, 0)
	}

	if err := artifact.WriteJSON(part, env.Paths.Part(idx), artifact.Options{}); err != nil {
		return eris.Wrapf(err, "pipeline: write part %d", idx)
	}
	return nil
}

type sourceResult struct {
	leads []model.Lead
	err   error
}

// allPermanent reports whether every source failed in a way retrying
// cannot fix.
func allPermanent(errs []error) bool {
	for _, err := range errs {
		if !resilience.IsPermanent(err) {
			return false
		}
	}
	return len(errs) > 0
}

// runSource calls one source under a hard timeout. A source that does not
// return in time is abandoned and reported as a timeout outcome.
func runSource(ctx context.Context, src agent.Source, query string, timeout time.Duration) ([]model.Lead, model.AgentOutcome, error) {
	name := src.Name()
	actx := ctx
	if timeout > 0 {
		var cancelFn context.CancelFunc
		actx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}

	ch := make(chan sourceResult, 1)
	go func() {
		leads, err := src.Search(actx, query)
		ch <- sourceResult{leads: leads, err: err}
	}()

	var res sourceResult
	select {
	case res = <-ch:
	case <-actx.Done():
		res.err = actx.Err()
	}

	switch {
	case res.err == nil:
		return res.leads, model.AgentOutcome{Agent: name, Status: model.AgentOK, Leads: len(res.leads)}, nil
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		zap.L().Warn("pipeline: source timed out", zap.String("source", name), zap.Duration("timeout", timeout))
		return nil, model.AgentOutcome{
			Agent:   name,
			Status:  model.AgentTimeout,
			Message: name + " exceeded " + strconv.Itoa(int(timeout.Seconds())) + " seconds",
		}, actx.Err()
	default:
		zap.L().Warn("pipeline: source failed", zap.String("source", name), zap.Error(res.err))
		return nil, model.AgentOutcome{Agent: name, Status: model.AgentFailed, Message: res.err.Error()}, res.err
	}
}

// MergeParts concatenates every part file in dir in query order. Unreadable
// parts are skipped while their share of the total stays at or below
// threshold; beyond it the merge fails.
func MergeParts(dir string, threshold float64) (ConsolidatedDoc, MergeStats, error) {
	doc := ConsolidatedDoc{Leads: []model.Lead{}}
	var stats MergeStats

	files, err := partFiles(dir)
	if err != nil {
		return doc, stats, err
	}
	stats.Parts = len(files)

	for _, f := range files {
		var part model.ResearchPart
		if err := artifact.ReadJSON(f, &part); err != nil {
			stats.Failed++
			zap.L().Warn("pipeline: unreadable research part", zap.String("file", filepath.Base(f)), zap.Error(err))
			continue
		}
		doc.Leads = append(doc.Leads, part.Leads...)
		doc.Outcomes = append(doc.Outcomes, QueryOutcome{Query: part.Query, Agents: part.Agents})
	}

	if stats.Parts > 0 && float64(stats.Failed)/float64(stats.Parts) > threshold {
		return doc, stats, eris.Errorf("pipeline: %d of %d research parts unreadable (threshold %.2f)",
			stats.Failed, stats.Parts, threshold)
	}
	return doc, stats, nil
}

// partFiles lists consolidated_part_N.json files sorted by N.
func partFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "pipeline: list research parts")
	}
	type numbered struct {
		n    int
		path string
	}
	var parts []numbered
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "consolidated_part_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "consolidated_part_"), ".json"))
		if err != nil {
			continue
		}
		parts = append(parts, numbered{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })

	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.path
	}
	return out, nil
}

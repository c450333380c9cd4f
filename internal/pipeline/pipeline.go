package pipeline

import (
	"context"
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/agent"
	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/enrich"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
)

// Stage names used for progress documents and logs.
const (
	StageIntake   = "intake"
	StageResearch = "research"
	StageDedupe   = "dedupe"
	StageEnrich   = "enrich"
	StageSort     = "sort"
	StageExport   = "export"
)

//go:embed criteria.schema.json
var criteriaSchemaJSON []byte

var criteriaSchema = mustSchema(criteriaSchemaJSON)

func mustSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(err)
	}
	return s
}

// Enricher fills missing contact fields.
type Enricher interface {
	Enrich(ctx context.Context, leads []model.Lead) ([]model.Lead, enrich.Stats, error)
}

// Pipeline holds the stage collaborators shared by every run.
type Pipeline struct {
	generator agent.QueryGenerator
	sources   []agent.Source
	enricher  Enricher
}

// New creates a Pipeline. A nil enricher passes leads through unchanged.
func New(generator agent.QueryGenerator, sources []agent.Source, enricher Enricher) *Pipeline {
	return &Pipeline{generator: generator, sources: sources, enricher: enricher}
}

// Finalize returns the finalize stages in execution order.
func (p *Pipeline) Finalize() []NamedStage {
	return []NamedStage{
		{Name: StageDedupe, Run: p.Dedupe},
		{Name: StageEnrich, Run: p.Enrich},
		{Name: StageSort, Run: p.Sort},
		{Name: StageExport, Run: p.Export},
	}
}

// QueryDoc is the suggested queries artifact.
type QueryDoc struct {
	Queries []string `json:"queries"`
}

// ValidateCriteria checks a criteria document against the embedded schema.
// Violations are permanent errors.
func ValidateCriteria(criteria map[string]any) error {
	res, err := criteriaSchema.Validate(gojsonschema.NewGoLoader(criteria))
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "pipeline: validate criteria"))
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return resilience.NewPermanentError(eris.Errorf("pipeline: invalid criteria: %s", strings.Join(msgs, "; ")))
	}
	return nil
}

// Intake turns the criteria document into suggested queries.
func (p *Pipeline) Intake(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageIntake))
	log.Info("pipeline: intake started")
	env.Progress(StageIntake, EventStarted, nil)

	var criteria map[string]any
	if err := artifact.ReadJSON(env.Paths.UserInput, &criteria); err != nil {
		if artifact.IsNotFound(err) {
			return resilience.NewPermanentError(eris.Wrap(err, "pipeline: criteria document missing"))
		}
		return resilience.NewPermanentError(eris.Wrap(err, "pipeline: read criteria"))
	}
	if err := ValidateCriteria(criteria); err != nil {
		return err
	}

	queries, err := resilience.DoVal(ctx, env.Token, env.retryConfig("intake"), func(ctx context.Context) ([]string, error) {
		return p.generator.Generate(ctx, criteria)
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: generate queries")
	}
	if len(queries) == 0 {
		log.Warn("pipeline: no queries generated")
	}

	if err := artifact.WriteJSON(QueryDoc{Queries: queries}, env.Paths.SuggestedQueries, artifact.DefaultOptions()); err != nil {
		return eris.Wrap(err, "pipeline: write suggested queries")
	}
	env.Metrics.Update(func(m *model.Metrics) { m.TotalQueries = len(queries) })

	log.Info("pipeline: intake completed", zap.Int("queries", len(queries)))
	env.Progress(StageIntake, EventCompleted, map[string]any{"queries": len(queries)})
	return nil
}

// loadQueries reads the suggested queries artifact. Absence is permanent.
func loadQueries(path string) ([]string, error) {
	var doc QueryDoc
	if err := artifact.ReadJSON(path, &doc); err != nil {
		if artifact.IsNotFound(err) {
			return nil, resilience.NewPermanentError(eris.Wrap(err, "pipeline: suggested queries missing"))
		}
		return nil, eris.Wrap(err, "pipeline: read suggested queries")
	}
	return doc.Queries, nil
}

// loadLeads reads a lead artifact. Absence is permanent.
func loadLeads(path, what string) ([]model.Lead, error) {
	var list model.LeadList
	if err := artifact.ReadJSON(path, &list); err != nil {
		if artifact.IsNotFound(err) {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "pipeline: %s artifact missing", what))
		}
		return nil, eris.Wrapf(err, "pipeline: read %s artifact", what)
	}
	return list.Leads, nil
}

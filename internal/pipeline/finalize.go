package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/export"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
)

// Enrich fills missing contact fields of the deduplicated leads. It is not
// retried as a whole; the enricher makes at most one pass per lead.
func (p *Pipeline) Enrich(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageEnrich))
	log.Info("pipeline: enrich started")
	env.Progress(StageEnrich, EventStarted, nil)

	leads, err := loadLeads(env.Paths.Deduped, "deduped")
	if err != nil {
		return err
	}

	var stats map[string]any
	if p.enricher != nil {
		out, st, err := p.enricher.Enrich(ctx, leads)
		if err != nil {
			if cerr := env.checkpoint(ctx); cerr != nil {
				return cerr
			}
			return eris.Wrap(err, "pipeline: enrich leads")
		}
		leads = out
		stats = map[string]any{"attempted": st.Attempted, "enriched": st.Enriched, "pages": st.Pages}
	}

	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	if err := artifact.WriteJSON(model.LeadList{Leads: leads}, env.Paths.Enriched, artifact.DefaultOptions()); err != nil {
		return eris.Wrap(err, "pipeline: write enriched leads")
	}

	withContact := 0
	for _, l := range leads {
		if model.HasContact(l.Mail) || model.HasContact(l.PhoneNumber) {
			withContact++
		}
	}
	env.Metrics.Update(func(m *model.Metrics) {
		m.LeadsEnriched = len(leads)
		m.LeadsWithContactInfo = withContact
	})

	log.Info("pipeline: enrich completed", zap.Int("leads", len(leads)), zap.Int("with_contact", withContact))
	env.Progress(StageEnrich, EventCompleted, stats)
	return nil
}

// contactRank orders leads by contact completeness: 0 both, 1 email only,
// 2 phone only, 3 neither.
func contactRank(l model.Lead) int {
	mail, phone := model.HasContact(l.Mail), model.HasContact(l.PhoneNumber)
	switch {
	case mail && phone:
		return 0
	case mail:
		return 1
	case phone:
		return 2
	}
	return 3
}

// SortLeads returns leads ordered by contact completeness. Equal ranks keep
// their input order.
func SortLeads(leads []model.Lead) []model.Lead {
	out := append([]model.Lead(nil), leads...)
	sort.SliceStable(out, func(i, j int) bool { return contactRank(out[i]) < contactRank(out[j]) })
	return out
}

// Sort orders the enriched leads into the sorted artifact.
func (p *Pipeline) Sort(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageSort))
	env.Progress(StageSort, EventStarted, nil)

	var n int
	err := env.retry(ctx, "sort", func(ctx context.Context) error {
		leads, err := loadLeads(env.Paths.Enriched, "enriched")
		if err != nil {
			return err
		}
		sorted := SortLeads(leads)
		if err := artifact.WriteJSON(model.LeadList{Leads: sorted}, env.Paths.Sorted, artifact.DefaultOptions()); err != nil {
			return eris.Wrap(err, "pipeline: write sorted leads")
		}
		n = len(sorted)
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("pipeline: sort completed", zap.Int("leads", n))
	env.Progress(StageSort, EventCompleted, map[string]any{"leads": n})
	return nil
}

// Export writes the sorted leads to the spreadsheet. A missing spreadsheet
// after a successful write is a permanent failure.
func (p *Pipeline) Export(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageExport))
	env.Progress(StageExport, EventStarted, nil)

	var n int
	err := env.retry(ctx, "export", func(ctx context.Context) error {
		leads, err := loadLeads(env.Paths.Sorted, "sorted")
		if err != nil {
			return err
		}
		if err := export.WriteXLSX(leads, env.Paths.Excel); err != nil {
			return err
		}
		n = len(leads)
		return nil
	})
	if err != nil {
		return err
	}
	if !artifact.Exists(env.Paths.Excel) {
		return resilience.NewPermanentError(eris.New("pipeline: export not produced"))
	}

	log.Info("pipeline: export completed", zap.Int("rows", n), zap.String("file", env.Paths.Excel))
	env.Progress(StageExport, EventCompleted, map[string]any{"rows": n})
	return nil
}

// LogSummary logs the run counters with the dedup and contact rates.
func LogSummary(env *Env) {
	m := env.Metrics.Snapshot()
	var dedupRate, contactRate float64
	if m.TotalLeadsFound > 0 {
		dedupRate = float64(m.TotalLeadsFound-m.LeadsAfterDedup) / float64(m.TotalLeadsFound) * 100
	}
	if m.LeadsEnriched > 0 {
		contactRate = float64(m.LeadsWithContactInfo) / float64(m.LeadsEnriched) * 100
	}
	env.Log().Info("pipeline: run summary",
		zap.Int("total_queries", m.TotalQueries),
		zap.Int("successful_queries", m.SuccessfulQueries),
		zap.Int("failed_queries", m.FailedQueries),
		zap.Int("leads_found", m.TotalLeadsFound),
		zap.Int("leads_after_dedup", m.LeadsAfterDedup),
		zap.Float64("dedup_rate_pct", dedupRate),
		zap.Int("leads_with_contact", m.LeadsWithContactInfo),
		zap.Float64("contact_rate_pct", contactRate),
		zap.Float64("execution_time_sec", m.ExecutionTimeSeconds),
	)
}

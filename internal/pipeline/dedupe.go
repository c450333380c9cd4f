package pipeline

import (
	"context"
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/internal/resilience"
)

// Legal-form suffixes stripped from company keys, applied in order.
var companySuffixes = []string{" inc", " ltd", " llc", " corp", " co"}

// Cluster records which input leads were merged and which one was kept.
type Cluster struct {
	Indices     []int `json:"indices"`
	ChosenIndex int   `json:"chosen_index"`
}

// CompanyKey normalizes a company name for grouping: accents folded, case
// and punctuation dropped, legal suffixes removed, whitespace collapsed.
// Names that normalize to nothing return "".
func CompanyKey(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, strings.TrimSpace(folded))

	s = strings.Join(strings.Fields(s), " ")
	for _, suf := range companySuffixes {
		s = strings.TrimSuffix(s, suf)
	}
	s = strings.Join(strings.Fields(s), " ")
	if strings.EqualFold(s, model.Unknown) {
		return ""
	}
	return s
}

// Score ranks a lead as a merge canonical: email 3, phone 2, website 1.
func Score(l model.Lead) int {
	s := 0
	if !model.IsMissing(l.Mail) && strings.Contains(l.Mail, "@") {
		s += 3
	}
	if !model.IsMissing(l.PhoneNumber) {
		s += 2
	}
	if !model.IsMissing(l.Website) {
		s += 1
	}
	return s
}

// Dedupe groups leads by CompanyKey. Each group keeps its highest scoring
// member (earliest on ties), backfilled from the other members without
// overwriting present values. Leads without a usable name stay alone.
// Output order follows each group's first appearance.
func Dedupe(leads []model.Lead) ([]model.Lead, map[int]Cluster) {
	var groups [][]int
	byKey := make(map[string]int)
	for i, l := range leads {
		name := l.Company
		if model.IsMissing(name) {
			if n, ok := l.Extra["name"].(string); ok {
				name = n
			}
		}
		key := CompanyKey(name)
		if key == "" {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := byKey[key]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		byKey[key] = len(groups)
		groups = append(groups, []int{i})
	}

	out := make([]model.Lead, 0, len(groups))
	clusters := make(map[int]Cluster, len(groups))
	for gi, members := range groups {
		best := members[0]
		for _, m := range members[1:] {
			if Score(leads[m]) > Score(leads[best]) {
				best = m
			}
		}
		canon := leads[best].Clone()
		for _, m := range members {
			if m != best {
				canon.Backfill(leads[m])
			}
		}
		out = append(out, canon)
		clusters[gi] = Cluster{Indices: members, ChosenIndex: best}
	}
	return out, clusters
}

// Dedupe runs deduplication on the consolidated artifact. When it fails for
// a reason other than cancellation or a permanent error, the consolidated
// artifact is copied through as the deduplicated one.
func (p *Pipeline) Dedupe(ctx context.Context, env *Env) error {
	if err := env.checkpoint(ctx); err != nil {
		return err
	}
	log := env.Log().With(zap.String("stage", StageDedupe))
	log.Info("pipeline: dedupe started")
	env.Progress(StageDedupe, EventStarted, nil)

	var before, after int
	err := env.retry(ctx, "dedupe", func(ctx context.Context) error {
		leads, err := loadLeads(env.Paths.Consolidated, "consolidated")
		if err != nil {
			return err
		}
		deduped, clusters := Dedupe(leads)
		if err := artifact.WriteJSON(model.LeadList{Leads: deduped}, env.Paths.Deduped, artifact.DefaultOptions()); err != nil {
			return eris.Wrap(err, "pipeline: write deduped leads")
		}
		if err := artifact.WriteJSON(clusters, env.Paths.Clusters, artifact.Options{}); err != nil {
			return eris.Wrap(err, "pipeline: write lead clusters")
		}
		before, after = len(leads), len(deduped)
		return nil
	})

	if err != nil {
		if cancel.IsCancelled(err) || resilience.IsPermanent(err) || !artifact.Exists(env.Paths.Consolidated) {
			return err
		}
		log.Warn("pipeline: dedupe failed, copying consolidated leads through", zap.Error(err))
		n, copyErr := copyThrough(env.Paths.Consolidated, env.Paths.Deduped)
		if copyErr != nil {
			return eris.Wrap(copyErr, "pipeline: dedupe fallback")
		}
		before, after = n, n
	}

	env.Metrics.Update(func(m *model.Metrics) { m.LeadsAfterDedup = after })
	log.Info("pipeline: dedupe completed", zap.Int("input", before), zap.Int("remaining", after))
	env.Progress(StageDedupe, EventCompleted, map[string]any{"input": before, "remaining": after})
	return nil
}

// copyThrough copies src to dst atomically and returns the lead count when
// src parses.
func copyThrough(src, dst string) (int, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: read consolidated leads")
	}
	if err := artifact.Write(data, dst, artifact.DefaultOptions()); err != nil {
		return 0, err
	}
	var list model.LeadList
	if err := artifact.ReadJSON(src, &list); err != nil {
		return 0, nil
	}
	return len(list.Leads), nil
}

// Package agent implements the collaborators behind the intake and research
// stages: query generation, lead sources and the structurer that turns raw
// research text into leads.
package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/model"
)

// QueryGenerator turns a criteria document into search queries.
type QueryGenerator interface {
	Generate(ctx context.Context, criteria map[string]any) ([]string, error)
}

// Source finds leads for one search query.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]model.Lead, error)
}

// Structurer normalizes raw research text into leads.
type Structurer interface {
	Structure(ctx context.Context, agentName, raw string) ([]model.Lead, error)
}

// ParseLeads decodes a lead chunk in any of the shapes agents produce:
// {"leads": [...]}, {"results": [...]} or a bare list. Unrecognized
// shapes yield no leads and no error.
func ParseLeads(text string) ([]model.Lead, error) {
	text = cleanJSON(text)
	if text == "" {
		return nil, nil
	}

	if strings.HasPrefix(text, "[") {
		var leads []model.Lead
		if err := json.Unmarshal([]byte(text), &leads); err != nil {
			return nil, eris.Wrap(err, "agent: decode lead list")
		}
		return leads, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, eris.Wrap(err, "agent: decode lead chunk")
	}
	for _, key := range []string{"leads", "results"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var leads []model.Lead
		if err := json.Unmarshal(raw, &leads); err != nil {
			zap.L().Debug("agent: chunk key is not a lead list", zap.String("key", key), zap.Error(err))
			continue
		}
		return leads, nil
	}
	zap.L().Debug("agent: skipping unexpected lead chunk shape")
	return nil, nil
}

// cleanJSON extracts a JSON object or array from text that may carry
// markdown fences or prose around it.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")
	closing := "}"
	start := objStart
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		closing = "]"
		start = arrStart
	}
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, closing)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

var titleSuffixes = []string{
	" | LinkedIn",
	" - LinkedIn",
	" | Facebook",
	" - Home",
	" | Home",
	" - Official Website",
	" | Official Website",
}

// cleanTitle strips platform boilerplate from a search hit title and keeps
// the first segment.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	for _, suffix := range titleSuffixes {
		if strings.HasSuffix(strings.ToLower(title), strings.ToLower(suffix)) {
			title = title[:len(title)-len(suffix)]
			break
		}
	}
	for _, sep := range []string{" | ", " - ", " — ", " – "} {
		if idx := strings.Index(title, sep); idx > 0 {
			title = title[:idx]
			break
		}
	}
	return strings.TrimSpace(title)
}

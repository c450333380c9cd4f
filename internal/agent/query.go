package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/cancel"
	"github.com/sells-group/leadfoundry/pkg/anthropic"
)

// Query shape limits.
const (
	QueryCount  = 3
	MinKeywords = 3
	MaxKeywords = 8
)

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "a": true, "an": true, "in": true,
	"for": true, "to": true, "or": true, "with": true, "on": true, "at": true,
}

// ClaudeQueryGenerator asks Claude for search queries.
type ClaudeQueryGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	prompt    string
}

// NewClaudeQueryGenerator creates a generator using the catalog's intake prompt.
func NewClaudeQueryGenerator(client anthropic.Client, model string, maxTokens int, catalog *Catalog) *ClaudeQueryGenerator {
	return &ClaudeQueryGenerator{
		client:    client,
		model:     model,
		maxTokens: int64(maxTokens),
		prompt:    catalog.Get(PromptIntake),
	}
}

// Generate implements QueryGenerator.
func (g *ClaudeQueryGenerator) Generate(ctx context.Context, criteria map[string]any) ([]string, error) {
	input, err := json.MarshalIndent(criteria, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "agent: encode criteria")
	}

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    g.prompt,
		Messages:  []anthropic.Message{{Role: "user", Content: string(input)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "agent: generate queries")
	}
	resp.Usage.Log(g.model, "intake")

	var out struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &out); err != nil {
		return nil, eris.Wrap(err, "agent: parse query response")
	}
	queries := NormalizeQueries(out.Queries)
	if len(queries) == 0 {
		return nil, eris.New("agent: model returned no usable queries")
	}
	return queries, nil
}

// HeuristicQueryGenerator builds queries from the criteria fields without a
// model. It mixes subtype, location, industry, keyword and role angles.
type HeuristicQueryGenerator struct{}

// Generate implements QueryGenerator.
func (HeuristicQueryGenerator) Generate(_ context.Context, criteria map[string]any) ([]string, error) {
	targets, _ := criteria["targets"].(map[string]any)
	personas, _ := criteria["personas"].(map[string]any)

	subtype := first(lookup(targets, "entity_subtype"), lookup(criteria, "entity_type"))
	location := first(lookup(targets, "locations"))
	industry := first(lookup(targets, "industries"))
	keywords := lookup(targets, "keywords")
	role := first(lookup(personas, "roles"))

	keyword := first(keywords)
	second := keyword
	if len(keywords) > 1 {
		second = keywords[1]
	}

	candidates := []string{
		join(subtype, location),
		join(subtype, industry, location),
		join(keyword, subtype, location),
		join(role, subtype, location),
		join(second, location),
	}
	queries := NormalizeQueries(candidates)
	if len(queries) == 0 {
		return nil, eris.New("agent: criteria has no usable search fields")
	}
	return queries, nil
}

// FallbackGenerator tries Primary and falls back on any non-cancellation
// error.
type FallbackGenerator struct {
	Primary  QueryGenerator
	Fallback QueryGenerator
}

// Generate implements QueryGenerator.
func (f FallbackGenerator) Generate(ctx context.Context, criteria map[string]any) ([]string, error) {
	queries, err := f.Primary.Generate(ctx, criteria)
	if err == nil {
		return queries, nil
	}
	if cancel.IsCancelled(err) || ctx.Err() != nil {
		return nil, err
	}
	zap.L().Warn("agent: query generation failed, using fallback", zap.Error(err))
	return f.Fallback.Generate(ctx, criteria)
}

// NormalizeQueries lowercases, strips punctuation and stopwords, caps each
// query at MaxKeywords and the list at QueryCount. Queries shorter than
// MinKeywords are kept only when nothing longer survives.
func NormalizeQueries(raw []string) []string {
	seen := make(map[string]bool)
	var long, short []string
	for _, q := range raw {
		words := keywords(q)
		if len(words) == 0 {
			continue
		}
		if len(words) > MaxKeywords {
			words = words[:MaxKeywords]
		}
		norm := strings.Join(words, " ")
		if seen[norm] {
			continue
		}
		seen[norm] = true
		if len(words) >= MinKeywords {
			long = append(long, norm)
		} else {
			short = append(short, norm)
		}
	}
	out := long
	if len(out) == 0 {
		out = short
	}
	if len(out) > QueryCount {
		out = out[:QueryCount]
	}
	return out
}

func keywords(q string) []string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, q)
	var out []string
	for _, w := range strings.Fields(clean) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// lookup reads a string or list of strings from a criteria map.
func lookup(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{v}
		}
	case []any:
		var out []string
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func first(lists ...[]string) string {
	for _, l := range lists {
		if len(l) > 0 {
			return l[0]
		}
	}
	return ""
}

func join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

package agent

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfoundry/internal/model"
	"github.com/sells-group/leadfoundry/pkg/anthropic"
)

// maxStructureInput bounds the raw text sent for structuring.
const maxStructureInput = 40_000

// ClaudeStructurer normalizes raw research text into leads with Claude.
type ClaudeStructurer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	prompt    string
}

// NewClaudeStructurer creates a structurer using the catalog's structure prompt.
func NewClaudeStructurer(client anthropic.Client, model string, maxTokens int, catalog *Catalog) *ClaudeStructurer {
	return &ClaudeStructurer{
		client:    client,
		model:     model,
		maxTokens: int64(maxTokens),
		prompt:    catalog.Get(PromptStructure),
	}
}

// Structure implements Structurer.
func (s *ClaudeStructurer) Structure(ctx context.Context, agentName, raw string) ([]model.Lead, error) {
	if len(raw) > maxStructureInput {
		raw = raw[:maxStructureInput]
	}
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    s.prompt,
		Messages:  []anthropic.Message{{Role: "user", Content: raw}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "agent: structure %s output", agentName)
	}
	resp.Usage.Log(s.model, agentName+"_structurer")

	leads, err := ParseLeads(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "agent: structure %s output", agentName)
	}
	return leads, nil
}

// JSONStructurer accepts raw text that is already a lead chunk. It is the
// structurer used when no model is configured.
type JSONStructurer struct{}

// Structure implements Structurer.
func (JSONStructurer) Structure(_ context.Context, _ string, raw string) ([]model.Lead, error) {
	return ParseLeads(raw)
}

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfoundry/pkg/anthropic"
)

type fakeAnthropic struct {
	text  string
	err   error
	calls []anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}}}, nil
}

func TestParseLeads_Shapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"leads key", `{"leads":[{"company":"Acme"},{"company":"Globex"}]}`, []string{"Acme", "Globex"}},
		{"results key", `{"results":[{"business_name":"x","company":"Initech"}]}`, []string{"Initech"}},
		{"bare list", `[{"company":"Hooli"}]`, []string{"Hooli"}},
		{"fenced", "```json\n{\"leads\":[{\"company\":\"Umbrella\"}]}\n```", []string{"Umbrella"}},
		{"prose around", "Here you go: {\"leads\":[{\"name\":\"Stark\"}]} hope it helps", []string{"Stark"}},
		{"unknown shape", `{"message":"No LinkedIn pages found"}`, nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leads, err := ParseLeads(tt.in)
			require.NoError(t, err)
			var got []string
			for _, l := range leads {
				got = append(got, l.Company)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLeads_Malformed(t *testing.T) {
	_, err := ParseLeads(`{"leads": [{"company": }]}`)
	assert.Error(t, err)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Acme Drones", cleanTitle("Acme Drones | LinkedIn"))
	assert.Equal(t, "Acme Drones", cleanTitle("Acme Drones - Aerial inspection services"))
	assert.Equal(t, "Globex", cleanTitle("  Globex  "))
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)
	assert.Contains(t, c.Get(PromptIntake), `"queries"`)
	assert.Contains(t, c.Get(PromptStructure), "source_urls")
	assert.NotEmpty(t, c.Get(PromptResearch))
}

func TestParseCatalog_MissingPrompt(t *testing.T) {
	_, err := ParseCatalog([]byte("prompts:\n  intake: hi\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structure")
}

func TestClaudeStructurer(t *testing.T) {
	cat, err := LoadCatalog()
	require.NoError(t, err)
	fa := &fakeAnthropic{text: `{"leads":[{"company":"Acme","mail":"a@acme.com"}]}`}
	s := NewClaudeStructurer(fa, "claude-haiku-4-5-20251001", 1024, cat)

	leads, err := s.Structure(context.Background(), "linkedin", "raw text")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "a@acme.com", leads[0].Mail)
	require.Len(t, fa.calls, 1)
	assert.Equal(t, cat.Get(PromptStructure), fa.calls[0].System)
	assert.Equal(t, "raw text", fa.calls[0].Messages[0].Content)
}

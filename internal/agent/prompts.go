package agent

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Prompt names in the embedded catalog.
const (
	PromptIntake    = "intake"
	PromptStructure = "structure"
	PromptResearch  = "research"
)

// Catalog holds the system prompts used by the LLM-backed agents.
type Catalog struct {
	Prompts map[string]string `yaml:"prompts"`
}

// LoadCatalog parses the embedded prompt catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(promptsYAML)
}

// ParseCatalog parses a prompt catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "agent: parse prompt catalog")
	}
	for _, name := range []string{PromptIntake, PromptStructure, PromptResearch} {
		if strings.TrimSpace(c.Prompts[name]) == "" {
			return nil, eris.Errorf("agent: prompt catalog missing %q", name)
		}
	}
	return &c, nil
}

// Get returns a prompt by name.
func (c *Catalog) Get(name string) string {
	return c.Prompts[name]
}

package workflow

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/archmesh/archmesh/internal/application/port/output"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// Prompt is one stage prompt of the catalogue
type Prompt struct {
	System       string   `yaml:"system"`
	Template     string   `yaml:"template"`
	RequiredKeys []string `yaml:"required_keys"`
	ArtifactType string   `yaml:"artifact_type"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  float64  `yaml:"temperature"`

	tmpl *template.Template
}

// PromptData is the template input of a stage prompt
type PromptData struct {
	ProjectID    string
	SessionID    string
	Document     string
	Requirements string
	Feedback     string
	Constraints  []string
	Preferences  map[string]string
}

// PromptCatalog holds the prompts of the LLM-backed stages
type PromptCatalog struct {
	prompts map[wf.Stage]*Prompt
}

type promptFile struct {
	Prompts map[string]*Prompt `yaml:"prompts"`
}

// DefaultPrompts returns the built-in catalogue
func DefaultPrompts() (*PromptCatalog, error) {
	return ParsePrompts(defaultPromptsYAML)
}

// DefaultPromptsYAML returns a copy of the built-in catalogue file, a starting point for custom prompts
func DefaultPromptsYAML() []byte {
	return append([]byte(nil), defaultPromptsYAML...)
}

// LoadPrompts reads a catalogue file, falling back to the built-in one when path is empty
func LoadPrompts(fs afero.Fs, path string) (*PromptCatalog, error) {
	if path == "" {
		return DefaultPrompts()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read prompts %s: %w", path, err)
	}
	return ParsePrompts(data)
}

// ParsePrompts parses and validates a YAML catalogue
func ParsePrompts(data []byte) (*PromptCatalog, error) {
	var file promptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	catalog := &PromptCatalog{prompts: make(map[wf.Stage]*Prompt)}
	for name, p := range file.Prompts {
		stage, err := wf.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", name, err)
		}
		if !stage.IsExecutable() || stage == wf.StageStarting {
			return nil, fmt.Errorf("prompt %q: stage does not call an agent", name)
		}
		if p == nil || strings.TrimSpace(p.Template) == "" {
			return nil, fmt.Errorf("prompt %q: template is required", name)
		}

		p.tmpl, err = template.New(name).Option("missingkey=error").Parse(p.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", name, err)
		}
		if p.ArtifactType == "" {
			p.ArtifactType = string(output.ArtifactTypeLog)
		}
		catalog.prompts[stage] = p
	}

	for _, stage := range []wf.Stage{wf.StageDocumentAnalysis, wf.StageArchitectureDesign} {
		if _, ok := catalog.prompts[stage]; !ok {
			return nil, fmt.Errorf("prompt for stage %s is missing", stage)
		}
	}
	return catalog, nil
}

// Get returns the prompt of a stage
func (c *PromptCatalog) Get(stage wf.Stage) (*Prompt, bool) {
	p, ok := c.prompts[stage]
	return p, ok
}

// Render executes the prompt template
func (p *Prompt) Render(data PromptData) (string, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

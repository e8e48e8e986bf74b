package synth

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// Prompts is the catalogue of instruction prompts sent to the model.
type Prompts struct {
	Answer              string   `yaml:"answer"`
	TransactionAnalysis string   `yaml:"transaction_analysis"`
	QuerySuggestions    string   `yaml:"query_suggestions"`
	FallbackSuggestions []string `yaml:"fallback_suggestions"`
}

// DefaultPrompts returns the embedded catalogue.
func DefaultPrompts() *Prompts {
	p, err := ParsePrompts(defaultPromptsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
	return p
}

// LoadPrompts reads a catalogue from path. Keys missing from the file keep
// their embedded defaults. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	p := DefaultPrompts()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prompts file %s: %w", path, err)
	}
	return p, nil
}

// ParsePrompts decodes a complete catalogue.
func ParsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every prompt is present.
func (p *Prompts) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Answer) == "" {
		errs = append(errs, errors.New("answer prompt is empty"))
	}
	if strings.TrimSpace(p.TransactionAnalysis) == "" {
		errs = append(errs, errors.New("transaction_analysis prompt is empty"))
	}
	if strings.TrimSpace(p.QuerySuggestions) == "" {
		errs = append(errs, errors.New("query_suggestions prompt is empty"))
	}
	if len(p.FallbackSuggestions) == 0 {
		errs = append(errs, errors.New("fallback_suggestions is empty"))
	}
	return errors.Join(errs...)
}

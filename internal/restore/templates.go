package restore

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity tiers for template lookup.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

var tiers = []string{TierLow, TierMedium, TierHigh}

//go:embed templates.yaml
var embeddedTemplates []byte

// Templates maps degradation kind and severity tier to an instruction
// fragment used by the prompt enhancer.
type Templates struct {
	fragments map[string]map[string]string
}

// LoadTemplates parses the built-in fragment table.
func LoadTemplates() (*Templates, error) {
	return parseTemplates(embeddedTemplates)
}

// LoadTemplatesFile loads an operator-supplied fragment table, replacing
// the built-in one wholesale.
func LoadTemplatesFile(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=restore.LoadTemplatesFile: %w", err)
	}
	return parseTemplates(data)
}

func parseTemplates(data []byte) (*Templates, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("op=restore.parseTemplates: %w", err)
	}
	for _, kind := range Kinds {
		byTier, ok := raw[kind]
		if !ok {
			return nil, fmt.Errorf("op=restore.parseTemplates: kind %q missing", kind)
		}
		for _, tier := range tiers {
			if byTier[tier] == "" {
				return nil, fmt.Errorf("op=restore.parseTemplates: kind %q missing tier %q", kind, tier)
			}
		}
	}
	return &Templates{fragments: raw}, nil
}

// Fragment returns the instruction fragment for a kind and tier.
func (t *Templates) Fragment(kind, tier string) (string, bool) {
	byTier, ok := t.fragments[kind]
	if !ok {
		return "", false
	}
	f, ok := byTier[tier]
	return f, ok
}

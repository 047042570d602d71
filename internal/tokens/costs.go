package tokens

import (
	_ "embed"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
	"gopkg.in/yaml.v3"
)

//go:embed model_costs.yaml
var defaultCosts []byte

// ModelCost is the price of one model.
type ModelCost struct {
	InputCostPerToken  float64 `json:"input_cost_per_token" yaml:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token" yaml:"output_cost_per_token"`
	Provider           string  `json:"provider" yaml:"provider"`
	Mode               string  `json:"mode" yaml:"mode"`
}

type costFile struct {
	Models map[string]ModelCost `yaml:"models"`
}

// Table maps model names to prices. A base table (embedded default or remote
// refresh) is overlaid by an optional local override.
type Table struct {
	mu       sync.RWMutex
	base     map[string]ModelCost
	override map[string]ModelCost
}

// NewTable creates a table seeded with the embedded default prices.
func NewTable() (*Table, error) {
	base, err := ParseYAML(defaultCosts)
	if err != nil {
		return nil, fmt.Errorf("tokens: embedded cost table: %w", err)
	}
	return &Table{base: base}, nil
}

// Lookup returns the price of a model.
func (t *Table) Lookup(model string) (ModelCost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.override[model]; ok {
		return c, true
	}
	c, ok := t.base[model]
	return c, ok
}

// Cost prices a call. It reports false for unknown models.
func (t *Table) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	c, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return float64(promptTokens)*c.InputCostPerToken + float64(completionTokens)*c.OutputCostPerToken, true
}

// Models returns a copy of the effective table.
func (t *Table) Models() map[string]ModelCost {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelCost, len(t.base)+len(t.override))
	maps.Copy(out, t.base)
	maps.Copy(out, t.override)
	return out
}

// SetBase replaces the base table.
func (t *Table) SetBase(m map[string]ModelCost) {
	t.mu.Lock()
	t.base = m
	t.mu.Unlock()
}

// SetOverride replaces the override table. A nil map removes overrides.
func (t *Table) SetOverride(m map[string]ModelCost) {
	t.mu.Lock()
	t.override = m
	t.mu.Unlock()
}

// ParseYAML decodes a cost file of the form {models: {name: cost}} and keeps
// chat models only.
func ParseYAML(data []byte) (map[string]ModelCost, error) {
	var f costFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokens: decode cost yaml: %w", err)
	}
	return chatModels(f.Models), nil
}

type remoteCost struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	Provider           string  `json:"litellm_provider"`
	Mode               string  `json:"mode"`
}

// ParseRemote decodes the community price list, a JSON object keyed by model
// name. Entries that are not objects (such as the sample spec) are skipped.
func ParseRemote(data []byte) (map[string]ModelCost, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tokens: decode remote cost table: %w", err)
	}
	models := make(map[string]ModelCost, len(raw))
	for name, msg := range raw {
		var rc remoteCost
		if err := json.Unmarshal(msg, &rc); err != nil {
			continue
		}
		models[name] = ModelCost(rc)
	}
	return chatModels(models), nil
}

// chatModels keeps chat-mode entries and drops OpenAI fine-tuned variants.
func chatModels(in map[string]ModelCost) map[string]ModelCost {
	out := make(map[string]ModelCost, len(in))
	for name, c := range in {
		if c.Mode != "chat" {
			continue
		}
		if isFineTune(name) {
			continue
		}
		out[name] = c
	}
	return out
}

func isFineTune(name string) bool {
	return strings.HasPrefix(name, "ft:") || strings.Contains(name, "/ft:")
}

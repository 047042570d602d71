package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/model"
)

const (
	thresholdSchema = `{"type": "number", "minimum": 0, "maximum": 1}`
	attributeSchema = `{"type": "string", "minLength": 1}`
)

// configSchemas are the JSON Schemas metric configs must satisfy.
var configSchemas = map[model.MetricType]string{
	model.MetricTypeQueryRelevance: `{
		"type": "object",
		"properties": {"relevance_threshold": ` + thresholdSchema + `, "use_llm_judge": {"type": "boolean"}},
		"additionalProperties": false}`,
	model.MetricTypeResponseRelevance: `{
		"type": "object",
		"properties": {"relevance_threshold": ` + thresholdSchema + `, "use_llm_judge": {"type": "boolean"}},
		"additionalProperties": false}`,
	model.MetricTypeRagScore: `{
		"type": "object",
		"properties": {"relevance_threshold": ` + thresholdSchema + `},
		"additionalProperties": false}`,
	model.MetricTypePersonaAlignment: `{
		"type": "object",
		"required": ["persona"],
		"properties": {"persona": {"type": "string", "minLength": 1}, "alignment_threshold": ` + thresholdSchema + `},
		"additionalProperties": false}`,
	model.MetricTypeToolSelection: `{"type": "object", "additionalProperties": false}`,
	model.MetricTypeNumericSum: `{
		"type": "object",
		"required": ["attribute"],
		"properties": {"attribute": ` + attributeSchema + `},
		"additionalProperties": false}`,
	model.MetricTypeQuantileSketch: `{
		"type": "object",
		"required": ["attribute"],
		"properties": {
			"attribute": ` + attributeSchema + `,
			"quantiles": {"type": "array", "minItems": 1,
				"items": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1}}},
		"additionalProperties": false}`,
	model.MetricTypeCategoricalCount: `{
		"type": "object",
		"required": ["attribute"],
		"properties": {"attribute": ` + attributeSchema + `},
		"additionalProperties": false}`,
	model.MetricTypeNullCount: `{
		"type": "object",
		"required": ["attribute"],
		"properties": {"attribute": ` + attributeSchema + `},
		"additionalProperties": false}`,
	model.MetricTypeMAE: `{
		"type": "object",
		"required": ["prediction", "ground_truth"],
		"properties": {"prediction": ` + attributeSchema + `, "ground_truth": ` + attributeSchema + `},
		"additionalProperties": false}`,
	model.MetricTypeCountByClass: `{
		"type": "object",
		"required": ["attribute", "classes"],
		"properties": {
			"attribute": ` + attributeSchema + `,
			"classes": {"type": "array", "minItems": 1, "uniqueItems": true, "items": {"type": "string"}}},
		"additionalProperties": false}`,
}

var compiledSchemas = sync.OnceValue(func() map[model.MetricType]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	out := make(map[model.MetricType]*jsonschema.Schema, len(configSchemas))
	for typ, src := range configSchemas {
		url := "https://mamori.dev/schemas/metric/" + string(typ) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("metrics: schema %s: %v", typ, err))
		}
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("metrics: schema %s: %v", typ, err))
		}
		out[typ] = c.MustCompile(url)
	}
	return out
})

// ValidateConfig checks config against the schema of typ. A nil config is an
// empty object. Violations are returned as a model.ValidationError.
func ValidateConfig(typ model.MetricType, config map[string]any) error {
	sch, ok := compiledSchemas()[typ]
	if !ok {
		return &model.ValidationError{Field: "metric_type", Message: fmt.Sprintf("unknown metric type %q", typ)}
	}
	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return &model.ValidationError{Field: "config", Message: err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &model.ValidationError{Field: "config", Message: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &model.ValidationError{Field: "config", Message: strings.ReplaceAll(err.Error(), "\n", "; ")}
	}
	return nil
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func configFloat(config map[string]any, key string, def float64) float64 {
	if f, ok := toFloat(config[key]); ok {
		return f
	}
	return def
}

func configBool(config map[string]any, key string, def bool) bool {
	if b, ok := config[key].(bool); ok {
		return b
	}
	return def
}

func configFloats(config map[string]any, key string) []float64 {
	var out []float64
	switch list := config[key].(type) {
	case []any:
		for _, v := range list {
			if f, ok := toFloat(v); ok {
				out = append(out, f)
			}
		}
	case []float64:
		out = list
	}
	return out
}

func configStrings(config map[string]any, key string) []string {
	var out []string
	switch list := config[key].(type) {
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = list
	}
	return out
}

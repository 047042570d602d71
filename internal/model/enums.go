package model

import "fmt"

// Result is the outcome of a single rule evaluation or of an inference as a whole.
// The string values are the wire representation.
type Result string

const (
	ResultPass                 Result = "Pass"
	ResultFail                 Result = "Fail"
	ResultSkipped              Result = "Skipped"
	ResultUnavailable          Result = "Unavailable"
	ResultModelNotAvailable    Result = "Model Not Available"
	ResultPartiallyUnavailable Result = "Partially Unavailable"
)

// Degraded reports whether the result means the scorer could not reach a verdict.
func (r Result) Degraded() bool {
	return r == ResultUnavailable || r == ResultModelNotAvailable || r == ResultPartiallyUnavailable
}

// Valid reports whether r is a known result value.
func (r Result) Valid() bool {
	switch r {
	case ResultPass, ResultFail, ResultSkipped, ResultUnavailable, ResultModelNotAvailable, ResultPartiallyUnavailable:
		return true
	}
	return false
}

// AggregateResult folds per-rule results into the inference-level result.
// Any failure wins. Otherwise degraded results make the aggregate
// Unavailable when nothing passed and Partially Unavailable when something did.
// Skipped results are ignored; an empty set passes.
func AggregateResult(results []Result) Result {
	var passed, degraded bool
	for _, r := range results {
		switch {
		case r == ResultFail:
			return ResultFail
		case r == ResultPass:
			passed = true
		case r.Degraded():
			degraded = true
		}
	}
	switch {
	case degraded && passed:
		return ResultPartiallyUnavailable
	case degraded:
		return ResultUnavailable
	default:
		return ResultPass
	}
}

// RuleType identifies the scorer family behind a rule.
type RuleType string

const (
	RuleTypeRegex           RuleType = "RegexRule"
	RuleTypeKeyword         RuleType = "KeywordRule"
	RuleTypePII             RuleType = "PIIDataRule"
	RuleTypePromptInjection RuleType = "PromptInjectionRule"
	RuleTypeToxicity        RuleType = "ToxicityRule"
	RuleTypeSensitiveData   RuleType = "ModelSensitiveDataRule"
	RuleTypeHallucination   RuleType = "ModelHallucinationRuleV2"
)

// RuleTypes lists every supported rule type.
var RuleTypes = []RuleType{
	RuleTypeRegex,
	RuleTypeKeyword,
	RuleTypePII,
	RuleTypePromptInjection,
	RuleTypeToxicity,
	RuleTypeSensitiveData,
	RuleTypeHallucination,
}

// ParseRuleType validates a rule type string.
func ParseRuleType(s string) (RuleType, error) {
	for _, t := range RuleTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown rule type %q", s)
}

// RuleScope says how a rule is bound to tasks.
type RuleScope string

const (
	RuleScopeDefault RuleScope = "default"
	RuleScopeTask    RuleScope = "task"
)

// ScoringMethod is how a rule reaches its verdict. Only binary is supported.
type ScoringMethod string

const ScoringMethodBinary ScoringMethod = "binary"

// RuleDataType is the key of a typed rule configuration entry.
type RuleDataType string

const (
	RuleDataRegex                  RuleDataType = "regex"
	RuleDataKeyword                RuleDataType = "keyword"
	RuleDataJSON                   RuleDataType = "json"
	RuleDataToxicityThreshold      RuleDataType = "toxicity_threshold"
	RuleDataPIIConfidenceThreshold RuleDataType = "pii_confidence_threshold"
	RuleDataPIIAllowList           RuleDataType = "pii_allow_list"
	RuleDataDisabledPIIEntities    RuleDataType = "disabled_pii_entities"
	RuleDataHint                   RuleDataType = "hint"
)

// TaskType distinguishes plain LLM tasks from agent tasks.
type TaskType string

const (
	TaskTypeLLM   TaskType = "LLM"
	TaskTypeAgent TaskType = "AGENT"
)

// MetricType identifies the metric scorer behind a metric.
type MetricType string

const (
	MetricTypeQueryRelevance    MetricType = "QueryRelevance"
	MetricTypeResponseRelevance MetricType = "ResponseRelevance"
	MetricTypeRagScore          MetricType = "RagScore"
	MetricTypePersonaAlignment  MetricType = "PersonaAlignment"
	MetricTypeToolSelection     MetricType = "ToolSelection"
	MetricTypeNumericSum        MetricType = "NumericSum"
	MetricTypeQuantileSketch    MetricType = "QuantileSketch"
	MetricTypeCategoricalCount  MetricType = "CategoricalCount"
	MetricTypeNullCount         MetricType = "NullCount"
	MetricTypeMAE               MetricType = "MeanAbsoluteError"
	MetricTypeCountByClass      MetricType = "CountByClass"
)

// MetricTypes lists every supported metric type.
var MetricTypes = []MetricType{
	MetricTypeQueryRelevance,
	MetricTypeResponseRelevance,
	MetricTypeRagScore,
	MetricTypePersonaAlignment,
	MetricTypeToolSelection,
	MetricTypeNumericSum,
	MetricTypeQuantileSketch,
	MetricTypeCategoricalCount,
	MetricTypeNullCount,
	MetricTypeMAE,
	MetricTypeCountByClass,
}

// ParseMetricType validates a metric type string.
func ParseMetricType(s string) (MetricType, error) {
	for _, t := range MetricTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// SortOrder is the ordering for paginated list endpoints.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

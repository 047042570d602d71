package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/beorn7/perks/quantile"
	"github.com/segmentio/encoding/json"
)

// DefaultQuantiles are reported when a quantile sketch names none.
var DefaultQuantiles = []float64{0.5, 0.9, 0.99}

var errNoValues = errors.New("metrics: no numeric values for attribute")

// toFloat converts a stored attribute value to a number. Numeric strings
// count; booleans and other types do not.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// values collects the numeric values of attribute across the request's spans.
func values(req Request, attribute string) []float64 {
	var out []float64
	for _, s := range req.Spans {
		v, ok := Lookup(s.RawData, attribute)
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

// NumericSum adds up a numeric attribute.
type NumericSum struct{}

// Score implements MetricScorer.
func (NumericSum) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	attr := configString(config, "attribute")
	vals := values(req, attr)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return Result{Details: map[string]any{"attribute": attr, "sum": sum, "count": len(vals)}}, nil
}

// QuantileSketch estimates quantiles of a numeric attribute with a biased
// streaming sketch.
type QuantileSketch struct{}

// sketchEpsilon is the rank error allowed at each targeted quantile.
const sketchEpsilon = 0.01

// Score implements MetricScorer.
func (QuantileSketch) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	attr := configString(config, "attribute")
	qs := configFloats(config, "quantiles")
	if len(qs) == 0 {
		qs = DefaultQuantiles
	}
	vals := values(req, attr)
	if len(vals) == 0 {
		return Result{}, fmt.Errorf("%w %q", errNoValues, attr)
	}

	targets := make(map[float64]float64, len(qs))
	for _, q := range qs {
		targets[q] = sketchEpsilon
	}
	stream := quantile.NewTargeted(targets)
	for _, v := range vals {
		stream.Insert(v)
	}

	estimates := make(map[string]float64, len(qs))
	for _, q := range qs {
		estimates[strconv.FormatFloat(q, 'f', -1, 64)] = stream.Query(q)
	}
	return Result{Details: map[string]any{
		"attribute": attr,
		"count":     stream.Count(),
		"min":       slices.Min(vals),
		"max":       slices.Max(vals),
		"quantiles": estimates,
	}}, nil
}

// CategoricalCount counts the distinct values of an attribute.
type CategoricalCount struct{}

// Score implements MetricScorer.
func (CategoricalCount) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	attr := configString(config, "attribute")
	counts := make(map[string]int)
	for _, s := range req.Spans {
		v, ok := Lookup(s.RawData, attr)
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		counts[fmt.Sprint(v)]++
	}
	return Result{Details: map[string]any{"attribute": attr, "counts": counts}}, nil
}

// NullCount counts spans where an attribute is missing or null.
type NullCount struct{}

// Score implements MetricScorer.
func (NullCount) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	attr := configString(config, "attribute")
	nulls := 0
	for _, s := range req.Spans {
		if v, ok := Lookup(s.RawData, attr); !ok || v == nil {
			nulls++
		}
	}
	return Result{Details: map[string]any{"attribute": attr, "null_count": nulls, "total": len(req.Spans)}}, nil
}

// MeanAbsoluteError compares a prediction attribute with a ground truth
// attribute on every span that has both.
type MeanAbsoluteError struct{}

// Score implements MetricScorer.
func (MeanAbsoluteError) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	predAttr, truthAttr := configString(config, "prediction"), configString(config, "ground_truth")
	var (
		total float64
		n     int
	)
	for _, s := range req.Spans {
		pv, ok := Lookup(s.RawData, predAttr)
		if !ok {
			continue
		}
		tv, ok := Lookup(s.RawData, truthAttr)
		if !ok {
			continue
		}
		p, okP := toFloat(pv)
		t, okT := toFloat(tv)
		if !okP || !okT {
			continue
		}
		total += math.Abs(p - t)
		n++
	}
	if n == 0 {
		return Result{}, fmt.Errorf("%w pair %q/%q", errNoValues, predAttr, truthAttr)
	}
	return Result{Details: map[string]any{"mae": total / float64(n), "count": n}}, nil
}

// CountByClass counts an attribute's values over a fixed set of classes.
// Values outside the set are counted as "other".
type CountByClass struct{}

// Score implements MetricScorer.
func (CountByClass) Score(_ context.Context, req Request, config map[string]any) (Result, error) {
	attr := configString(config, "attribute")
	classes := configStrings(config, "classes")
	counts := make(map[string]int, len(classes)+1)
	known := make(map[string]bool, len(classes))
	for _, c := range classes {
		counts[c] = 0
		known[c] = true
	}
	other := 0
	for _, s := range req.Spans {
		v, ok := Lookup(s.RawData, attr)
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprint(v)
		if known[key] {
			counts[key]++
		} else {
			other++
		}
	}
	return Result{Details: map[string]any{"attribute": attr, "counts": counts, "other": other}}, nil
}

// Package spans turns OpenTelemetry span batches into stored spans.
//
// Span attributes arrive either nested, following OpenInference conventions,
// or flat with dotted keys ("llm.input_messages.0.message.role"). Normalize
// rewrites both into one nested form before storage.
package spans

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/mamori/internal/model"
)

// nestedRoots are the OpenInference top-level keys. A map holding any of them
// with a map value is already nested.
var nestedRoots = []string{"llm", "input", "output", "embedding", "retrieval", "tool"}

// IsNormalized reports whether attrs is already in nested form.
func IsNormalized(attrs map[string]any) bool {
	for _, k := range nestedRoots {
		if _, ok := attrs[k].(map[string]any); ok {
			return true
		}
	}
	return false
}

// Normalize returns the nested form of attrs. Dotted keys are exploded into
// nested maps and numeric segments into list positions; values keep their
// types. A key whose path collides with a value already placed stays flat.
// The span version defaults to model.SpanVersionV1. Normalize is idempotent
// and never mutates attrs.
func Normalize(attrs map[string]any) map[string]any {
	var out map[string]any
	if IsNormalized(attrs) {
		out = make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			out[k] = v
		}
	} else {
		out = explode(attrs)
	}
	if v, ok := out[model.SpanVersionKey]; !ok || v == nil || v == "" {
		out[model.SpanVersionKey] = model.SpanVersionV1
	}
	return out
}

// node is an interior map created while exploding. Only nodes are merged
// into or turned into lists; maps supplied by the caller are left alone.
type node map[string]any

func explode(attrs map[string]any) map[string]any {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	// Shorter paths first so a plain "a" wins over "a.b", then lexical order.
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "."), strings.Count(keys[j], ".")
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})

	root := node{}
	for _, k := range keys {
		if !insert(root, splitPath(k), attrs[k]) {
			root[k] = attrs[k]
		}
	}
	out := make(map[string]any, len(root))
	for k, v := range root {
		out[k] = finish(v)
	}
	return out
}

func splitPath(key string) []string {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			// Leading, trailing or doubled dots are not paths.
			return []string{key}
		}
	}
	return parts
}

// insert places v at path below n. It reports false when the path runs into
// an existing leaf or an existing leaf sits where v would go.
func insert(n node, path []string, v any) bool {
	head := path[0]
	if len(path) == 1 {
		if _, taken := n[head]; taken {
			return false
		}
		n[head] = v
		return true
	}
	child, ok := n[head]
	if !ok {
		created := node{}
		if !insert(created, path[1:], v) {
			return false
		}
		n[head] = created
		return true
	}
	sub, ok := child.(node)
	if !ok {
		return false
	}
	return insert(sub, path[1:], v)
}

// finish converts nodes to plain maps, and nodes keyed exactly 0..n-1 to lists.
func finish(v any) any {
	n, ok := v.(node)
	if !ok {
		return v
	}
	if list, ok := asList(n); ok {
		return list
	}
	out := make(map[string]any, len(n))
	for k, child := range n {
		out[k] = finish(child)
	}
	return out
}

func asList(n node) ([]any, bool) {
	if len(n) == 0 {
		return nil, false
	}
	list := make([]any, len(n))
	for k, child := range n {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(n) || strconv.Itoa(i) != k {
			return nil, false
		}
		list[i] = finish(child)
	}
	return list, true
}

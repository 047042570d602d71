// Package classifier hosts the local sequence classifiers used by the
// prompt injection and toxicity scorers.
//
// Models are held in lazily populated slots. The first caller that needs an
// unloaded model starts a background load and receives ErrModelNotAvailable;
// loading is serialized across processes with an advisory file lock so that a
// model is downloaded once per host. A failed load leaves the slot empty and the
// next access retries.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrModelNotAvailable is returned while a model is still being loaded.
var ErrModelNotAvailable = errors.New("classifier: model not available")

// Default windowing for long inputs.
const (
	WindowSize   = 512
	WindowStride = 256
)

// Label is one class probability of a prediction.
type Label struct {
	Name  string
	Score float64
}

// Model is a loaded sequence classifier.
type Model interface {
	// Tokenize converts text to vocabulary ids, without special tokens.
	Tokenize(text string) []int64

	// Classify returns the class probabilities for one window of token ids.
	Classify(ctx context.Context, window []int64) ([]Label, error)

	// Close releases the model's resources.
	Close() error
}

// Windows splits ids into overlapping windows of size tokens advancing by
// stride. Inputs that fit in one window produce a single window; otherwise the
// final window is aligned to the end of the input so every token is covered.
func Windows(ids []int64, size, stride int) [][]int64 {
	if size <= 0 || stride <= 0 || len(ids) <= size {
		return [][]int64{ids}
	}
	var out [][]int64
	for start := 0; ; start += stride {
		if start+size >= len(ids) {
			out = append(out, ids[len(ids)-size:])
			return out
		}
		out = append(out, ids[start:start+size])
	}
}

// ClassifyText tokenizes text, classifies every window, and returns the
// per-window predictions in input order.
func ClassifyText(ctx context.Context, m Model, text string, size, stride int) ([][]Label, error) {
	windows := Windows(m.Tokenize(text), size, stride)
	out := make([][]Label, 0, len(windows))
	for i, w := range windows {
		labels, err := m.Classify(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("classifier: window %d: %w", i, err)
		}
		out = append(out, labels)
	}
	return out, nil
}

// Top returns the most probable label. It returns the zero Label for an empty slice.
func Top(labels []Label) Label {
	var best Label
	for i, l := range labels {
		if i == 0 || l.Score > best.Score {
			best = l
		}
	}
	return best
}

// Score returns the probability of the named label, or 0 when absent.
func Score(labels []Label, name string) float64 {
	for _, l := range labels {
		if l.Name == name {
			return l.Score
		}
	}
	return 0
}

// Softmax converts logits to probabilities labelled by names. Extra logits
// without a name are dropped.
func Softmax(logits []float32, names []string) []Label {
	n := min(len(logits), len(names))
	if n == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, v := range logits[1:n] {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	var sum float64
	exps := make([]float64, n)
	for i := range n {
		exps[i] = math.Exp(float64(logits[i]) - maxLogit)
		sum += exps[i]
	}
	out := make([]Label, n)
	for i := range n {
		out[i] = Label{Name: names[i], Score: exps[i] / sum}
	}
	return out
}

package classifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// ModelSpec describes a downloadable sequence classifier.
type ModelSpec struct {
	Name       string
	ModelURL   string
	VocabURL   string
	Labels     []string
	InputNames []string
	Lowercase  bool
}

// PromptInjectionModel labels text SAFE or INJECTION.
var PromptInjectionModel = ModelSpec{
	Name:       "prompt-injection-distilbert",
	ModelURL:   "https://huggingface.co/fmops/distilbert-prompt-injection/resolve/main/onnx/model.onnx",
	VocabURL:   "https://huggingface.co/fmops/distilbert-prompt-injection/resolve/main/vocab.txt",
	Labels:     []string{"SAFE", "INJECTION"},
	InputNames: []string{"input_ids", "attention_mask"},
	Lowercase:  true,
}

// ToxicityModel labels text non-toxic or toxic.
var ToxicityModel = ModelSpec{
	Name:       "toxic-comment-distilbert",
	ModelURL:   "https://huggingface.co/martin-ha/toxic-comment-model/resolve/main/onnx/model.onnx",
	VocabURL:   "https://huggingface.co/martin-ha/toxic-comment-model/resolve/main/vocab.txt",
	Labels:     []string{"non-toxic", "toxic"},
	InputNames: []string{"input_ids", "attention_mask"},
	Lowercase:  true,
}

// DefaultModelDir returns ~/.mamori/models.
func DefaultModelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mamori", "models")
	}
	return filepath.Join(home, ".mamori", "models")
}

// Fetch ensures the model and vocabulary files exist under dir, downloading
// missing ones, and returns their paths.
func (m ModelSpec) Fetch(ctx context.Context, client *http.Client, dir string) (modelPath, vocabPath string, err error) {
	if dir == "" {
		dir = DefaultModelDir()
	}
	base := filepath.Join(dir, m.Name)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", "", fmt.Errorf("classifier: create model dir %s: %w", base, err)
	}
	modelPath = filepath.Join(base, "model.onnx")
	vocabPath = filepath.Join(base, "vocab.txt")
	if err := ensureFile(ctx, client, m.ModelURL, modelPath); err != nil {
		return "", "", err
	}
	if err := ensureFile(ctx, client, m.VocabURL, vocabPath); err != nil {
		return "", "", err
	}
	return modelPath, vocabPath, nil
}

// ensureFile downloads url to path unless path already exists. The download
// goes to a temporary file that is renamed into place on success.
func ensureFile(ctx context.Context, client *http.Client, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("classifier: download %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("classifier: download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier: download %s: HTTP %d", url, resp.StatusCode)
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("classifier: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("classifier: write %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("classifier: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("classifier: rename %s: %w", tmp, err)
	}
	return nil
}

//go:build onnx

package classifier

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXAvailable reports whether the ONNX runtime is compiled in.
const ONNXAvailable = true

var (
	ortOnce sync.Once
	ortErr  error
)

// NewLoader returns a Loader that fetches spec into dir and opens it with the
// ONNX runtime.
func NewLoader(spec ModelSpec, dir string, client *http.Client) Loader {
	return func(ctx context.Context) (Model, error) {
		ortOnce.Do(func() { ortErr = initRuntime(dir) })
		if ortErr != nil {
			return nil, ortErr
		}

		modelPath, vocabPath, err := spec.Fetch(ctx, client, dir)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(vocabPath)
		if err != nil {
			return nil, fmt.Errorf("classifier: open vocab: %w", err)
		}
		defer func() { _ = f.Close() }()
		tok, err := LoadVocab(f, spec.Lowercase)
		if err != nil {
			return nil, err
		}

		session, err := ort.NewDynamicAdvancedSession(modelPath, spec.InputNames, []string{"logits"}, nil)
		if err != nil {
			return nil, fmt.Errorf("classifier: open session %s: %w", spec.Name, err)
		}
		return &onnxModel{spec: spec, tok: tok, session: session}, nil
	}
}

type onnxModel struct {
	mu      sync.Mutex
	spec    ModelSpec
	tok     *WordPiece
	session *ort.DynamicAdvancedSession
}

func (m *onnxModel) Tokenize(text string) []int64 { return m.tok.Encode(text) }

func (m *onnxModel) Classify(_ context.Context, window []int64) ([]Label, error) {
	ids, mask := m.tok.Wrap(window)
	shape := ort.NewShape(1, int64(len(ids)))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("classifier: input_ids tensor: %w", err)
	}
	defer func() { _ = idsTensor.Destroy() }()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("classifier: attention_mask tensor: %w", err)
	}
	defer func() { _ = maskTensor.Destroy() }()

	inputs := []ort.Value{idsTensor, maskTensor}
	if len(m.spec.InputNames) > 2 {
		typeTensor, err := ort.NewTensor(shape, make([]int64, len(ids)))
		if err != nil {
			return nil, fmt.Errorf("classifier: token_type_ids tensor: %w", err)
		}
		defer func() { _ = typeTensor.Destroy() }()
		inputs = append(inputs, typeTensor)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(m.spec.Labels))))
	if err != nil {
		return nil, fmt.Errorf("classifier: output tensor: %w", err)
	}
	defer func() { _ = out.Destroy() }()

	m.mu.Lock()
	err = m.session.Run(inputs, []ort.Value{out})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("classifier: run %s: %w", m.spec.Name, err)
	}
	return Softmax(out.GetData(), m.spec.Labels), nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Destroy()
}

func initRuntime(dir string) error {
	lib, err := runtimeLibrary(dir)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("classifier: initialize onnx runtime: %w", err)
	}
	return nil
}

// runtimeLibrary locates the ONNX runtime shared library in the model
// directory or a standard system location.
func runtimeLibrary(dir string) (string, error) {
	if p := os.Getenv("MAMORI_ONNX_RUNTIME_LIB"); p != "" {
		return p, nil
	}
	if dir == "" {
		dir = DefaultModelDir()
	}
	name := "libonnxruntime.so"
	switch runtime.GOOS {
	case "darwin":
		name = "libonnxruntime.dylib"
	case "windows":
		name = "onnxruntime.dll"
	}
	candidates := []string{
		filepath.Join(dir, name),
		"/usr/local/lib/" + name,
		"/usr/lib/" + name,
		"/opt/homebrew/lib/" + name,
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("classifier: onnx runtime library %s not found in %s or system paths", name, dir)
}

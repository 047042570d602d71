//go:build !onnx

package classifier

import (
	"context"
	"errors"
	"net/http"
)

// ONNXAvailable reports whether the ONNX runtime is compiled in.
const ONNXAvailable = false

var errONNXNotAvailable = errors.New("classifier: built without onnx support (rebuild with -tags onnx)")

// NewLoader returns a Loader that always fails when ONNX support is not
// compiled in. Slots using it stay empty and scorers report the model as
// unavailable.
func NewLoader(_ ModelSpec, _ string, _ *http.Client) Loader {
	return func(context.Context) (Model, error) {
		return nil, errONNXNotAvailable
	}
}

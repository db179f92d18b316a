//go:build !llama

package engine

import (
	"context"

	"gend/pkg/types"
)

// LlamaBuilt reports whether this binary carries the in-process llama runtime.
const LlamaBuilt = false

// llamaStub keeps default builds CGO-free; it refuses every load.
type llamaStub struct{}

// NewLlamaBackend returns a backend that reports the runtime as unavailable.
func NewLlamaBackend(LlamaConfig) Backend { return llamaStub{} }

func (llamaStub) Load(context.Context, types.Model) (Model, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

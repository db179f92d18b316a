package engine

import "strings"

// Backend kinds accepted by NewBackend.
const (
	KindServer = "llama-server"
	KindLlama  = "llama"
)

// LlamaConfig configures the in-process backend.
type LlamaConfig struct {
	CtxSize   int
	GPULayers int
	Threads   int
}

// NewBackend selects a backend by kind. Unknown kinds fall back to the
// llama-server subprocess backend.
func NewBackend(kind string, srv ServerConfig, ll LlamaConfig) Backend {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindLlama, "inproc":
		return NewLlamaBackend(ll)
	default:
		return NewServerBackend(srv)
	}
}

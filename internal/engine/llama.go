//go:build llama

package engine

import (
	"context"
	"errors"
	"runtime"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"gend/pkg/types"
)

// LlamaBuilt reports whether this binary carries the in-process llama runtime.
const LlamaBuilt = true

type llamaBackend struct {
	cfg LlamaConfig
}

// NewLlamaBackend returns the in-process go-llama.cpp backend.
func NewLlamaBackend(cfg LlamaConfig) Backend {
	return &llamaBackend{cfg: cfg}
}

func (b *llamaBackend) Load(ctx context.Context, mdl types.Model) (Model, error) {
	if strings.TrimSpace(mdl.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{llama.SetContext(zn(b.cfg.CtxSize, 2048))}
	if b.cfg.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(b.cfg.GPULayers))
	}
	m, err := llama.New(mdl.Path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m, threads: b.cfg.Threads}, nil
}

type llamaModel struct {
	model   *llama.LLama
	threads int
}

func (m *llamaModel) Predict(ctx context.Context, prompt string, opts PredictOptions) (string, error) {
	if m.model == nil {
		return "", errors.New("llama model not initialized")
	}
	// Returning false from the callback stops decoding.
	m.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	threads := opts.Threads
	if threads <= 0 {
		threads = zn(m.threads, runtime.NumCPU())
	}
	po := []llama.PredictOption{
		llama.SetTokens(max(1, opts.MaxTokens)),
		llama.SetThreads(threads),
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}
	text, err := m.model.Predict(prompt, po...)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (m *llamaModel) Close() error {
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

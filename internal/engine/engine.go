// Package engine adapts inference runtimes to the generation service.
//
// A Backend loads model weights into a Model. The Adapter wraps a loaded Model
// and its chat template into a Handle, and runs generations against a Handle
// with the fixed parameter set the runtimes support.
//
// Build tags and runtimes:
//
//   - llama-server (default): one llama.cpp server subprocess per model,
//     driven over its native /completion endpoint. See server.go.
//   - in-process llama: go-llama.cpp bindings, enabled with `-tags=llama`.
//     Without the tag a stub reports the dependency as unavailable.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"gend/internal/prompt"
	"gend/pkg/types"
)

// Backend loads a model's weights. Load may be slow and CPU/GPU bound.
type Backend interface {
	Load(ctx context.Context, mdl types.Model) (Model, error)
}

// Model is a loaded engine instance. Implementations need not be safe for
// concurrent Predict calls; callers serialize them.
type Model interface {
	// Predict runs a completion for an already-rendered prompt. It must return
	// promptly once ctx is done.
	Predict(ctx context.Context, prompt string, opts PredictOptions) (string, error)
	// Close releases the engine resources.
	Close() error
}

// PredictOptions is the complete set of generation parameters the engines
// accept. Sampling temperature is not one of them.
type PredictOptions struct {
	MaxTokens int
	Stop      []string
	Threads   int
}

// Handle is a loaded, ready-to-use model and its tokenizer. It is immutable
// after construction; the repository that owns it decides when to Close it.
type Handle struct {
	ID        string
	LoadID    string
	Model     Model
	Tokenizer prompt.Template
	LoadedAt  time.Time
}

// Close releases the underlying engine model.
func (h *Handle) Close() error {
	if h == nil || h.Model == nil {
		return nil
	}
	return h.Model.Close()
}

// Adapter loads handles through a Backend and generates text from them.
type Adapter struct {
	backend Backend
	threads int
}

// NewAdapter returns an adapter over backend. threads <= 0 lets the engine choose.
func NewAdapter(backend Backend, threads int) *Adapter {
	return &Adapter{backend: backend, threads: threads}
}

// Load loads mdl and attaches the chat template detected for it.
func (a *Adapter) Load(ctx context.Context, mdl types.Model) (*Handle, error) {
	if a == nil || a.backend == nil {
		return nil, ErrDependencyUnavailable("no engine backend configured")
	}
	m, err := a.backend.Load(ctx, mdl)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("engine returned no model")
	}
	return &Handle{
		ID:        mdl.ID,
		LoadID:    uuid.NewString(),
		Model:     m,
		Tokenizer: prompt.DetectTemplate(mdl.Template, mdl.Family, mdl.ID),
		LoadedAt:  time.Now(),
	}, nil
}

// Generate renders c with the handle's tokenizer and runs one completion.
// Engine failures are returned as *GenerationError; context errors pass through.
func (a *Adapter) Generate(ctx context.Context, h *Handle, c prompt.Context, maxTokens int) (string, error) {
	if h == nil || h.Model == nil {
		return "", &GenerationError{Err: errors.New("model handle is not loaded")}
	}
	if maxTokens <= 0 {
		return "", &GenerationError{ModelID: h.ID, Err: errors.New("max_tokens must be positive")}
	}
	text, err := h.Tokenizer.Apply(c)
	if err != nil {
		return "", &GenerationError{ModelID: h.ID, Err: err}
	}
	threads := 0
	if a != nil {
		threads = a.threads
	}
	stop := h.Tokenizer.Stop()
	out, err := h.Model.Predict(ctx, text, PredictOptions{MaxTokens: maxTokens, Stop: stop, Threads: threads})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &GenerationError{ModelID: h.ID, Err: err}
	}
	return trimStop(out, stop), nil
}

// trimStop drops a trailing end-of-turn marker some engines echo back.
func trimStop(s string, stop []string) string {
	for _, st := range stop {
		if st != "" && strings.HasSuffix(s, st) {
			return strings.TrimSuffix(s, st)
		}
	}
	return s
}

// Package service turns a generation request into a generation result.
//
// Generate resolves the model through the repository, formats the prompt
// with the policy table, waits for the handle's generation slot and runs the
// engine. Every failure along the way, including panics and timeouts, is
// captured in the result's error field; Generate itself never fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/engine"
	"gend/internal/prompt"
	"gend/internal/repository"
	"gend/pkg/types"
)

// Repository is the subset of *repository.Repository the service needs.
type Repository interface {
	Resolve(ctx context.Context, id string) (*repository.Lease, error)
	Snapshot() types.StatusResponse
	Ready() bool
}

// Generator runs one completion on a loaded handle. *engine.Adapter implements it.
type Generator interface {
	Generate(ctx context.Context, h *engine.Handle, c prompt.Context, maxTokens int) (string, error)
}

// Catalog lists and resolves model catalog entries.
type Catalog interface {
	Lookup(id string) (types.Model, bool)
	List() []types.Model
}

// Config wires a Service.
type Config struct {
	Repository Repository
	Engine     Generator
	Policy     *prompt.Policy
	Catalog    Catalog

	// RequestTimeout bounds a whole generation unless the model's catalog
	// entry sets its own timeout. 0 disables it.
	RequestTimeout time.Duration

	Logger *zerolog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	cfg     Config
	log     zerolog.Logger
	started time.Time
}

// New returns a Service.
func New(cfg Config) *Service {
	s := &Service{cfg: cfg, log: zerolog.Nop(), started: time.Now()}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "service").Logger()
	}
	return s
}

type outcome struct {
	text string
	err  error
}

// Generate runs req and always returns a result echoing req.ModelID. On
// failure Response is empty and Error describes what went wrong.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) types.GenerateResponse {
	start := time.Now()
	res := types.GenerateResponse{ModelID: req.ModelID}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = types.DefaultMaxTokens
	}

	timeout := s.timeoutFor(req.ModelID)
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	// Canceling on return stops a worker still running after a timeout.
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		text, err := s.run(ctx, req.ModelID, req.Prompt, maxTokens)
		done <- outcome{text: text, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}

	label := classify(o.err)
	observe(label, time.Since(start))
	lg := s.log.With().Str("model_id", req.ModelID).Str("outcome", label).Dur("took", time.Since(start)).Logger()
	if o.err != nil {
		res.Error = message(o.err, timeout)
		lg.Warn().Err(o.err).Msg("generation failed")
		return res
	}
	res.Response = o.text
	lg.Debug().Int("chars", len(o.text)).Msg("generation done")
	return res
}

// run executes one generation. A panic anywhere below is returned as an error.
func (s *Service) run(ctx context.Context, modelID, text string, maxTokens int) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Str("model_id", modelID).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("generation panicked")
			out, err = "", panicError{value: p}
		}
	}()
	if s.cfg.Repository == nil || s.cfg.Engine == nil {
		return "", errors.New("generation service is not configured")
	}
	lease, err := s.cfg.Repository.Resolve(ctx, modelID)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	c := s.cfg.Policy.Format(modelID, text)

	release, err := lease.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.cfg.Engine.Generate(ctx, lease.Handle(), c, maxTokens)
}

func (s *Service) timeoutFor(modelID string) time.Duration {
	if s.cfg.Catalog != nil {
		if mdl, ok := s.cfg.Catalog.Lookup(modelID); ok && mdl.TimeoutSeconds > 0 {
			return time.Duration(mdl.TimeoutSeconds) * time.Second
		}
	}
	return s.cfg.RequestTimeout
}

// Models lists the resolvable catalog.
func (s *Service) Models() []types.Model {
	if s.cfg.Catalog == nil {
		return []types.Model{}
	}
	return s.cfg.Catalog.List()
}

// Status reports the repository snapshot plus process uptime.
func (s *Service) Status() types.StatusResponse {
	var st types.StatusResponse
	if s.cfg.Repository != nil {
		st = s.cfg.Repository.Snapshot()
	}
	if st.Models == nil {
		st.Models = []types.ModelStatus{}
	}
	now := time.Now()
	st.UptimeSeconds = int64(now.Sub(s.started).Seconds())
	st.ServerTimeUnix = now.Unix()
	return st
}

// Ready reports whether the service can take traffic without waiting on preloads.
func (s *Service) Ready() bool {
	return s.cfg.Repository != nil && s.cfg.Repository.Ready()
}

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("internal error during generation: %v", e.value) }

func message(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && timeout > 0:
		return fmt.Sprintf("generation timed out after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "request canceled"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "generation failed"
}

func classify(err error) string {
	var pe panicError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case repository.IsModelLoad(err):
		return "load_error"
	case repository.IsTooBusy(err):
		return "busy"
	case engine.IsGeneration(err):
		return "generation_error"
	default:
		return "error"
	}
}

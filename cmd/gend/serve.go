package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gend/internal/config"
	"gend/internal/engine"
	"gend/internal/httpapi"
	"gend/internal/prompt"
	"gend/internal/registry"
	"gend/internal/repository"
	"gend/internal/service"
)

// app is a fully wired server without its listener.
type app struct {
	handler http.Handler
	repo    *repository.Repository
	svc     *service.Service
	catalog *registry.Registry
}

func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(level, "off") {
		lvl = zerolog.Disabled
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "gend").Logger()
}

// buildCatalog merges scanned *.gguf files with configured models. A missing
// models dir is fine when models are configured explicitly.
func buildCatalog(cfg config.Config) (*registry.Registry, error) {
	scanned, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		if len(cfg.Models) == 0 {
			return nil, fmt.Errorf("failed to load models: %w", err)
		}
		scanned = nil
	}
	return registry.New(registry.Merge(scanned, cfg.Models)...), nil
}

func buildApp(cfg config.Config, lg zerolog.Logger) (*app, error) {
	catalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	backend := engine.NewBackend(cfg.Engine,
		engine.ServerConfig{
			Bin:       cfg.LlamaBin,
			Host:      cfg.LlamaHost,
			PortStart: cfg.LlamaPortStart,
			PortEnd:   cfg.LlamaPortEnd,
			CtxSize:   cfg.LlamaCtx,
			GPULayers: cfg.LlamaGPULayers,
			Threads:   cfg.LlamaThreads,
			ExtraArgs: cfg.LlamaExtraArgs,
			Logger:    &lg,
		},
		engine.LlamaConfig{CtxSize: cfg.LlamaCtx, GPULayers: cfg.LlamaGPULayers, Threads: cfg.LlamaThreads},
	)
	if sb, ok := backend.(*engine.ServerBackend); ok {
		if bin, err := sb.Preflight(); err != nil {
			lg.Warn().Err(err).Msg("generation engine unavailable; loads will fail until it is installed")
		} else {
			lg.Info().Str("llama_bin", bin).Msg("llama-server found")
		}
	}
	adapter := engine.NewAdapter(backend, cfg.LlamaThreads)

	repo := repository.New(repository.Config{
		Catalog:        catalog,
		Loader:         adapter,
		MaxResident:    cfg.MaxResidentModels,
		MemoryBudgetMB: cfg.MemoryBudgetMB,
		MemoryMarginMB: cfg.MemoryMarginMB,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		MaxWait:        time.Duration(cfg.MaxWaitSeconds) * time.Second,
		LoadFailureTTL: time.Duration(cfg.LoadFailureTTLSeconds) * time.Second,
		Logger:         &lg,
	})

	// Configured rules run after the built-in quirks.
	rules := append(prompt.DefaultRules(), cfg.Rules()...)
	svc := service.New(service.Config{
		Repository:     repo,
		Engine:         adapter,
		Policy:         prompt.NewPolicy(rules...),
		Catalog:        catalog,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Logger:         &lg,
	})

	httpapi.SetLogger(lg.With().Str("component", "http").Logger())
	httpapi.SetDefaultLogLevel(requestLogLevel(cfg.LogLevel))
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetTemperaturePolicy(cfg.TemperaturePolicy)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)

	return &app{handler: httpapi.NewMux(svc), repo: repo, svc: svc, catalog: catalog}, nil
}

// requestLogLevel maps the process log level onto per-request verbosity.
func requestLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warn", "warning", "error", "fatal", "panic":
		return "error"
	case "trace":
		return "debug"
	default:
		return level
	}
}

func runServeCmd(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.resolve(cmd.Flags().Changed)
	if err != nil {
		return err
	}
	lg := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, lg, nil)
}

// serve runs the server until ctx ends. When ln is nil it listens on cfg.Addr.
func serve(ctx context.Context, cfg config.Config, lg zerolog.Logger, ln net.Listener) error {
	a, err := buildApp(cfg, lg)
	if err != nil {
		return err
	}
	defer a.repo.Close()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	a.repo.StartPreload(cfg.Preload)

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", ln.Addr().String()).Str("models_dir", cfg.ModelsDir).Int("models", a.catalog.Len()).Str("engine", cfg.Engine).Msg("gend listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	lg.Info().Msg("shutting down")
	// In-flight generations get the grace period, then their contexts are canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		<-shutdownCtx.Done()
		cancelBase()
	}()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("graceful shutdown error")
	}
	return <-errCh
}

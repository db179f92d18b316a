package main

import (
	"encoding/json"
	"fmt"
	"runtime"
	"slices"

	"github.com/spf13/cobra"

	"gend/internal/config"
)

// options are the resolved settings: built-in defaults, then GEND_* env,
// then the config file, then explicitly set flags.
type options struct {
	configPath string
	cfg        config.Config
}

func defaultOptions() *options {
	return &options{
		configPath: envStr("GEND_CONFIG", ""),
		cfg: config.Config{
			Addr:                  envStr("GEND_ADDR", ":8080"),
			ModelsDir:             envStr("GEND_MODELS_DIR", "~/models/llm"),
			LogLevel:              envStr("GEND_LOG_LEVEL", "info"),
			Engine:                envStr("GEND_ENGINE", "llama-server"),
			LlamaBin:              envStr("GEND_LLAMA_BIN", ""),
			LlamaHost:             envStr("GEND_LLAMA_HOST", "127.0.0.1"),
			LlamaPortStart:        envInt("GEND_LLAMA_PORT_START", 0),
			LlamaPortEnd:          envInt("GEND_LLAMA_PORT_END", 0),
			LlamaCtx:              envInt("GEND_LLAMA_CTX", 4096),
			LlamaThreads:          envInt("GEND_LLAMA_THREADS", runtime.NumCPU()),
			LlamaGPULayers:        envInt("GEND_LLAMA_GPU_LAYERS", 0),
			LlamaExtraArgs:        envCSV("GEND_LLAMA_EXTRA_ARGS", nil),
			MaxResidentModels:     envInt("GEND_MAX_RESIDENT_MODELS", 2),
			MemoryBudgetMB:        envInt("GEND_MEMORY_BUDGET_MB", 0),
			MemoryMarginMB:        envInt("GEND_MEMORY_MARGIN_MB", 0),
			MaxQueueDepth:         envInt("GEND_MAX_QUEUE_DEPTH", 32),
			MaxWaitSeconds:        envInt("GEND_MAX_WAIT_SECONDS", 30),
			RequestTimeoutSeconds: envInt("GEND_REQUEST_TIMEOUT_SECONDS", 300),
			LoadFailureTTLSeconds: envInt("GEND_LOAD_FAILURE_TTL_SECONDS", 0),
			MaxBodyBytes:          int64(envInt("GEND_MAX_BODY_BYTES", 1<<20)),
			TemperaturePolicy:     envStr("GEND_TEMPERATURE_POLICY", "ignore"),
			CORSEnabled:           envBool("GEND_CORS_ENABLED", false),
			CORSAllowedOrigins:    envCSV("GEND_CORS_ALLOWED_ORIGINS", nil),
			CORSAllowedMethods:    envCSV("GEND_CORS_ALLOWED_METHODS", nil),
			CORSAllowedHeaders:    envCSV("GEND_CORS_ALLOWED_HEADERS", nil),
			Preload:               envCSV("GEND_PRELOAD", nil),
		},
	}
}

func newRootCmd() *cobra.Command {
	opts := defaultOptions()
	root := &cobra.Command{
		Use:           "gend",
		Short:         "On-demand text generation over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, opts)
		},
	}
	bindFlags(root, opts)

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP server (default command)",
		Example: "  gend serve --models-dir ~/models/llm --max-resident-models 2",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, opts)
		},
	}
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Print the resolved model catalog as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			models, err := buildCatalog(cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(models.List())
		},
	}
	root.AddCommand(serveCmd, modelsCmd)
	return root
}

func bindFlags(root *cobra.Command, opts *options) {
	c := &opts.cfg
	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", opts.configPath, "Config file (.yaml, .yml, .json, .toml); env GEND_CONFIG")
	f.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address, e.g. :8080")
	f.StringVar(&c.ModelsDir, "models-dir", c.ModelsDir, "Directory to scan for *.gguf model files")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error|off")
	f.StringVar(&c.Engine, "engine", c.Engine, "Generation backend: llama-server|llama")
	f.StringVar(&c.LlamaBin, "llama-bin", c.LlamaBin, "Path to llama-server (discovered when empty)")
	f.StringVar(&c.LlamaHost, "llama-host", c.LlamaHost, "Host llama-server processes bind to")
	f.IntVar(&c.LlamaPortStart, "llama-port-start", c.LlamaPortStart, "First port for llama-server processes (0 = any free port)")
	f.IntVar(&c.LlamaPortEnd, "llama-port-end", c.LlamaPortEnd, "Last port for llama-server processes")
	f.IntVar(&c.LlamaCtx, "llama-ctx", c.LlamaCtx, "Context size in tokens")
	f.IntVar(&c.LlamaThreads, "llama-threads", c.LlamaThreads, "Generation threads")
	f.IntVar(&c.LlamaGPULayers, "llama-gpu-layers", c.LlamaGPULayers, "Layers offloaded to the GPU")
	f.StringSliceVar(&c.LlamaExtraArgs, "llama-extra-args", c.LlamaExtraArgs, "Extra llama-server arguments (comma-separated)")
	f.IntVar(&c.MaxResidentModels, "max-resident-models", c.MaxResidentModels, "Maximum models kept loaded (0 = unlimited)")
	f.IntVar(&c.MemoryBudgetMB, "memory-budget-mb", c.MemoryBudgetMB, "Memory budget in MB for loaded models (0 = unlimited)")
	f.IntVar(&c.MemoryMarginMB, "memory-margin-mb", c.MemoryMarginMB, "Reserved memory margin in MB to keep free")
	f.IntVar(&c.MaxQueueDepth, "max-queue-depth", c.MaxQueueDepth, "Per-model queue depth before requests are rejected as busy")
	f.IntVar(&c.MaxWaitSeconds, "max-wait-seconds", c.MaxWaitSeconds, "Maximum seconds a request waits for a model's generation slot")
	f.IntVar(&c.RequestTimeoutSeconds, "request-timeout-seconds", c.RequestTimeoutSeconds, "Per-request generation timeout (0 = none)")
	f.IntVar(&c.LoadFailureTTLSeconds, "load-failure-ttl-seconds", c.LoadFailureTTLSeconds, "Seconds a failed load is remembered before retrying (0 = retry every request)")
	f.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "Maximum request body size in bytes")
	f.StringVar(&c.TemperaturePolicy, "temperature-policy", c.TemperaturePolicy, "What to do with a supplied temperature: ignore|reject")
	f.BoolVar(&c.CORSEnabled, "cors-enabled", c.CORSEnabled, "Enable CORS middleware")
	f.StringSliceVar(&c.CORSAllowedOrigins, "cors-allowed-origins", c.CORSAllowedOrigins, "Allowed CORS origins (comma-separated)")
	f.StringSliceVar(&c.CORSAllowedMethods, "cors-allowed-methods", c.CORSAllowedMethods, "Allowed CORS methods (comma-separated)")
	f.StringSliceVar(&c.CORSAllowedHeaders, "cors-allowed-headers", c.CORSAllowedHeaders, "Allowed CORS headers (comma-separated)")
	f.StringSliceVar(&c.Preload, "preload", c.Preload, "Model ids to load at startup (comma-separated)")
}

// resolve applies the config file under the flags the user set explicitly.
func (o *options) resolve(changed func(string) bool) (config.Config, error) {
	if o.configPath == "" {
		return o.cfg, o.cfg.Validate()
	}
	out := o.cfg.Clone()
	if err := config.LoadInto(o.configPath, &out); err != nil {
		return o.cfg, fmt.Errorf("load config: %w", err)
	}
	for name, keep := range flagFields {
		if changed(name) {
			keep(&out, &o.cfg)
		}
	}
	return out, out.Validate()
}

// flagFields copies the field a flag is bound to, so an explicitly set flag
// wins over the config file.
var flagFields = map[string]func(dst, src *config.Config){
	"addr":                     func(d, s *config.Config) { d.Addr = s.Addr },
	"models-dir":               func(d, s *config.Config) { d.ModelsDir = s.ModelsDir },
	"log-level":                func(d, s *config.Config) { d.LogLevel = s.LogLevel },
	"engine":                   func(d, s *config.Config) { d.Engine = s.Engine },
	"llama-bin":                func(d, s *config.Config) { d.LlamaBin = s.LlamaBin },
	"llama-host":               func(d, s *config.Config) { d.LlamaHost = s.LlamaHost },
	"llama-port-start":         func(d, s *config.Config) { d.LlamaPortStart = s.LlamaPortStart },
	"llama-port-end":           func(d, s *config.Config) { d.LlamaPortEnd = s.LlamaPortEnd },
	"llama-ctx":                func(d, s *config.Config) { d.LlamaCtx = s.LlamaCtx },
	"llama-threads":            func(d, s *config.Config) { d.LlamaThreads = s.LlamaThreads },
	"llama-gpu-layers":         func(d, s *config.Config) { d.LlamaGPULayers = s.LlamaGPULayers },
	"llama-extra-args":         func(d, s *config.Config) { d.LlamaExtraArgs = slices.Clone(s.LlamaExtraArgs) },
	"max-resident-models":      func(d, s *config.Config) { d.MaxResidentModels = s.MaxResidentModels },
	"memory-budget-mb":         func(d, s *config.Config) { d.MemoryBudgetMB = s.MemoryBudgetMB },
	"memory-margin-mb":         func(d, s *config.Config) { d.MemoryMarginMB = s.MemoryMarginMB },
	"max-queue-depth":          func(d, s *config.Config) { d.MaxQueueDepth = s.MaxQueueDepth },
	"max-wait-seconds":         func(d, s *config.Config) { d.MaxWaitSeconds = s.MaxWaitSeconds },
	"request-timeout-seconds":  func(d, s *config.Config) { d.RequestTimeoutSeconds = s.RequestTimeoutSeconds },
	"load-failure-ttl-seconds": func(d, s *config.Config) { d.LoadFailureTTLSeconds = s.LoadFailureTTLSeconds },
	"max-body-bytes":           func(d, s *config.Config) { d.MaxBodyBytes = s.MaxBodyBytes },
	"temperature-policy":       func(d, s *config.Config) { d.TemperaturePolicy = s.TemperaturePolicy },
	"cors-enabled":             func(d, s *config.Config) { d.CORSEnabled = s.CORSEnabled },
	"cors-allowed-origins":     func(d, s *config.Config) { d.CORSAllowedOrigins = slices.Clone(s.CORSAllowedOrigins) },
	"cors-allowed-methods":     func(d, s *config.Config) { d.CORSAllowedMethods = slices.Clone(s.CORSAllowedMethods) },
	"cors-allowed-headers":     func(d, s *config.Config) { d.CORSAllowedHeaders = slices.Clone(s.CORSAllowedHeaders) },
	"preload":                  func(d, s *config.Config) { d.Preload = slices.Clone(s.Preload) },
}

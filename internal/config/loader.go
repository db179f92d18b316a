package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gend/internal/prompt"
	"gend/pkg/types"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Engine backend: llama-server (default) or llama (in-process).
	Engine         string   `json:"engine" yaml:"engine" toml:"engine"`
	LlamaBin       string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost      string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd   int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`
	LlamaCtx       int      `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads   int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaGPULayers int      `json:"llama_gpu_layers" yaml:"llama_gpu_layers" toml:"llama_gpu_layers"`
	LlamaExtraArgs []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`

	MaxResidentModels int `json:"max_resident_models" yaml:"max_resident_models" toml:"max_resident_models"`
	MemoryBudgetMB    int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB    int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`
	MaxQueueDepth     int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds    int `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`

	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	LoadFailureTTLSeconds int    `json:"load_failure_ttl_seconds" yaml:"load_failure_ttl_seconds" toml:"load_failure_ttl_seconds"`
	MaxBodyBytes          int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	TemperaturePolicy     string `json:"temperature_policy" yaml:"temperature_policy" toml:"temperature_policy"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`

	// Preload lists model ids to load at startup.
	Preload []string `json:"preload" yaml:"preload" toml:"preload"`
	// Models are catalog entries; they override scanned models with the same id.
	Models []types.Model `json:"models" yaml:"models" toml:"models"`
	// PromptRules extend or replace the built-in prompt rules.
	PromptRules []PromptRule `json:"prompt_rules" yaml:"prompt_rules" toml:"prompt_rules"`
}

// PromptRule prepends system messages for model ids matching Match (exact id or glob).
type PromptRule struct {
	Match  string   `json:"match" yaml:"match" toml:"match"`
	System []string `json:"system" yaml:"system" toml:"system"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	err := LoadInto(path, &cfg)
	return cfg, err
}

// LoadInto decodes the file over cfg. Keys present in the file replace the
// current values, including explicit zeros and false; absent keys leave cfg
// untouched.
func LoadInto(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	case ".json":
		err = json.Unmarshal(b, cfg)
	case ".toml":
		err = toml.Unmarshal(b, cfg)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	c.LlamaExtraArgs = slices.Clone(c.LlamaExtraArgs)
	c.CORSAllowedOrigins = slices.Clone(c.CORSAllowedOrigins)
	c.CORSAllowedMethods = slices.Clone(c.CORSAllowedMethods)
	c.CORSAllowedHeaders = slices.Clone(c.CORSAllowedHeaders)
	c.Preload = slices.Clone(c.Preload)
	c.Models = slices.Clone(c.Models)
	c.PromptRules = slices.Clone(c.PromptRules)
	return c
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.TemperaturePolicy) {
	case "", "ignore", "reject":
	default:
		return fmt.Errorf("temperature_policy must be ignore or reject, got %q", c.TemperaturePolicy)
	}
	switch strings.ToLower(c.Engine) {
	case "", "llama-server", "llama":
	default:
		return fmt.Errorf("engine must be llama-server or llama, got %q", c.Engine)
	}
	for name, v := range map[string]int{
		"max_resident_models":      c.MaxResidentModels,
		"memory_budget_mb":         c.MemoryBudgetMB,
		"memory_margin_mb":         c.MemoryMarginMB,
		"max_queue_depth":          c.MaxQueueDepth,
		"max_wait_seconds":         c.MaxWaitSeconds,
		"request_timeout_seconds":  c.RequestTimeoutSeconds,
		"load_failure_ttl_seconds": c.LoadFailureTTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
	}
	for i, r := range c.PromptRules {
		if strings.TrimSpace(r.Match) == "" {
			return fmt.Errorf("prompt_rules[%d]: match is required", i)
		}
	}
	return nil
}

// Rules converts the configured prompt rules into policy rules.
func (c Config) Rules() []prompt.Rule {
	out := make([]prompt.Rule, 0, len(c.PromptRules))
	for _, r := range c.PromptRules {
		msgs := make([]prompt.Message, 0, len(r.System))
		for _, s := range r.System {
			msgs = append(msgs, prompt.System(s))
		}
		out = append(out, prompt.Rule{Match: r.Match, Prepend: msgs})
	}
	return out
}

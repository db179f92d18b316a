package types

// Model is a catalog entry the service can resolve and load.
type Model struct {
	// Stable identifier used by clients in model_id.
	// example: mlx-community/SmolLM3-3B-4bit
	ID string `json:"id" yaml:"id" toml:"id" example:"mlx-community/SmolLM3-3B-4bit"`
	// Human-friendly name.
	// example: SmolLM3 3B 4bit
	Name string `json:"name" yaml:"name" toml:"name" example:"SmolLM3 3B 4bit"`
	// Absolute path to the model weights on disk.
	// example: /srv/models/SmolLM3-3B-Q4_K_M.gguf
	Path string `json:"path" yaml:"path" toml:"path" example:"/srv/models/SmolLM3-3B-Q4_K_M.gguf"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" yaml:"quant" toml:"quant" example:"Q4_K_M"`
	// Optional family (e.g., llama, qwen, gemma, phi).
	// example: smollm
	Family string `json:"family,omitempty" yaml:"family" toml:"family" example:"smollm"`
	// Chat template name; empty means detect from family and id.
	// example: chatml
	Template string `json:"template,omitempty" yaml:"template" toml:"template" example:"chatml"`
	// Per-model request timeout in seconds; 0 falls back to the server default.
	// example: 120
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" toml:"timeout_seconds" example:"120"`
}

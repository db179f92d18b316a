package types

// DefaultMaxTokens is applied when a request omits max_tokens.
const DefaultMaxTokens = 512

// GenerateRequest is the POST /generate payload.
type GenerateRequest struct {
	// Model identifier to generate with.
	// example: demo/small-model
	ModelID string `json:"model_id" example:"demo/small-model"`
	// Prompt text sent as the user turn.
	// example: Say hi
	Prompt string `json:"prompt" example:"Say hi"`
	// Maximum number of new tokens to generate (default 512).
	// example: 16
	MaxTokens int `json:"max_tokens,omitempty" example:"16"`
	// Accepted for compatibility; the engine does not support sampling temperature.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
}

// GenerateResponse is returned by POST /generate, including for failed generations.
type GenerateResponse struct {
	// Generated text; empty when error is set.
	// example: Hi there!
	Response string `json:"response" example:"Hi there!"`
	// Echo of the requested model identifier.
	// example: demo/small-model
	ModelID string `json:"model_id" example:"demo/small-model"`
	// Failure message for load or generation errors.
	Error string `json:"error,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// example: healthy
	Status string `json:"status" example:"healthy"`
	// example: generation service is running
	Message string `json:"message" example:"generation service is running"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of resolvable models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid request body
	Error string `json:"error" example:"invalid request body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Field-level validation failures, if any.
	Details []FieldError `json:"details,omitempty"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	// JSON field name; empty for body-level problems.
	// example: prompt
	Field string `json:"field" example:"prompt"`
	// example: field required
	Message string `json:"message" example:"field required"`
}

// ModelStatus summarizes a resident model for /status.
type ModelStatus struct {
	// example: demo/small-model
	ModelID string `json:"model_id" example:"demo/small-model"`
	// Unique id of this load; changes when the model is reloaded.
	LoadID string `json:"load_id"`
	// Current state (ready, in_use).
	// example: ready
	State string `json:"state" example:"ready"`
	// Load completion time (unix seconds).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Last time this model served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated resident memory in MB.
	// example: 1800
	EstMemoryMB int `json:"est_memory_mb" example:"1800"`
	// Active leases pinning this model against eviction.
	// example: 1
	Refs int `json:"refs" example:"1"`
	// Requests holding a queue slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Generations currently running (0 or 1).
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Resident models.
	Models []ModelStatus `json:"models"`
	// Maximum resident model count (0 = unlimited).
	// example: 2
	MaxResident int `json:"max_resident" example:"2"`
	// Memory budget in MB (0 = unlimited).
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
	// Estimated memory in use in MB.
	// example: 2048
	UsedMB int `json:"used_est_mb" example:"2048"`
	// Reserved memory margin in MB.
	// example: 512
	MarginMB int `json:"margin_mb" example:"512"`
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// example: 1
	LoadFailuresTotal uint64 `json:"load_failures_total" example:"1"`
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// example: 1
	LoadsInProgress int `json:"loads_in_progress" example:"1"`
	// example: true
	Ready bool `json:"ready" example:"true"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

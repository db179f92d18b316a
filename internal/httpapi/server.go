package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gend/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Generate(ctx context.Context, req types.GenerateRequest) types.GenerateResponse
	Models() []types.Model
	Status() types.StatusResponse
	Ready() bool
}

// HeaderIgnoredParameters lists request fields that were accepted but had no effect.
const HeaderIgnoredParameters = "X-Ignored-Parameters"

// NewMux builds the HTTP router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods:   orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders:   orDefault(corsAllowedHeaders, []string{"Content-Type", "X-Log-Level", "X-Request-Id"}),
			ExposedHeaders:   []string{HeaderIgnoredParameters},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.HealthResponse{Status: "healthy", Message: "generation service is running"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() && serverBaseCtx.Err() == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.Models()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Post("/generate", generateHandler(svc))

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// generateHandler validates the body and always answers 200 once the request
// is well-formed; generation failures travel in the result's error field.
//
// @Summary  Generate text
// @Tags     generate
// @Accept   json
// @Produce  json
// @Param    request  body      types.GenerateRequest  true  "Generation request"
// @Success  200      {object}  types.GenerateResponse
// @Failure  400      {object}  types.ErrorResponse
// @Failure  415      {object}  types.ErrorResponse
// @Router   /generate [post]
func generateHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		lg := requestLogger(r)

		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			countRejected("content_type")
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			// Oversized bodies are reported as invalid to avoid leaking the limit.
			countRejected("json")
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			countRejected("json")
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid JSON body", []types.FieldError{{Message: err.Error()}})
			return
		}
		if details := validateGenerate(doc); len(details) > 0 {
			countRejected("schema")
			if lvl >= LevelInfo {
				lg.Info().Int("status", http.StatusBadRequest).Interface("details", details).Msg("generate rejected")
			}
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid request body", details)
			return
		}
		var req types.GenerateRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&req); err != nil {
			countRejected("json")
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Temperature != nil {
			if temperaturePolicy == TemperatureReject {
				countRejected("temperature")
				writeJSONErrorDetails(w, http.StatusBadRequest, "invalid request body", []types.FieldError{
					{Field: "temperature", Message: "temperature is not supported by the generation engine"},
				})
				return
			}
			w.Header().Set(HeaderIgnoredParameters, "temperature")
			req.Temperature = nil
		}

		start := time.Now()
		if lvl >= LevelInfo {
			lg.Info().Str("model_id", req.ModelID).Int("max_tokens", req.MaxTokens).Msg("generate start")
		}
		if lvl >= LevelDebug {
			lg.Debug().Str("model_id", req.ModelID).Str("prompt", req.Prompt).Msg("generate prompt")
		}
		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		res := svc.Generate(ctx, req)
		if r.Context().Err() != nil && errors.Is(r.Context().Err(), context.Canceled) {
			// Client went away; nobody is listening for the result.
			return
		}
		switch {
		case res.Error != "" && lvl >= LevelError:
			lg.Warn().Str("model_id", req.ModelID).Dur("dur", time.Since(start)).Str("error", res.Error).Msg("generate end")
		case lvl >= LevelInfo:
			lg.Info().Str("model_id", req.ModelID).Dur("dur", time.Since(start)).Int("chars", len(res.Response)).Msg("generate end")
		}
		if lvl >= LevelDebug {
			lg.Debug().Str("model_id", req.ModelID).Str("response", res.Response).Msg("generate response")
		}
		writeJSON(w, res)
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

package httpapi

import "strings"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes configures the maximum request body size (default 1 MiB).
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// TemperaturePolicy decides what happens to a supplied temperature, which no
// engine honors.
type TemperaturePolicy int

const (
	// TemperatureIgnore accepts the field, drops it and names it in X-Ignored-Parameters.
	TemperatureIgnore TemperaturePolicy = iota
	// TemperatureReject answers 400 when the field is present.
	TemperatureReject
)

var temperaturePolicy = TemperatureIgnore

// SetTemperaturePolicy accepts "ignore" (default) or "reject".
func SetTemperaturePolicy(s string) {
	if strings.EqualFold(strings.TrimSpace(s), "reject") {
		temperaturePolicy = TemperatureReject
		return
	}
	temperaturePolicy = TemperatureIgnore
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

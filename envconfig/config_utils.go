// config_utils.go holds the Bool/String/Uint/Float getter helpers and the
// AsMap/Values export used by cmd's "ignite env" diagnostic output.
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a function reading a bool env var with a
// caller-supplied default. An unparseable non-empty value is treated as
// true, matching the teacher's permissive "anything set means on" style.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading a bool env var, defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a function reading a string env var.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a function reading a uint env var with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Float returns a function reading a float64 env var with a default.
func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable: its name, current value, and
// a human-readable description, used by the "ignite env" CLI output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value and
// description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"IGNITE_HOST":              {"IGNITE_HOST", Host(), "Address the HTTP API binds to (default 127.0.0.1:11535)"},
		"IGNITE_ORIGINS":           {"IGNITE_ORIGINS", AllowedOrigins(), "A comma separated list of allowed CORS origins"},
		"IGNITE_MODELS":            {"IGNITE_MODELS", ModelsDir(), "The path to the manifests and adapter blobs directory"},
		"IGNITE_LOAD_TIMEOUT":      {"IGNITE_LOAD_TIMEOUT", LoadTimeout(), "Manifest/weight load stall limit, not applied by any component (default \"5m\")"},
		"IGNITE_KEEP_ALIVE":        {"IGNITE_KEEP_ALIVE", KeepAlive(), "Idle session lifetime, not applied by any component (default \"5m\")"},
		"IGNITE_LOG_LEVEL":         {"IGNITE_LOG_LEVEL", LogLevel(), "Logging verbosity: 0=info, 1=debug, 2=trace"},
		"IGNITE_CONTEXT_LENGTH":    {"IGNITE_CONTEXT_LENGTH", ContextLength(), "Default max sequence length, not applied by any component (default 4096)"},
		"IGNITE_ADAPTER_CACHE_SIZE": {"IGNITE_ADAPTER_CACHE_SIZE", AdapterCacheSize(), "Adapter registry LRU capacity (default 32)"},
		"IGNITE_MAX_SESSIONS":      {"IGNITE_MAX_SESSIONS", MaxSessions(), "Maximum resident sessions before idle eviction (0 = unbounded)"},
		"IGNITE_MAX_QUEUE":         {"IGNITE_MAX_QUEUE", MaxQueue(), "Request queue limit, not applied by any component"},
		"IGNITE_NOPRUNE":           {"IGNITE_NOPRUNE", NoPrune(), "Orphaned adapter blob prune switch, not applied by any component"},
		"IGNITE_DRIFT_THRESHOLD":   {"IGNITE_DRIFT_THRESHOLD", DriftThreshold(), "Default top-K intent-drift threshold (default 0.5)"},
	}
}

// Values returns every configuration variable's current value, formatted
// as a string, keyed by variable name.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// config.go holds the primary configuration accessors:
//
//   - Host: scheme+host the httpapi server binds/dials (IGNITE_HOST)
//   - AllowedOrigins: CORS origins accepted by httpapi (IGNITE_ORIGINS)
//   - ModelsDir: root directory for manifests and adapter blobs (IGNITE_MODELS)
//   - LoadTimeout: load stall limit, parsed and shown by `ignite env` only (IGNITE_LOAD_TIMEOUT)
//   - KeepAlive: idle-session lifetime, parsed and shown by `ignite env` only (IGNITE_KEEP_ALIVE)
//   - LogLevel: slog level, with a Trace tier below Debug (IGNITE_LOG_LEVEL)
//
// Further configuration lives in config_features.go (numeric tunables) and
// config_utils.go (getter helpers and the AsMap/Values export).
package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TraceLevel sits one tier below slog.LevelDebug, for the rare case where
// even debug logging is too quiet (full per-token sampler traces, kernel
// op dumps).
const TraceLevel = slog.Level(-8)

// Host returns the scheme and host the HTTP API binds to.
// Configurable via IGNITE_HOST. Default: http://127.0.0.1:11535
func Host() *url.URL {
	defaultPort := "11535"

	s := strings.TrimSpace(Var("IGNITE_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns the CORS origins httpapi accepts, in addition to
// the standard localhost set. Configurable via IGNITE_ORIGINS
// (comma-separated).
func AllowedOrigins() (origins []string) {
	if s := Var("IGNITE_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// ModelsDir returns the root directory holding manifests and adapter
// blobs. Configurable via IGNITE_MODELS. Default: $HOME/.ignite/models
func ModelsDir() string {
	if s := Var("IGNITE_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".ignite", "models")
}

// LoadTimeout returns the configured manifest/weight load stall limit.
// Configurable via IGNITE_LOAD_TIMEOUT. It is reported by `ignite env`;
// no loader or session applies it.
// 0 or negative = unbounded. Default: 5 minutes.
func LoadTimeout() (loadTimeout time.Duration) {
	loadTimeout = 5 * time.Minute
	if s := Var("IGNITE_LOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			loadTimeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			loadTimeout = time.Duration(n) * time.Second
		}
	}

	if loadTimeout <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return loadTimeout
}

// KeepAlive returns the configured idle-session lifetime. Configurable via
// IGNITE_KEEP_ALIVE. Negative values mean keep forever, 0 means evict
// immediately after each request. Default: 5 minutes. It is reported by
// `ignite env`; httpapi's session cache does not apply it.
func KeepAlive() (keepAlive time.Duration) {
	keepAlive = 5 * time.Minute
	if s := Var("IGNITE_KEEP_ALIVE"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			keepAlive = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			keepAlive = time.Duration(n) * time.Second
		}
	}

	if keepAlive < 0 {
		return time.Duration(math.MaxInt64)
	}

	return keepAlive
}

// LogLevel returns the configured slog level. Configurable via
// IGNITE_LOG_LEVEL. Values: 0/false = INFO (default), 1/true = DEBUG,
// 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("IGNITE_LOG_LEVEL"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				level = slog.LevelDebug
			}
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			switch {
			case i >= 2:
				level = TraceLevel
			case i == 1:
				level = slog.LevelDebug
			}
		}
	}

	return level
}

// Var returns an environment variable's value, trimmed of surrounding
// whitespace and a single layer of matching quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

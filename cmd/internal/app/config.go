package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
//
// Read/write timeouts are intentionally absent: websocket sessions are
// long-lived, so only the header read and idle timeouts are bounded.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CODEROOM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CODEROOM_LOG_LEVEL", "info"),
		LogFormat: EnvString("CODEROOM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CODEROOM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("CODEROOM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CODEROOM_HTTP_MAX_HEADER_BYTES", 1<<20),

		MetricsEnabled: EnvBool("CODEROOM_METRICS_ENABLED", true),
	}
}

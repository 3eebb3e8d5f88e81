package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment lookups for the CODEROOM_* configuration surface. A value
// that is missing, blank, or unparseable falls back to the default so a
// misconfigured deployment degrades to known-good settings instead of
// refusing to start.

func envValue(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v, ok := envValue(key); ok {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads an int env var with a default. Every integer knob here
// is a size or a count, so non-positive values are rejected.
func EnvInt(key string, def int) int {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := envValue(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

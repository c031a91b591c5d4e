package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

var boolWords = map[string]bool{
	"1": true, "true": true, "yes": true, "on": true,
	"0": false, "false": false, "no": false, "off": false,
}

// ParseBoolEnv reads key as a boolean (1/true/yes/on or 0/false/no/off, any case).
// Unset or unrecognised values yield def.
func ParseBoolEnv(key string, def bool) bool {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	v, known := boolWords[strings.ToLower(raw)]
	if !known {
		slog.Warn("ParseBoolEnv: unrecognised value", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

// ParseDurationEnv reads key with time.ParseDuration, yielding def when unset or invalid.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ParseDurationEnv: unrecognised value", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

func lookupEnv(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

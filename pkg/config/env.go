// Package config loads limiterd configuration from the environment and the
// YAML policy file, and keeps the policy table in sync with that file.
//
// Every loader fails open: an invalid value logs a warning and falls back to
// its default, so a typo never takes the admission service down.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvString returns the value of key, or def when it is unset or empty.
func GetEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnv parses key with parse. An unset or empty variable yields def
// silently; a value parse rejects, or one check rejects, yields def with a
// warning.
func getEnv[T any](key string, def T, parse func(string) (T, error), check func(T) error) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(strings.TrimSpace(raw))
	if err == nil && check != nil {
		err = check(v)
	}
	if err != nil {
		slog.Warn("invalid environment variable, using default",
			slog.String("key", key),
			slog.String("value", raw),
			slog.String("default", fmt.Sprint(def)),
			slog.String("error", err.Error()))
		return def
	}
	return v
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// GetEnvInt reads key as a base-10 integer.
//
//	maxKeys := GetEnvInt("RATELIMIT_MAX_KEYS", 100000)
func GetEnvInt(key string, def int) int {
	return getEnv(key, def, strconv.Atoi, nil)
}

// GetEnvPositiveInt is GetEnvInt for values that must be greater than zero.
func GetEnvPositiveInt(key string, def int) int {
	return getEnv(key, def, strconv.Atoi, positive[int])
}

// GetEnvFloat reads key as a float64.
func GetEnvFloat(key string, def float64) float64 {
	return getEnv(key, def, parseFloat, nil)
}

// GetEnvBool reads key with strconv.ParseBool: 1, t, true, 0, f, false and
// their upper-case forms.
func GetEnvBool(key string, def bool) bool {
	return getEnv(key, def, strconv.ParseBool, nil)
}

// GetEnvDuration reads key with time.ParseDuration ("250ms", "1m30s").
//
//	interval := GetEnvDuration("RATELIMIT_CLEANUP_INTERVAL", time.Minute)
func GetEnvDuration(key string, def time.Duration) time.Duration {
	return getEnv(key, def, time.ParseDuration, nil)
}

// GetEnvPositiveDuration is GetEnvDuration for values that must be greater
// than zero.
func GetEnvPositiveDuration(key string, def time.Duration) time.Duration {
	return getEnv(key, def, time.ParseDuration, ValidatePositiveDuration)
}

// GetEnvStringList splits key on commas, trimming blanks and dropping empty
// items. A variable with no items yields def.
//
//	// TRUSTED_PROXIES="10.0.0.0/8, 172.16.0.0/12"
//	proxies := GetEnvStringList("TRUSTED_PROXIES", nil)
func GetEnvStringList(key string, def []string) []string {
	var items []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return def
	}
	return items
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "OBSNET_"

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "key") || strings.Contains(lower, "password") || strings.Contains(lower, "token")
}

// ParseString reads a string from the environment or returns the default.
// It logs where the value came from; secrets are never logged.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	switch {
	case !exists:
		return defaultValue
	case value == "":
		logger.Debug().
			Str("key", key).
			Str("source", "default").
			Msg("using default value (environment variable is empty)")
		return defaultValue
	case isSensitive(key):
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Bool("sensitive", true).
			Msg("using environment variable")
	default:
		logger.Debug().
			Str("key", key).
			Str("value", value).
			Str("source", "environment").
			Msg("using environment variable")
	}
	return value
}

// ParseInt reads an integer, falling back to the default on parse errors.
func ParseInt(key string, defaultValue int) int {
	v, ok := lookupNonEmpty(key)
	if !ok {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		warnInvalid(key, v, err)
		return defaultValue
	}
	return i
}

// ParseFloat reads a float, falling back to the default on parse errors.
func ParseFloat(key string, defaultValue float64) float64 {
	v, ok := lookupNonEmpty(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnInvalid(key, v, err)
		return defaultValue
	}
	return f
}

// ParseBool reads a boolean, falling back to the default on parse errors.
func ParseBool(key string, defaultValue bool) bool {
	v, ok := lookupNonEmpty(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "on", "yes":
		return true
	case "off", "no":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warnInvalid(key, v, err)
		return defaultValue
	}
	return b
}

// ParseDuration reads a Go duration string, falling back to the default on
// parse errors.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := lookupNonEmpty(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warnInvalid(key, v, err)
		return defaultValue
	}
	return d
}

// ParseList reads a comma separated list; blanks are dropped.
func ParseList(key string, defaultValue []string) []string {
	v, ok := lookupNonEmpty(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParsePeers reads "name=host:port,name=host:port" into an address book.
func ParsePeers(key string) map[string]string {
	items := ParseList(key, nil)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		name, addr, ok := strings.Cut(item, "=")
		if !ok || name == "" || addr == "" {
			warnInvalid(key, item, nil)
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(addr)
	}
	return out
}

func lookupNonEmpty(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func warnInvalid(key, value string, err error) {
	logger := log.WithComponent("config")
	ev := logger.Warn().Str("key", key)
	if !isSensitive(key) {
		ev = ev.Str("value", value)
	}
	ev.Err(err).Msg("invalid environment value, using default")
}

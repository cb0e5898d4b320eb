// Package env reads REELFORGE_* settings. Typed readers treat an unset or
// blank variable as absent and fall back to the default.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Error reports a variable that is set but cannot be parsed.
type Error struct {
	Key   string
	Value string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// String returns the value of key, even when it is set to the empty string.
func String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

// Strings reads a comma separated list, dropping empty entries.
func Strings(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parse(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return parse(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return parse(key, def, strconv.Atoi)
}

func parse[T any](key string, def T, conv func(string) (T, error)) (T, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := conv(raw)
	if err != nil {
		var zero T
		return zero, &Error{Key: key, Value: raw, Err: err}
	}
	return v, nil
}

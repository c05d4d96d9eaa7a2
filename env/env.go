// Package env defines the environment variables cdpdriver reads.
package env

import (
	"os"
	"strconv"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc, backed by os.LookupEnv.
func Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// EmptyLookup is a LookupFunc that never finds a key.
func EmptyLookup(string) (string, bool) { return "", false }

// ConstLookup returns a LookupFunc that always returns the given value and
// true if the key matches, and false otherwise.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup returns a LookupFunc backed by m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

const (
	// ExecutablePath is the path to the browser executable.
	ExecutablePath = "CDPDRIVER_EXECUTABLE_PATH"

	// Headless runs the browser without a window.
	Headless = "CDPDRIVER_HEADLESS"

	// Args is a comma separated list of extra browser arguments.
	Args = "CDPDRIVER_ARGS"

	// Host and Port point at an existing debugger endpoint to attach to.
	Host = "CDPDRIVER_HOST"
	Port = "CDPDRIVER_PORT"

	// UserDataDir is a custom profile directory. It is not removed at shutdown.
	UserDataDir = "CDPDRIVER_USER_DATA_DIR"

	// Sandbox toggles the browser sandbox.
	Sandbox = "CDPDRIVER_SANDBOX"

	// Lang is the browser UI language.
	Lang = "CDPDRIVER_LANG"

	// Debug enables debug logging.
	Debug = "CDPDRIVER_DEBUG"

	// LogCategoryFilter is a regexp that log categories must match.
	LogCategoryFilter = "CDPDRIVER_LOG_CATEGORY_FILTER"

	// IdleTimeout is the listener idle window, e.g. "250ms".
	IdleTimeout = "CDPDRIVER_IDLE_TIMEOUT"

	// TracesMetadata enables trace export to stdout when set to "stdout".
	TracesMetadata = "CDPDRIVER_TRACES"
)

// IsTruthy returns the boolean value of key. Unset or unparsable keys are false.
func IsTruthy(lookup LookupFunc, key string) bool {
	v, ok := lookup(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

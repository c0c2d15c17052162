package common

import (
	"os"
	"strconv"
	"strings"
)

// GetEnvInt returns an integer environment variable or the default when
// unset or unparseable.
func GetEnvInt(name string, def int) int {
	value := os.Getenv(name)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// GetEnvBool returns a boolean environment variable.
// Accepts true/false, yes/no, 1/0 (case insensitive).
func GetEnvBool(name string, def bool) bool {
	value := strings.ToLower(os.Getenv(name))
	switch value {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	return def
}

// GetEnvStr returns a string environment variable or the default when unset.
func GetEnvStr(name string, def string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return def
}

// IsInteractive reports whether both stdin and stdout are attached to a
// terminal. Background runs, CI, and piped invocations all report false.
func IsInteractive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

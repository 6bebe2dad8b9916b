// Package logging builds the scoped leveled loggers shared by every component,
// including the WebRTC stack.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
)

// Config selects the default level and per-scope overrides.
type Config struct {
	Level  string            `yaml:"level"`
	Scopes map[string]string `yaml:"scopes"`
}

// ParseLevel maps a level name onto a pion log level. Unknown names are info.
func ParseLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "warn", "warning":
		return logging.LogLevelWarn
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelInfo
	}
}

// New returns a factory writing to stderr.
func New(cfg Config) *logging.DefaultLoggerFactory {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a factory writing to w.
func NewWithWriter(cfg Config, w io.Writer) *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = w
	f.DefaultLogLevel = ParseLevel(cfg.Level)
	f.ScopeLevels = make(map[string]logging.LogLevel, len(cfg.Scopes))
	for scope, level := range cfg.Scopes {
		f.ScopeLevels[scope] = ParseLevel(level)
	}
	return f
}

// Discard returns a factory that drops everything. Useful in tests.
func Discard() logging.LoggerFactory {
	return NewWithWriter(Config{Level: "disabled"}, io.Discard)
}

package log

import (
	"fmt"
	stdlog "log"
	"strings"
)

// Config describes logger settings loaded from flags or environment.
type Config struct {
	// Level is the minimum level name: debug|info|warn|error.
	Level string
	// Format selects the formatter: text|json.
	Format string
}

// ApplyConfig builds a Logger from a Config, defaulting to info/text.
func ApplyConfig(cfg *Config) (Logger, error) {
	level := InfoLevel
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter)), nil
}

// RedirectStdLog routes standard-library log output (Pebble uses it)
// through the given logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{logger: logger})
}

type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Info(msg, Str("source", "stdlog"))
	}
	return len(p), nil
}

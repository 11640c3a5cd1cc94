// Package logging configures the process-wide logrus logger: a console sink
// at the operator's level, an optional session file at debug, and secret
// redaction on both.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"tuneagent/internal/redact"
)

type Options struct {
	Level string
	// File receives every entry at debug level. Empty disables it.
	File    string
	Console io.Writer
	// Secrets are masked in messages and string fields.
	Secrets []string
}

// Setup installs the sinks on logger (the standard logger when nil). The
// returned func closes the session file.
func Setup(logger *logrus.Logger, opts Options) (func() error, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	level := logrus.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	redact.Register(opts.Secrets...)

	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	logger.AddHook(redactHook{})
	logger.AddHook(&writer.Hook{Writer: opts.Console, LogLevels: levelsUpTo(level)})

	closer := func() error { return nil }
	maxLevel := level
	if path := strings.TrimSpace(opts.File); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("log dir: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.AddHook(&writer.Hook{Writer: f, LogLevels: levelsUpTo(logrus.DebugLevel)})
		maxLevel = logrus.DebugLevel
		closer = f.Close
	}
	if level > maxLevel {
		maxLevel = level
	}
	logger.SetLevel(maxLevel)
	return closer, nil
}

func levelsUpTo(max logrus.Level) []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= max {
			out = append(out, l)
		}
	}
	return out
}

// redactHook rewrites the entry before the writer hooks format it; it must
// be added first.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(e *logrus.Entry) error {
	e.Message = redact.Line(e.Message)
	for k, v := range e.Data {
		switch val := v.(type) {
		case string:
			e.Data[k] = redact.Line(val)
		case error:
			e.Data[k] = redact.Line(val.Error())
		}
	}
	return nil
}

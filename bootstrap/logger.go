package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/najoast/jarvis/config"
)

// NewLogger builds a slog logger from the log section. The level is held by
// level so it can be changed while the application runs. The returned closer
// releases the output file, if any.
func NewLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, io.Closer, error) {
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(cfg.Level.SlogLevel())

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	return newLogger(out, cfg, level), closer, nil
}

func newLogger(out io.Writer, cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	if cfg.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	if len(cfg.Fields) > 0 {
		keys := make([]string, 0, len(cfg.Fields))
		for k := range cfg.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		args := make([]any, 0, 2*len(keys))
		for _, k := range keys {
			args = append(args, k, cfg.Fields[k])
		}
		logger = logger.With(args...)
	}
	return logger
}

// replaceLevel names the trace level.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= config.LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Package logging builds the zerolog logger shared by every ruleforge component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/metrics"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup returns a logger configured from cfg. The returned closer releases the
// log file when output is not stdout.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.Output != "" && cfg.Output != "stdout" {
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		rw.OnRotate(metrics.ObserveLogRotation)
		out, closer = rw, rw
	}

	if cfg.Format == "console" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}
		return zerolog.New(cw).With().Timestamp().Logger(), closer, nil
	}
	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

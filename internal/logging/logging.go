// Package logging provides the zerolog setup shared by every component.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the global logger is initialized.
type Config struct {
	// Level is the minimum level that will be logged ("debug", "info",
	// "warn", "error"). Defaults to "info" when empty.
	Level string

	// Pretty enables the human-readable console writer instead of JSON.
	Pretty bool

	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
}

var (
	once   sync.Once
	logger zerolog.Logger
)

// Init configures the global logger. Safe to call once at startup; later
// calls are ignored so that library code can call WithComponent freely
// without re-initializing a host application's logger.
func Init(cfg Config) {
	once.Do(func() {
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}

		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}

		logger = zerolog.New(out).
			Level(level).
			With().
			Timestamp().
			Logger()
	})
}

// WithComponent returns a logger scoped to the given component name. If
// Init has not been called yet, a sensible info-level stderr default is
// used so components never panic on a nil logger.
func WithComponent(component string) zerolog.Logger {
	once.Do(func() {
		logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	})
	return logger.With().Str("component", component).Logger()
}

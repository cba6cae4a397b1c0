// Package logging builds the zerolog loggers shared by both binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelshift/internal/config"
)

// New returns a logger writing to stdout. Unknown levels fall back to info.
func New(cfg config.LogConfig, component string) zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, component)
}

func NewWithWriter(w io.Writer, cfg config.LogConfig, component string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("service", component)
	}
	return ctx.Logger()
}

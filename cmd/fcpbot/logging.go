package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fcpbot/fcpbot/internal/config"
	"github.com/fcpbot/fcpbot/internal/fault"
)

// newLogger builds the process logger from the log settings. --verbose
// forces debug level.
func newLogger(w io.Writer, lc config.LogConfig, verbose bool) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fault.Config("log level", fmt.Errorf("%q (valid: debug, info, warn, error)", lc.Level))
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

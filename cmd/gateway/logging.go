package main

import (
	"io"
	"log/slog"
	"strings"
)

// newLogger returns a JSON logger at level (DEBUG, INFO, WARN, ERROR).
// Unknown levels fall back to INFO.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Package logging holds the process-wide logger. The harness writes logs
// to stderr so stdout stays free for run output; spawned children get
// their output captured separately by the log tail.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var Logger = New(os.Getenv("LOG_LEVEL"))

// New builds a text logger at the named level ("debug", "warn", "error",
// case-insensitive). Empty or unrecognized names fall back to info.
func New(levelName string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(levelName))); err != nil {
		level = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

package watcher_test

import (
	"log/slog"
	"os"
)

// inoLogger returns a logger that discards all messages below error+10,
// keeping test output clean.
func inoLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

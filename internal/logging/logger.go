package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the process-wide JSON slog logger at the given level. An
// unparseable level falls back to info rather than failing startup; the
// custody engine logs every settlement step, so running without a logger
// is not an option.
func New(level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Discard returns a logger that drops everything. The escrow, liquidity and
// audit service tests use it so settlement log lines stay out of test output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

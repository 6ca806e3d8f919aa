package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	logger  *slog.Logger
	verbose bool
)

// InitLogger installs the process logger. Logs go to stderr so that
// command output on stdout stays parseable.
func InitLogger(v bool) {
	InitLoggerTo(os.Stderr, v)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, v bool) {
	level := slog.LevelInfo
	if v {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

	mu.Lock()
	logger, verbose = l, v
	mu.Unlock()
	slog.SetDefault(l)
}

// GetLogger returns the process logger, creating an info-level one on first use.
func GetLogger() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		InitLogger(false)
		return GetLogger()
	}
	return l
}

// ComponentLogger returns l, or the process logger, tagged with component.
func ComponentLogger(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		l = GetLogger()
	}
	return l.With("component", component)
}

// IsVerbose reports whether debug logging was requested.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// Package wlog provides the per-component logger construction used across
// session, stream, and rpc. It is a thin wrapper over
// gopkg.in/op/go-logging.v1: a process-wide backend built once, then named
// loggers handed out per component via GetLogger.
package wlog

import (
	"fmt"
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the process-wide go-logging backend. go-logging configures
// its backend and level globally (logging.SetBackend), so constructing a
// Backend reconfigures the package-wide logger; GetLogger afterwards just
// names a logger against that shared configuration.
type Backend struct{}

// New builds a Backend writing to w at the given level ("DEBUG", "INFO",
// "WARNING", "ERROR"). An empty level defaults to "NOTICE".
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "NOTICE"
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("wlog: invalid level %q: %w", level, err)
	}

	format := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	raw := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(raw, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)

	return &Backend{}, nil
}

// GetLogger returns a named logger; its level and output follow whichever
// Backend was most recently constructed.
func (b *Backend) GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

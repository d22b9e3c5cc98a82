// Package plog wires a shared btclog backend (rotated via jrick/logrotate)
// across every subsystem package, the way ShaeOJ-GoVault's logger.Logger is
// threaded through the app, but using the ecosystem convention the wider
// pack (toole-brendan-shell) demonstrates instead of a hand-rolled logger.
package plog

import (
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// swappableWriter lets Init repoint the shared backend's destination after
// subsystem loggers have already been bound to it at import time via New.
type swappableWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *swappableWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	return w.Write(p)
}

func (s *swappableWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var writer = &swappableWriter{w: io.Discard}
var backend = btclog.NewBackend(writer)

// Init points the shared backend at stdout and, if logFile is non-empty, a
// rotated log file (10MB rolls, 3 kept), matching dcrd-style log setup.
func Init(logFile string, level string) error {
	var w io.Writer = os.Stdout
	if logFile != "" {
		r, err := rotator.New(logFile, 10*1024, false, 3)
		if err != nil {
			return err
		}
		w = io.MultiWriter(os.Stdout, r)
	}
	writer.set(w)
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		lvl = btclog.LevelInfo
	}
	for _, l := range all {
		l.SetLevel(lvl)
	}
	return nil
}

var all []btclog.Logger

// New returns a tagged sub-logger (e.g. "UPST", "STRM", "GTWK") sharing the
// process-wide backend.
func New(subsystemTag string) btclog.Logger {
	l := backend.Logger(subsystemTag)
	all = append(all, l)
	return l
}

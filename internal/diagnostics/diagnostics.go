// Package diagnostics wraps the zerolog.Logger used throughout amorsize for
// the advisory-grade events the decision engine and caches emit
// (spec.md §9's "Warnings channel" note): cache misses, degraded shared-cache
// probes, corrupt entries. None of these are errors returned to the caller —
// they are narrated, never thrown.
package diagnostics

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a Logger writing structured JSON lines to w (os.Stderr by
// default), matching the teacher's own preference for AI-parseable
// structured output rather than free-text logging.
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Str("component", "amorsize").Logger()
}

// Nop returns a logger that discards everything, for callers that don't
// want diagnostics (tests, embedders with their own logging).
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

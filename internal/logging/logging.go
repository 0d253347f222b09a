// Package logging sets up the structured zerolog logger every pipeline
// stage, store call, and dispatcher transition writes through, and keeps
// a debug-gated, emoji-prefixed human line style for the CLI helper
// commands where that register still fits.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service-path logger. debug lowers the level to trace and
// switches to a human-readable console writer; production runs emit one
// JSON object per line to w.
func New(w io.Writer, debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.TraceLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Decision logs one admission outcome with the exact field set the audit
// log persists, so logs and audit agree by construction.
func Decision(log zerolog.Logger, requestID, source, trustScope, accountID, decision string, latencyMS int64) {
	log.Info().
		Str("request_id", requestID).
		Str("source", source).
		Str("trust_scope", trustScope).
		Str("account_id", accountID).
		Str("decision", decision).
		Int64("latency_ms", latencyMS).
		Msg("admission decision")
}

// Debugf prints an emoji-tagged human-readable line, gated on debug being
// enabled, for the CLI helper commands (config validate, audit tail).
func Debugf(debug bool, emoji, format string, args ...interface{}) {
	if !debug {
		return
	}
	fmt.Fprintf(os.Stdout, emoji+" "+format+"\n", args...)
}

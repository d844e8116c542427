// Package logging provides the structured diagnostic logger shared by the
// scheduler, resource manager and tasks packages.
//
// The teacher (sublation) never logs anything beyond the occasional
// fmt.Printf in its cmd/ tools; the rest of the retrieval pack (aistore in
// particular) logs through a leveled, structured logger. We follow that
// ecosystem shape with zerolog rather than hand-rolling one.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. Tests may redirect its output; production
// code should prefer the package-level helpers below over touching L
// directly so call sites stay short.
var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Node returns a logger tagged with a node's name, used by tasks.Monitor to
// tag the lines it emits.
func Node(name string) zerolog.Logger {
	return L.With().Str("node", name).Logger()
}

// SetLevel adjusts the global verbosity, e.g. from a -verbose CLI flag.
func SetLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Package worklog gives the worker-pool packages (threadpool, fiberpool,
// taskgraph) a shared, uniform way to log lifecycle and panic-recovery
// events, without each one reimplementing logger construction.
//
// Built on github.com/joeycumines/logiface, with
// github.com/joeycumines/logiface-zerolog's zerolog backend supplying the
// default writer, matching the way sql/export wires a *logiface.Logger
// field through its exported types and logs via chained field calls
// terminated with Log.
package worklog

import (
	"os"

	"github.com/joeycumines/logiface"
	izerolog "github.com/joeycumines/logiface-zerolog"
	"github.com/rs/zerolog"
)

// Logger is the logger type every pool package logs through.
type Logger = logiface.Logger[*izerolog.Event]

// Nop returns a logger with logging disabled, for callers that did not
// configure one. Matches the nil-safe default in every Config in this
// module: no logger configured means no logging, not a panic.
func Nop() *Logger {
	return izerolog.L.New(
		izerolog.L.WithZerolog(zerolog.Nop()),
		izerolog.L.WithLevel(logiface.LevelDisabled),
	)
}

// New builds a logger writing JSON to stderr at the given level, with name
// attached as the "component" field on every event.
func New(name string, level logiface.Level) *Logger {
	z := zerolog.New(os.Stderr).With().Timestamp().Str("component", name).Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(z),
		izerolog.L.WithLevel(level),
	)
}

// WorkerStarted logs a worker (thread or fiber lane) coming online.
func WorkerStarted(l *Logger, id int) {
	l.Info().Int(`worker`, id).Log(`worker started`)
}

// WorkerStopped logs a worker shutting down.
func WorkerStopped(l *Logger, id int) {
	l.Info().Int(`worker`, id).Log(`worker stopped`)
}

// StealAttempted logs one worker successfully stealing work from another.
func StealAttempted(l *Logger, thief, victim int) {
	l.Debug().Int(`thief`, thief).Int(`victim`, victim).Log(`stole task`)
}

// TaskPanicked logs a recovered panic from user-supplied work, with the
// worker id it ran on and the recovered value.
func TaskPanicked(l *Logger, worker int, recovered any) {
	l.Err().Int(`worker`, worker).Interface(`panic`, recovered).Log(`recovered task panic`)
}

// Package errutil funnels the errors that cannot be returned to a caller
// into the structured log.
package errutil

import (
	"log/slog"
)

// LogMsg logs err as a warning with msg and args. Nil errors are ignored,
// so it can wrap deferred Close calls directly.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, withError(err, args)...)
	}
}

// ReportError logs an unexpected error. Failures that need attention go
// through here so a reporting backend only has to be added in one place.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, withError(err, args)...)
	}
}

func withError(err error, args []any) []any {
	return append([]any{"error", err}, args...)
}

// Package logger is the shared log sink for the daemon and the helper.
// Info is suppressed when Quiet is set; Error always prints.
package logger

import "log"

// Quiet disables informational output. Errors are always emitted.
var Quiet bool

var prefix = "fanctl: "

// SetPrefix changes the log prefix (the helper binary uses its own).
func SetPrefix(p string) { prefix = p }

// Info logs an informational message unless Quiet is set.
func Info(format string, args ...any) {
	if Quiet {
		return
	}
	log.Printf(prefix+format, args...)
}

// Error logs an error message unconditionally.
func Error(format string, args ...any) {
	log.Printf(prefix+format, args...)
}

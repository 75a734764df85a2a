package monitoring

import (
	"log"
	"os"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger or Install. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf receives verbose diagnostics (handshake attempts, dropped packets).
// It is a no-op until Install wires a leveled logger.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// Warnf receives operator-actionable warnings (queue overflow, lost sync).
var Warnf func(format string, v ...interface{}) = log.Printf

// Fatalf logs and exits. Used for unrecoverable startup failures such as a
// missing sensor metadata document.
var Fatalf func(format string, v ...interface{}) = log.Fatalf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebugLogger replaces the debug logger. Passing nil mutes debug output.
func SetDebugLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Debugf = func(string, ...interface{}) {}
		return
	}
	Debugf = f
}

// Reset restores the stdlib-backed defaults.
func Reset() {
	Logf = log.Printf
	Debugf = func(string, ...interface{}) {}
	Warnf = log.Printf
	Fatalf = func(format string, v ...interface{}) {
		log.Printf(format, v...)
		os.Exit(1)
	}
}

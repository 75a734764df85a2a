package l2frames

import (
	"io"
	"log"
)

var debugLogger *log.Logger

// SetDebugLogger sends rotation boundary and drop diagnostics to w.
// nil disables them.
func SetDebugLogger(w io.Writer) {
	if w == nil {
		debugLogger = nil
		return
	}
	debugLogger = log.New(w, "l2frames: ", 0)
}

func debugf(format string, args ...interface{}) {
	if debugLogger != nil {
		debugLogger.Printf(format, args...)
	}
}

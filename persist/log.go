package persist

// log.go is the sole logging mechanism used throughout this module: a file
// logger that stamps a STARTUP line on open and a SHUTDOWN line on Close, so
// that a truncated log file is immediately recognizable as a process that
// never shut down cleanly.

import (
	"log"
	"os"
	"time"

	"github.com/NebulousLabs/errors"
)

// persistDir is the subdirectory under a build.TempDir root that persist's
// own tests write scratch files into.
const persistDir = "persist"

// Logger wraps a standard library *log.Logger bound to a file, adding the
// startup/shutdown bracketing every long-running component in this module
// relies on to tell a clean exit from a crash.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger returns a Logger that appends to (or creates) filename, writing
// a STARTUP line immediately.
func NewLogger(filename string) (*Logger, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Extend(err, errors.New("persist: could not open log file"))
	}
	logger := log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC)
	logger.Println("STARTUP: Logging has started.")
	return &Logger{logger, file}, nil
}

// Close appends a SHUTDOWN line and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: Logging has terminated.")
	return l.file.Close()
}

// Critical logs a critical error and the time it occurred, mirroring
// build.Critical's panic-or-log split without pulling a panic into the
// logging path itself.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"CRITICAL:", time.Now().Format(time.RFC3339)}, v...)...)
}

// Package logging wires the client's single logrus logger: silent by
// default, switched to stderr text output by -v on any command.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDiscardLogger()

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetVerbose switches the shared logger between stderr output and discard.
func SetVerbose(v bool) {
	if v {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.DebugLevel)
		return
	}
	log.SetOutput(io.Discard)
}

// Log returns the shared logger.
func Log() *logrus.Logger {
	return log
}

// Package logging hands out the logr loggers used by library packages.
package logging

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Default logs through the standard logger, like the server's startup output
func Default() logr.Logger {
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

// OrDefault returns l, or Default when l has no sink
func OrDefault(l logr.Logger) logr.Logger {
	if l.GetSink() == nil {
		return Default()
	}
	return l
}

// SetVerbosity enables V(n) output of stdr loggers
func SetVerbosity(v int) {
	stdr.SetVerbosity(v)
}

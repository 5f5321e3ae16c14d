// Package logging configures apex/log for ndt5-client-cc in a way
// friendly to both interactive terminal use and machine-parseable
// container logs.
package logging

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
)

// Logger emits structured JSON on standard error, for non-interactive
// (scripted, containerized) runs where logs are consumed by another tool.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.InfoLevel,
}

// InteractiveLogger emits colorized, human-oriented log lines, for a
// human watching a terminal run the client directly.
var InteractiveLogger = log.Logger{
	Handler: cli.Default,
	Level:   log.InfoLevel,
}

// Configure installs either Logger or InteractiveLogger as the package
// apex/log default, and sets its level from verbose.
func Configure(interactive, verbose bool) {
	l := Logger
	if interactive {
		l = InteractiveLogger
	}
	if verbose {
		l.Level = log.DebugLevel
	}
	log.Log = &l
}

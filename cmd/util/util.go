package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/config"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/pipeline"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError handles errors that are severe enough to terminate the
// program. Friendly errors are shown to the user as is. Other errors are
// logged along with their context.
func HandleFatalError(err error) {
	fmt.Fprintln(stderr, formatError(err))
	exit(1)
}

func formatError(err error) string {
	if friendly, ok := errors.RootCause(err).(errors.FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return fmt.Sprintf("Error: %s", err)
}

// HandlePanic logs the stack trace of a panic before letting it crash the
// program.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Error("Unexpected panic")
		panic(r)
	}
}

// NewPipeline parses the user config and builds a pipeline from it. The
// caller is responsible for closing the pipeline.
func NewPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	userConfig, err := config.ParseUser()
	if err != nil {
		return nil, errors.WithContext(err, "parse user config")
	}

	p, err := pipeline.New(ctx, userConfig, pipeline.Options{})
	if err != nil {
		return nil, errors.WithContext(err, "start savesync")
	}
	return p, nil
}

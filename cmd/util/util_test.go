package util

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/savesync/pkg/errors"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "Plain error",
			err:  errors.New("boom"),
			exp:  "Error: boom",
		},
		{
			name: "Context is shown for plain errors",
			err:  errors.WithContext(errors.New("boom"), "upload"),
			exp:  "Error: upload: boom",
		},
		{
			name: "Friendly error",
			err:  errors.NewFriendlyError("Please run `savesync config`."),
			exp:  "Please run `savesync config`.",
		},
		{
			name: "Context is hidden for friendly errors",
			err: errors.WithContext(
				errors.PreconditionError{Reason: "close gamea first"}, "capture"),
			exp: "close gamea first",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, formatError(test.err))
		})
	}
}

func TestHandleFatalError(t *testing.T) {
	var out bytes.Buffer
	var exitCode int
	stderr = &out
	exit = func(code int) { exitCode = code }

	HandleFatalError(errors.NewFriendlyError("nothing to restore"))
	assert.Equal(t, "nothing to restore\n", out.String())
	assert.Equal(t, 1, exitCode)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	pp := NewProgressPrinter(&out, "Uploading")
	pp.interval = 10 * time.Millisecond

	go pp.Run()
	time.Sleep(55 * time.Millisecond)
	pp.StopWithPrint(" done\n")

	printed := out.String()
	assert.True(t, strings.HasPrefix(printed, "Uploading."), printed)
	assert.True(t, strings.HasSuffix(printed, ". done\n"), printed)

	// Stopping twice is safe.
	pp.Stop()
}

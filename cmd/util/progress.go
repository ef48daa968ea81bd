package util

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ProgressPrinter prints a message followed by a dot every second until it's
// stopped, so that users know that a slow operation is still running.
type ProgressPrinter struct {
	out      io.Writer
	msg      string
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewProgressPrinter creates a ProgressPrinter that writes to out.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		msg:      msg,
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run prints until Stop is called. It should be run in a goroutine.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)
	fmt.Fprint(pp.out, pp.msg)

	ticker := time.NewTicker(pp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		case <-pp.stop:
			return
		}
	}
}

// Stop stops printing and waits for Run to return.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("")
}

// StopWithPrint stops printing, and then prints msg.
func (pp *ProgressPrinter) StopWithPrint(msg string) {
	pp.stopOnce.Do(func() { close(pp.stop) })
	<-pp.done
	fmt.Fprint(pp.out, msg)
}

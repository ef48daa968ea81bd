// Package process answers whether a game's executable is currently running,
// and drives the running/closed transitions of every entity.
package process

import (
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/errors"
)

// commLen is the length the kernel truncates process names to in
// /proc/<pid>/comm.
const commLen = 15

// LookupName derives the name used to find a game's process from its
// configured executable: the base name, without extension, lower-cased.
// For example, `C:\Games\Foo\Foo.exe` and `/opt/foo/Foo` both become "foo".
func LookupName(executable string) string {
	base := executable
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ToLower(base)
}

// Info describes a running process.
type Info struct {
	// Name is the kernel's command name for the process, which may be
	// truncated.
	Name string

	// Executable is the path of the process's binary, if it could be read.
	Executable string

	// StartedAt is nil if the start time couldn't be determined.
	StartedAt *time.Time
}

// Lister reads the OS process table.
type Lister interface {
	// Processes returns every process along with its start time.
	Processes() ([]Info, error)

	// Names returns the command names of every process. It's a cheaper
	// query than Processes, and is used when Processes fails.
	Names() ([]string, error)
}

// State is a snapshot of whether a game is running.
type State struct {
	Running bool

	// StartedAt is nil when the game isn't running, or when its start time
	// is unknown. An unknown start time doesn't mean the game never started.
	StartedAt *time.Time
}

// Oracle answers process state questions for lookup names.
type Oracle struct {
	lister Lister
}

// NewOracle returns an Oracle backed by lister.
func NewOracle(lister Lister) *Oracle {
	return &Oracle{lister: lister}
}

// IsRunning returns whether a process matching lookupName is running. It
// matches processes the same way State does, so the capture and restore
// gates agree with the monitor.
func (o *Oracle) IsRunning(lookupName string) (bool, error) {
	state, err := o.State(lookupName)
	return state.Running, err
}

// State returns whether lookupName is running and, if possible, since when.
// If the process table can't be read with start times, it falls back to
// matching command names rather than failing.
func (o *Oracle) State(lookupName string) (State, error) {
	if lookupName == "" {
		return State{}, nil
	}

	procs, err := o.lister.Processes()
	if err != nil {
		log.WithError(err).WithField("process", lookupName).Debug(
			"Failed to read the process table. Falling back to command names.")

		running, err := o.namesRunning(lookupName)
		if err != nil {
			return State{}, err
		}
		return State{Running: running}, nil
	}

	var state State
	for _, p := range procs {
		if !matchesProcess(p, lookupName) {
			continue
		}

		// Report the earliest start time if the game has several processes.
		state.Running = true
		if p.StartedAt != nil && (state.StartedAt == nil || p.StartedAt.Before(*state.StartedAt)) {
			startedAt := *p.StartedAt
			state.StartedAt = &startedAt
		}
	}
	return state, nil
}

func (o *Oracle) namesRunning(lookupName string) (bool, error) {
	names, err := o.lister.Names()
	if err != nil {
		return false, errors.WithContext(err, "list processes")
	}

	for _, name := range names {
		if matches(name, lookupName) {
			return true, nil
		}
	}
	return false, nil
}

// matchesProcess checks both the command name and the binary. Engines such
// as Unity rename their main thread, which changes the command name.
func matchesProcess(p Info, lookupName string) bool {
	return matches(p.Name, lookupName) ||
		(p.Executable != "" && LookupName(p.Executable) == lookupName)
}

func matches(procName, lookupName string) bool {
	if LookupName(procName) == lookupName {
		return true
	}

	// The kernel truncates long names, so "averylonggamena" is a match for
	// "averylonggamename".
	lower := strings.ToLower(procName)
	return len(procName) == commLen && strings.HasPrefix(lookupName, lower)
}

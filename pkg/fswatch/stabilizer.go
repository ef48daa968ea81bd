package fswatch

import (
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// stabilizer holds back written files until they stop changing, so that a
// file isn't reported while a game is still in the middle of writing it.
type stabilizer struct {
	clock     clockwork.Clock
	threshold time.Duration
	files     map[string]observation
}

type observation struct {
	exists  bool
	size    int64
	modTime time.Time

	// since is when the file was last seen to change.
	since time.Time
}

func newStabilizer(clock clockwork.Clock, threshold time.Duration) *stabilizer {
	return &stabilizer{
		clock:     clock,
		threshold: threshold,
		files:     map[string]observation{},
	}
}

// touch records that path was just written to.
func (s *stabilizer) touch(path string) {
	s.files[path] = s.observe(path)
}

func (s *stabilizer) forget(path string) {
	delete(s.files, path)
}

// poll returns the files that haven't changed for the threshold, and stops
// tracking them. Files that disappeared are returned as well.
func (s *stabilizer) poll() (stable []string) {
	for path, prev := range s.files {
		curr := s.observe(path)
		switch {
		case !curr.exists:
			delete(s.files, path)
			stable = append(stable, path)
		case curr.size != prev.size || !curr.modTime.Equal(prev.modTime) || !prev.exists:
			s.files[path] = curr
		case s.clock.Since(prev.since) >= s.threshold:
			delete(s.files, path)
			stable = append(stable, path)
		}
	}

	sort.Strings(stable)
	return stable
}

func (s *stabilizer) observe(path string) observation {
	obs := observation{since: s.clock.Now()}
	fi, err := fs.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Debug("Failed to stat written file")
		}
		return obs
	}

	obs.exists = true
	obs.size = fi.Size()
	obs.modTime = fi.ModTime()
	return obs
}

package fswatch

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
)

var fs = afero.NewOsFs()

const (
	// DefaultStabilityThreshold is how long a file must go unmodified before
	// a write to it is reported.
	DefaultStabilityThreshold = 1500 * time.Millisecond

	// DefaultPollInterval is how often pending files are re-checked.
	DefaultPollInterval = 250 * time.Millisecond
)

// Options configures a Watcher. Zero values are replaced with the defaults.
type Options struct {
	StabilityThreshold time.Duration
	PollInterval       time.Duration
	Clock              clockwork.Clock
}

func (opts Options) withDefaults() Options {
	if opts.StabilityThreshold <= 0 {
		opts.StabilityThreshold = DefaultStabilityThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return opts
}

// Watcher reports changes anywhere under a directory tree.
type Watcher struct {
	root    string
	opts    Options
	watcher *fsnotify.Watcher
	stable  *stabilizer

	changes chan string
	events  chan struct{}
	errors  chan error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Watch starts watching root and all of its subdirectories. Directories
// created later are watched as they appear.
func Watch(root string, opts Options) (*Watcher, error) {
	opts = opts.withDefaults()

	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("Watch root %q is not a directory.", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		root:    root,
		opts:    opts,
		watcher: watcher,
		stable:  newStabilizer(opts.Clock, opts.StabilityThreshold),
		changes: make(chan string, 1),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
	}
	if _, err := w.addTree(root); err != nil {
		// Close the watcher so that we release the file handlers for the
		// previously added paths.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, err
	}

	w.events = combineUpdates(w.changes)
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Events receives a value whenever something under the root changed and
// settled. Bursts of changes are coalesced into a single value. The channel
// is closed after Close.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Errors receives watch failures, including the removal of the root itself.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer close(w.changes)

	ticker := w.opts.Clock.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(errors.WithContext(err, "watch"))
		case <-ticker.Chan():
			for _, path := range w.stable.poll() {
				w.changed(path)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	logger := log.WithFields(log.Fields{"path": ev.Name, "op": ev.Op.String()})

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.stable.forget(ev.Name)
		if ev.Name == w.root {
			w.report(errors.FileNotFound{Path: w.root})
			return
		}
		logger.Debug("File removed")
		w.changed(ev.Name)

	case ev.Has(fsnotify.Create):
		fi, err := fs.Stat(ev.Name)
		if err != nil {
			// Already gone again.
			w.changed(ev.Name)
			return
		}

		if !fi.IsDir() {
			w.stable.touch(ev.Name)
			return
		}

		// Files may have been written to the new directory before we
		// started watching it.
		files, err := w.addTree(ev.Name)
		if err != nil {
			w.report(err)
		}
		for _, f := range files {
			w.stable.touch(f)
		}
		w.changed(ev.Name)

	case ev.Has(fsnotify.Write):
		w.stable.touch(ev.Name)
	}
}

// addTree watches dir and all of its subdirectories, and returns the regular
// files found under it.
func (w *Watcher) addTree(dir string) (files []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		// Because fsnotify doesn't watch directories recursively, every
		// subdirectory is added individually.
		if fi.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return errors.WithContext(err, "watch "+path)
			}
			return nil
		}

		if fi.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) changed(path string) {
	select {
	case w.changes <- path:
	case <-w.done:
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
		log.WithError(err).WithField("root", w.root).Warn("Dropped file watcher error")
	}
}

// combineUpdates collapses bursts of updates into a single notification. The
// returned channel is closed when updates is.
func combineUpdates(updates <-chan string) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

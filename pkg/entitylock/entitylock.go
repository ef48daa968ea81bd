// Package entitylock serializes the operations that touch an entity's save
// directory. Automatic captures, manual captures and restores of the same
// entity must never overlap: a capture that reads the directory while a
// restore is clearing it would archive a half-restored save.
//
// `savesync capture` and `savesync restore` run in their own processes next
// to `savesync watch`, so a Locker with a lock directory also holds a file
// lock per entity.
package entitylock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sidkik/savesync/pkg/errors"
)

// retryDelay is how often a blocked Lock retries the file lock.
const retryDelay = 50 * time.Millisecond

// Locker hands out one exclusive lock per entity id.
type Locker struct {
	dir string

	lock  sync.Mutex
	locks map[string]*semaphore.Weighted
}

// New returns an empty Locker. If dir is non-empty, each entity's lock is
// also held as a file lock on <dir>/<id>.lock, which excludes other
// processes using the same directory.
func New(dir string) *Locker {
	return &Locker{dir: dir, locks: map[string]*semaphore.Weighted{}}
}

func (l *Locker) get(id string) *semaphore.Weighted {
	l.lock.Lock()
	defer l.lock.Unlock()

	sem, ok := l.locks[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[id] = sem
	}
	return sem
}

// Lock blocks until the lock for id is held or ctx is done. The returned
// function releases the lock.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	sem := l.get(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	file, err := l.fileLock(id)
	if err != nil {
		sem.Release(1)
		return nil, err
	}
	if file != nil {
		locked, err := file.TryLockContext(ctx, retryDelay)
		if err == nil && !locked {
			err = ctx.Err()
		}
		if err != nil {
			file.Close()
			sem.Release(1)
			return nil, err
		}
	}
	return releaseOnce(sem, file), nil
}

// TryLock acquires the lock for id if it's free.
func (l *Locker) TryLock(id string) (func(), bool) {
	sem := l.get(id)
	if !sem.TryAcquire(1) {
		return nil, false
	}

	file, err := l.fileLock(id)
	if err == nil && file != nil {
		var locked bool
		locked, err = file.TryLock()
		if err == nil && !locked {
			file.Close()
			sem.Release(1)
			return nil, false
		}
	}
	if err != nil {
		if file != nil {
			file.Close()
		}
		log.WithError(err).WithField("entity", id).Warn("Failed to take entity file lock")
		sem.Release(1)
		return nil, false
	}
	return releaseOnce(sem, file), true
}

// fileLock returns the unlocked file lock of id, or nil if the Locker has
// no lock directory.
func (l *Locker) fileLock(id string) (*flock.Flock, error) {
	if l.dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, errors.IOError{Op: "mkdir", Path: l.dir, Err: err}
	}
	return flock.New(filepath.Join(l.dir, id+".lock")), nil
}

func releaseOnce(sem *semaphore.Weighted, file *flock.Flock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if file != nil {
				if err := file.Unlock(); err != nil {
					log.WithError(err).WithField("path", file.Path()).Warn(
						"Failed to release entity file lock")
				}
			}
			sem.Release(1)
		})
	}
}

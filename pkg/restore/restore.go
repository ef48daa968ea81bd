// Package restore replaces an entity's live save directory with its latest
// backup.
//
// Before touching the live directory, its contents are copied into a
// scratch workspace. If the download or extraction fails, the live directory
// is rebuilt from that copy, so a failed restore leaves the original save
// data exactly as it was. Workspaces are left behind for inspection and are
// deleted by the retention sweep.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/backup"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/entitylock"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/events"
	"github.com/sidkik/savesync/pkg/metrics"
	"github.com/sidkik/savesync/pkg/process"
	"github.com/sidkik/savesync/pkg/snapshot"
	"github.com/sidkik/savesync/pkg/state"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// ProcessChecker reports whether a game is running.
type ProcessChecker interface {
	IsRunning(lookupName string) (bool, error)
}

// StoreSelector returns the backup store to restore from.
type StoreSelector interface {
	Active() (backup.Store, error)
}

// CaptureCanceler drops pending automatic captures.
type CaptureCanceler interface {
	Cancel(entityID string) bool
}

// Result describes a successful restore.
type Result struct {
	RestoredAt time.Time

	// Workspace holds the downloaded archive and the safety copy of the
	// previous save data.
	Workspace string
}

// Transaction is the scratch workspace of one restore attempt.
type Transaction struct {
	ID          string
	Dir         string
	SafetyDir   string
	ArchivePath string

	// HadLiveDir is whether the live save directory existed before the
	// restore started.
	HadLiveDir bool
}

// Coordinator restores entities.
type Coordinator struct {
	state       *state.State
	processes   ProcessChecker
	stores      StoreSelector
	locks       *entitylock.Locker
	captures    CaptureCanceler
	bus         *events.Bus
	scratchRoot string
	clock       clockwork.Clock
}

// NewCoordinator creates a Coordinator that keeps its workspaces under
// scratchRoot. locks must be shared with the capture scheduler.
func NewCoordinator(st *state.State, processes ProcessChecker, stores StoreSelector,
	locks *entitylock.Locker, captures CaptureCanceler, bus *events.Bus,
	scratchRoot string, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		state:       st,
		processes:   processes,
		stores:      stores,
		locks:       locks,
		captures:    captures,
		bus:         bus,
		scratchRoot: scratchRoot,
		clock:       clock,
	}
}

// Restore replaces the entity's live save directory with its latest backup.
func (c *Coordinator) Restore(ctx context.Context, entityID string) (Result, error) {
	res, err := c.restore(ctx, entityID)
	if err != nil {
		metrics.Restores.WithLabelValues(metrics.ResultFailure).Inc()
		c.bus.Warnf(entityID, "Restore failed: %s", err)
		return Result{}, err
	}

	metrics.Restores.WithLabelValues(metrics.ResultSuccess).Inc()
	return res, nil
}

func (c *Coordinator) restore(ctx context.Context, entityID string) (Result, error) {
	if c.captures != nil {
		c.captures.Cancel(entityID)
	}

	if _, err := c.state.Entity(entityID); err != nil {
		return Result{}, err
	}

	unlock, err := c.locks.Lock(ctx, entityID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	// Re-read the entity now that nothing else can modify it.
	e, err := c.state.Entity(entityID)
	if err != nil {
		return Result{}, err
	}

	if name := process.LookupName(e.Executable); name != "" {
		running, err := c.processes.IsRunning(name)
		if err != nil {
			return Result{}, errors.WithContext(err, "check process")
		}
		if running {
			return Result{}, errors.PreconditionError{
				Reason: fmt.Sprintf("close %s before restoring", name),
			}
		}
	}

	store, err := c.stores.Active()
	if err != nil {
		return Result{}, err
	}

	rec, err := store.FetchLatest(ctx, entityID)
	if err != nil {
		return Result{}, errors.WithContext(err, "fetch latest backup")
	}
	if rec == nil {
		return Result{}, errors.PreconditionError{
			Reason: fmt.Sprintf("there is no backup of %s to restore", e.Name),
		}
	}

	if err := rec.Validate(entityID); err != nil {
		return Result{}, errors.WithContext(err, "fetch latest backup")
	}

	logger := log.WithFields(log.Fields{
		"entity":   entityID,
		"snapshot": rec.SnapshotID,
		"store":    store.Name(),
	})

	tx, err := c.begin(e, *rec)
	if err != nil {
		return Result{}, err
	}
	logger = logger.WithField("workspace", tx.Dir)

	if err := c.apply(ctx, store, *rec, tx, e.WatchRoot); err != nil {
		logger.WithError(err).Warn("Restore failed. Rolling back.")
		if rollbackErr := rollback(tx, e.WatchRoot); rollbackErr != nil {
			return Result{}, multierror.Append(err, errors.WithContext(rollbackErr, "rollback"))
		}
		return Result{}, err
	}

	ref := rec.Ref()
	err = c.state.UpdateEntity(entityID, func(e *catalog.Entity) error {
		e.LatestBackup = &ref
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to record restored backup")
	} else if err := store.SyncCatalog(ctx, c.state.Catalog()); err != nil {
		logger.WithError(err).Warn("Failed to sync catalog")
	}

	restoredAt := c.clock.Now()
	logger.Info("Restored save data")
	c.bus.Infof(entityID, "Restored %s from the backup taken %s",
		e.Name, rec.CreatedAt.Local().Format(time.RFC1123))
	return Result{RestoredAt: restoredAt, Workspace: tx.Dir}, nil
}

// begin creates the transaction's workspace and fills its safety copy. The
// copy is complete before begin returns.
func (c *Coordinator) begin(e catalog.Entity, rec backup.Record) (Transaction, error) {
	id := uuid.New().String()
	dir := filepath.Join(c.scratchRoot, fmt.Sprintf("%s-%s", e.ID, id))
	tx := Transaction{
		ID:          id,
		Dir:         dir,
		SafetyDir:   filepath.Join(dir, "safety"),
		ArchivePath: filepath.Join(dir, rec.ArchiveName),
	}

	if err := fs.MkdirAll(tx.Dir, 0755); err != nil {
		return Transaction{}, errors.IOError{Op: "mkdir", Path: tx.Dir, Err: err}
	}

	fi, err := fs.Stat(e.WatchRoot)
	switch {
	case err == nil && fi.IsDir():
		tx.HadLiveDir = true
	case err == nil:
		return Transaction{}, errors.IOError{Op: "restore", Path: e.WatchRoot,
			Err: errors.New("not a directory")}
	case !os.IsNotExist(err):
		return Transaction{}, errors.IOError{Op: "stat", Path: e.WatchRoot, Err: err}
	}

	if tx.HadLiveDir {
		if err := copyDir(e.WatchRoot, tx.SafetyDir); err != nil {
			return Transaction{}, errors.WithContext(err, "safety copy")
		}
	}
	return tx, nil
}

// apply downloads the backup and replaces the live directory with it.
func (c *Coordinator) apply(ctx context.Context, store backup.Store, rec backup.Record,
	tx Transaction, liveDir string) error {
	if err := store.Download(ctx, rec, tx.ArchivePath); err != nil {
		return err
	}

	if err := clearDir(liveDir); err != nil {
		return err
	}
	if err := snapshot.Extract(tx.ArchivePath, liveDir); err != nil {
		return errors.WithContext(err, "extract")
	}
	return nil
}

// rollback puts the live directory back the way it was before tx started.
func rollback(tx Transaction, liveDir string) error {
	if !tx.HadLiveDir {
		if err := fs.RemoveAll(liveDir); err != nil {
			return errors.IOError{Op: "remove", Path: liveDir, Err: err}
		}
		return nil
	}

	if err := clearDir(liveDir); err != nil {
		return err
	}
	return copyDir(tx.SafetyDir, liveDir)
}

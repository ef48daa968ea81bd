// Package capture turns save directory changes into snapshots. Changes are
// debounced per entity so that a burst of writes produces a single capture,
// and no capture is taken while the game is running.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

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

// DefaultSettleWindow is how long an entity's save directory must be quiet
// before an automatic capture runs.
const DefaultSettleWindow = 10 * time.Second

// Phase is where an entity is in the capture cycle.
type Phase string

const (
	// Idle entities have no capture scheduled or running.
	Idle Phase = "idle"

	// Pending entities have an automatic capture scheduled.
	Pending Phase = "pending"

	// InFlight entities are being captured.
	InFlight Phase = "in-flight"
)

// ProcessChecker reports whether a game is running.
type ProcessChecker interface {
	IsRunning(lookupName string) (bool, error)
}

// StoreSelector returns the backup store to upload to.
type StoreSelector interface {
	Active() (backup.Store, error)
}

// Options configures a Scheduler.
type Options struct {
	SettleWindow time.Duration

	// ArchiveDir is the directory that snapshot archives are written to.
	ArchiveDir string

	Clock clockwork.Clock
}

// Scheduler runs automatic and manual captures.
type Scheduler struct {
	state     *state.State
	processes ProcessChecker
	stores    StoreSelector
	locks     *entitylock.Locker
	bus       *events.Bus

	clock      clockwork.Clock
	settle     time.Duration
	archiveDir string

	// ctx is used by automatic captures, and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	lock       sync.Mutex
	pending    map[string]pendingCapture
	inFlight   map[string]bool
	generation uint64
	stopped    bool
}

// pendingCapture is a scheduled automatic capture. A firing timer only
// proceeds if its generation is still the pending one, so a timer that fires
// concurrently with being cancelled is a no-op.
type pendingCapture struct {
	generation uint64
	timer      clockwork.Timer
}

// errUnchanged is returned by automatic captures that found nothing new.
var errUnchanged = errors.New("save files are unchanged since the last snapshot")

// New creates a Scheduler. locks must be shared with every other component
// that modifies save directories.
func New(st *state.State, processes ProcessChecker, stores StoreSelector,
	locks *entitylock.Locker, bus *events.Bus, opts Options) *Scheduler {
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		state:      st,
		processes:  processes,
		stores:     stores,
		locks:      locks,
		bus:        bus,
		clock:      opts.Clock,
		settle:     opts.SettleWindow,
		archiveDir: opts.ArchiveDir,
		ctx:        ctx,
		cancel:     cancel,
		pending:    map[string]pendingCapture{},
		inFlight:   map[string]bool{},
	}
}

// Notify records that the entity's save directory changed. Any pending
// capture is replaced by one that runs after the settle window.
func (s *Scheduler) Notify(entityID string) {
	s.schedule(entityID)
}

// Cancel drops the entity's pending capture, if any. It returns whether a
// capture was pending.
func (s *Scheduler) Cancel(entityID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cancelLocked(entityID)
}

func (s *Scheduler) cancelLocked(entityID string) bool {
	p, ok := s.pending[entityID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, entityID)
	return true
}

// Status returns the entity's current phase.
func (s *Scheduler) Status(entityID string) Phase {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case s.inFlight[entityID]:
		return InFlight
	case s.pending[entityID].timer != nil:
		return Pending
	default:
		return Idle
	}
}

// Stop cancels every pending capture and aborts automatic captures that are
// waiting for their entity lock. Notify is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stopped = true
	s.cancel()
	for id := range s.pending {
		s.cancelLocked(id)
	}
}

func (s *Scheduler) schedule(entityID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return
	}

	s.cancelLocked(entityID)
	s.generation++
	generation := s.generation
	s.pending[entityID] = pendingCapture{
		generation: generation,
		timer: s.clock.AfterFunc(s.settle, func() {
			s.fire(entityID, generation)
		}),
	}
}

func (s *Scheduler) fire(entityID string, generation uint64) {
	s.lock.Lock()
	p, ok := s.pending[entityID]
	if !ok || p.generation != generation {
		s.lock.Unlock()
		return
	}
	delete(s.pending, entityID)
	s.lock.Unlock()

	s.runAutomatic(entityID)
}

func (s *Scheduler) runAutomatic(entityID string) {
	logger := log.WithField("entity", entityID)

	unlock, err := s.locks.Lock(s.ctx, entityID)
	if err != nil {
		logger.WithError(err).Debug("Abandoned automatic capture")
		return
	}
	defer unlock()

	e, err := s.state.Entity(entityID)
	if err != nil {
		logger.WithError(err).Debug("Dropped capture for unknown entity")
		return
	}

	running, name, err := s.isRunning(e)
	if err != nil {
		s.bus.Warnf(entityID, "Failed to check whether %s is running: %s", e.Name, err)
		metrics.Captures.WithLabelValues(metrics.TriggerAutomatic, metrics.ResultFailure).Inc()
		return
	}
	if running {
		s.bus.Infof(entityID, "%s is running (%s), will back up after it closes", e.Name, name)
		metrics.Captures.WithLabelValues(metrics.TriggerAutomatic, metrics.ResultDeferred).Inc()
		s.reschedule(entityID)
		return
	}

	s.setInFlight(entityID, true)
	defer s.setInFlight(entityID, false)

	_, err = s.capture(s.ctx, e, true)
	switch cause := errors.RootCause(err); {
	case err == nil:
		metrics.Captures.WithLabelValues(metrics.TriggerAutomatic, metrics.ResultSuccess).Inc()
	case cause == errUnchanged:
		s.bus.Infof(entityID, "Saves of %s are unchanged since the last backup", e.Name)
		metrics.Captures.WithLabelValues(metrics.TriggerAutomatic, metrics.ResultSkipped).Inc()
	default:
		if _, ok := cause.(errors.NoFilesFound); ok {
			s.bus.Warnf(entityID, "No save files to back up for %s: %s", e.Name, err)
		} else {
			s.bus.Warnf(entityID, "Automatic backup of %s failed: %s", e.Name, err)
		}
		metrics.Captures.WithLabelValues(metrics.TriggerAutomatic, metrics.ResultFailure).Inc()
	}
}

// reschedule schedules another attempt unless a newer change already did.
func (s *Scheduler) reschedule(entityID string) {
	s.lock.Lock()
	_, pending := s.pending[entityID]
	s.lock.Unlock()

	if !pending {
		s.schedule(entityID)
	}
}

// CaptureNow cancels any pending capture of the entity and captures it
// immediately. It fails with a PreconditionError if the game is running.
func (s *Scheduler) CaptureNow(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	s.Cancel(entityID)

	if _, err := s.state.Entity(entityID); err != nil {
		return snapshot.Snapshot{}, err
	}

	unlock, err := s.locks.Lock(ctx, entityID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	defer unlock()

	snap, err := s.captureNowLocked(ctx, entityID)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	metrics.Captures.WithLabelValues(metrics.TriggerManual, result).Inc()
	return snap, err
}

func (s *Scheduler) captureNowLocked(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	e, err := s.state.Entity(entityID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	running, name, err := s.isRunning(e)
	if err != nil {
		return snapshot.Snapshot{}, errors.WithContext(err, "check process")
	}
	if running {
		return snapshot.Snapshot{}, errors.PreconditionError{
			Reason: fmt.Sprintf("close %s first", name),
		}
	}

	s.setInFlight(entityID, true)
	defer s.setInFlight(entityID, false)
	return s.capture(ctx, e, false)
}

func (s *Scheduler) isRunning(e catalog.Entity) (bool, string, error) {
	name := process.LookupName(e.Executable)
	if name == "" {
		return false, "", nil
	}

	running, err := s.processes.IsRunning(name)
	return running, name, err
}

// capture snapshots the entity, uploads the snapshot and syncs the catalog.
// The caller must hold the entity lock.
func (s *Scheduler) capture(ctx context.Context, e catalog.Entity, automatic bool) (snapshot.Snapshot, error) {
	logger := log.WithField("entity", e.ID)
	start := s.clock.Now()

	if automatic {
		scan, err := snapshot.Scan(e.WatchRoot, e.FileSelectors)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		// Compare against what the store holds, so that a snapshot whose
		// upload failed is taken again on the next attempt.
		if e.LatestBackup != nil && e.LatestBackup.Fingerprint == scan.Fingerprint {
			return snapshot.Snapshot{}, errUnchanged
		}
	}

	snap, err := snapshot.Capture(e.ID, e.WatchRoot, e.FileSelectors, s.archiveDir, start)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	metrics.CaptureDuration.Observe(s.clock.Since(start).Seconds())
	logger.WithFields(log.Fields{
		"snapshot":    snap.ID,
		"files":       snap.FileCount,
		"fingerprint": snap.Fingerprint,
	}).Debug("Captured snapshot")

	err = s.state.UpdateEntity(e.ID, func(e *catalog.Entity) error {
		e.LatestLocalSnapshot = &snap
		return nil
	})
	if err != nil {
		return snap, errors.WithContext(err, "record snapshot")
	}

	store, err := s.stores.Active()
	if err != nil {
		return snap, err
	}

	rec, err := store.UploadSnapshot(ctx, e.ID, snap)
	if err != nil {
		metrics.Uploads.WithLabelValues(store.Name(), metrics.ResultFailure).Inc()
		return snap, errors.WithContext(err, "upload")
	}
	metrics.Uploads.WithLabelValues(store.Name(), metrics.ResultSuccess).Inc()

	ref := rec.Ref()
	err = s.state.UpdateEntity(e.ID, func(e *catalog.Entity) error {
		e.LatestBackup = &ref
		return nil
	})
	if err != nil {
		return snap, errors.WithContext(err, "record backup")
	}

	syncErr := store.SyncCatalog(ctx, s.state.Catalog())
	s.bus.Snapshotted(snap, fmt.Sprintf("Backed up %d files of %s to %s",
		snap.FileCount, e.Name, store.Name()))
	if syncErr != nil {
		return snap, errors.WithContext(syncErr, "sync catalog")
	}
	return snap, nil
}

func (s *Scheduler) setInFlight(entityID string, inFlight bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if inFlight {
		s.inFlight[entityID] = true
	} else {
		delete(s.inFlight, entityID)
	}
}

// Package pipeline assembles the watchers, the capture scheduler, the process
// monitor and the restore coordinator around one shared state, and runs
// them.
package pipeline

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/savesync/pkg/backup"
	"github.com/sidkik/savesync/pkg/capture"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/config"
	"github.com/sidkik/savesync/pkg/entitylock"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/events"
	"github.com/sidkik/savesync/pkg/fswatch"
	"github.com/sidkik/savesync/pkg/metrics"
	"github.com/sidkik/savesync/pkg/process"
	"github.com/sidkik/savesync/pkg/restore"
	"github.com/sidkik/savesync/pkg/retention"
	"github.com/sidkik/savesync/pkg/snapshot"
	"github.com/sidkik/savesync/pkg/state"
)

// Options overrides the pipeline's collaborators. Zero values use the real
// implementations.
type Options struct {
	Clock  clockwork.Clock
	Lister process.Lister
	Logger logrus.FieldLogger
}

// Pipeline is a fully wired savesync instance.
type Pipeline struct {
	cfg     config.User
	timings config.Timings
	clock   clockwork.Clock
	logger  logrus.FieldLogger

	State *state.State
	Bus   *events.Bus

	stores    backup.Selector
	remote    *backup.GCSBucket
	locks     *entitylock.Locker

	// watchRetry is how long to wait before watching a missing save
	// directory again.
	watchRetry time.Duration
	scheduler *capture.Scheduler
	restorer  *restore.Coordinator
	monitor   *process.Monitor
}

// EntityStatus is a point-in-time view of an entity.
type EntityStatus struct {
	Entity  catalog.Entity
	Runtime state.Runtime
	Phase   capture.Phase
}

// New builds a Pipeline from cfg. The state document is loaded, and the
// entities from cfg are registered in it.
func New(ctx context.Context, cfg config.User, opts Options) (*Pipeline, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Lister == nil {
		lister, err := process.NewProcFS("")
		if err != nil {
			return nil, err
		}
		opts.Lister = lister
	}

	st, err := state.Load(cfg.StatePath(), cfg.DeviceLabel)
	if err != nil {
		return nil, errors.WithContext(err, "load state")
	}

	p := &Pipeline{
		cfg:     cfg,
		timings: cfg.Timings(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		State:   st,
		Bus:     events.NewBus(),
	}
	p.watchRetry = p.timings.ProcessPoll

	if err := st.Register(p.configEntities()...); err != nil {
		return nil, errors.WithContext(err, "register entities")
	}

	p.stores = p.buildStores(ctx)

	oracle := process.NewOracle(opts.Lister)
	// Manual captures and restores run in their own processes, so the
	// entity locks are file locks in the state directory.
	p.locks = entitylock.New(cfg.LockDir())
	p.scheduler = capture.New(st, oracle, p.stores, p.locks, p.Bus, capture.Options{
		SettleWindow: p.timings.SettleWindow,
		ArchiveDir:   cfg.SnapshotDir(),
		Clock:        p.clock,
	})
	p.restorer = restore.NewCoordinator(st, oracle, p.stores, p.locks, p.scheduler, p.Bus,
		cfg.ScratchDir(), p.clock)
	p.monitor = process.NewMonitor(oracle, st, p.Bus, p.clock, p.timings.ProcessPoll)
	p.monitor.OnClosed = p.scheduler.Notify
	return p, nil
}

func (p *Pipeline) buildStores(ctx context.Context) backup.Selector {
	var selector backup.Selector
	if p.cfg.MirrorDir != "" {
		selector.Mirror = backup.NewMirror(p.cfg.MirrorDir, p.cfg.DeviceLabel)
	}

	if !p.cfg.RemoteConfigured() {
		return selector
	}

	remote := p.cfg.Remote
	bucket, err := backup.NewGCSBucket(ctx, remote.Bucket, remote.Prefix, remote.CredentialsFile)
	if err != nil {
		p.logger.WithError(err).WithField("bucket", remote.Bucket).Warn(
			"Remote backups are unavailable. Falling back to the mirror directory.")
		return selector
	}

	p.remote = bucket
	selector.Remote = backup.NewRemote(bucket, p.cfg.DeviceLabel)
	selector.Authenticated = func() bool {
		_, err := os.Stat(remote.CredentialsFile)
		return err == nil
	}
	return selector
}

func (p *Pipeline) configEntities() []catalog.Entity {
	var entities []catalog.Entity
	for _, e := range p.cfg.Entities {
		entities = append(entities, catalog.Entity{
			ID:            e.ID,
			Name:          e.Name,
			WatchRoot:     e.WatchRoot,
			FileSelectors: e.FileSelectors,
			Executable:    e.Executable,
		})
	}
	return entities
}

// Run sweeps expired restore workspaces, syncs the catalog, and then watches
// every configured entity until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	removed, err := p.Sweep()
	if err != nil {
		p.logger.WithError(err).Warn("Failed to delete some expired restore workspaces")
	}
	p.logger.WithField("removed", len(removed)).Debug("Swept restore workspaces")

	if err := p.SyncCatalog(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to sync catalog. Continuing with local state.")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		events.LogEvents(ctx, p.Bus, p.logger)
		return nil
	})
	group.Go(func() error {
		return p.monitor.Run(ctx)
	})
	for _, e := range p.cfg.Entities {
		id := e.ID
		group.Go(func() error {
			p.watch(ctx, id)
			return nil
		})
	}
	if p.cfg.MetricsAddr != "" {
		group.Go(func() error {
			return p.serveMetrics(ctx)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		p.scheduler.Stop()
		return nil
	})
	return group.Wait()
}

// watch feeds changes to the entity's save directory into the scheduler. A
// missing or removed directory is retried until it can be watched again.
func (p *Pipeline) watch(ctx context.Context, entityID string) {
	e, err := p.State.Entity(entityID)
	if err != nil {
		p.logger.WithError(err).WithField("entity", entityID).Warn("Failed to look up entity")
		return
	}

	logger := p.logger.WithFields(logrus.Fields{
		"entity": entityID,
		"root":   e.WatchRoot,
	})
	unavailable := false
	for {
		err := p.watchRoot(ctx, e, func() {
			logger.Info("Watching save directory")
			if unavailable {
				// Saves written while the directory was gone were never seen.
				p.scheduler.Notify(entityID)
			}
			unavailable = false
		})
		if ctx.Err() != nil {
			return
		}

		if !unavailable {
			p.Bus.Warnf(entityID, "Not watching %s for changes: %s", e.Name, err)
			unavailable = true
		}
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.watchRetry):
		}
	}
}

// watchRoot watches the entity's save directory until ctx is done or the
// directory goes away. started is called once the watch is in place.
func (p *Pipeline) watchRoot(ctx context.Context, e catalog.Entity, started func()) error {
	watcher, err := fswatch.Watch(e.WatchRoot, fswatch.Options{
		StabilityThreshold: p.timings.StabilityThreshold,
		PollInterval:       p.timings.StabilityPoll,
		Clock:              p.clock,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()
	started()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events():
			if !ok {
				return errors.New("watcher stopped")
			}
			p.scheduler.Notify(e.ID)
		case err := <-watcher.Errors():
			if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
				return err
			}
			p.Bus.Warnf(e.ID, "Problem watching %s: %s", e.Name, err)
		}
	}
}

func (p *Pipeline) serveMetrics(ctx context.Context) error {
	server := &http.Server{
		Addr:              p.cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			p.logger.WithError(err).Warn("Failed to stop metrics server")
		}
	}()

	p.logger.WithField("address", p.cfg.MetricsAddr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithContext(err, "serve metrics")
	}
	return nil
}

// SyncCatalog merges the catalog from the active store into local state,
// and then writes the merged catalog back. If the store has no catalog yet,
// the local one is pushed.
func (p *Pipeline) SyncCatalog(ctx context.Context) error {
	store, err := p.stores.Active()
	if err != nil {
		return err
	}

	doc, err := store.LoadCatalog(ctx)
	if err != nil {
		return err
	}

	if doc != nil {
		if err := p.State.MergeCatalog(*doc); err != nil {
			return errors.WithContext(err, "merge catalog")
		}

		// This device's configuration owns the watch roots of its entities.
		if err := p.State.Register(p.configEntities()...); err != nil {
			return errors.WithContext(err, "register entities")
		}
	}

	if err := store.SyncCatalog(ctx, p.State.Catalog()); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"store":  store.Name(),
		"merged": doc != nil,
	}).Debug("Synced catalog")
	return nil
}

// ActiveStore returns the backup store that operations currently use.
func (p *Pipeline) ActiveStore() (backup.Store, error) {
	return p.stores.Active()
}

// CaptureNow captures an entity immediately.
func (p *Pipeline) CaptureNow(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	return p.scheduler.CaptureNow(ctx, entityID)
}

// Restore replaces an entity's save directory with its latest backup.
func (p *Pipeline) Restore(ctx context.Context, entityID string) (restore.Result, error) {
	return p.restorer.Restore(ctx, entityID)
}

// Sweep deletes expired restore workspaces.
func (p *Pipeline) Sweep() ([]string, error) {
	return retention.Sweep(p.cfg.ScratchDir(), p.timings.Retention, p.clock.Now())
}

// Entities returns the status of every entity, refreshing whether each game
// is running first.
func (p *Pipeline) Entities() []EntityStatus {
	p.monitor.Poll()

	var statuses []EntityStatus
	for _, e := range p.State.Entities() {
		statuses = append(statuses, EntityStatus{
			Entity:  e,
			Runtime: p.State.Runtime(e.ID),
			Phase:   p.scheduler.Status(e.ID),
		})
	}
	return statuses
}

// Close releases the connection to the remote store.
func (p *Pipeline) Close() error {
	p.scheduler.Stop()
	if p.remote != nil {
		return p.remote.Close()
	}
	return nil
}

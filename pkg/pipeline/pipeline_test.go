package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/savesync/pkg/backup"
	"github.com/sidkik/savesync/pkg/capture"
	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/config"
	"github.com/sidkik/savesync/pkg/events"
	"github.com/sidkik/savesync/pkg/process"
	"github.com/sidkik/savesync/pkg/state"
)

type noProcesses struct{}

func (noProcesses) Processes() ([]process.Info, error) { return nil, nil }
func (noProcesses) Names() ([]string, error)           { return nil, nil }

func newTestConfig(t *testing.T) config.User {
	root := t.TempDir()
	saveDir := filepath.Join(root, "saves")
	require.NoError(t, os.MkdirAll(saveDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, "slot1.sav"), []byte("save"), 0644))

	return config.User{
		DeviceLabel:          "desktop",
		StateDir:             filepath.Join(root, "state"),
		MirrorDir:            filepath.Join(root, "mirror"),
		SettleWindowMs:       50,
		StabilityThresholdMs: 20,
		StabilityPollMs:      5,
		Entities: []config.Entity{{
			ID:            "game-a",
			Name:          "Game A",
			WatchRoot:     saveDir,
			FileSelectors: []string{"*.sav"},
			Executable:    "GameA.exe",
		}},
	}
}

func newTestPipeline(t *testing.T, cfg config.User) *Pipeline {
	logger, _ := test.NewNullLogger()
	p, err := New(context.Background(), cfg, Options{Lister: noProcesses{}, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func TestNewRegistersConfiguredEntities(t *testing.T) {
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)

	statuses := p.Entities()
	require.Len(t, statuses, 1)
	assert.Equal(t, "game-a", statuses[0].Entity.ID)
	assert.Equal(t, []string{"*.sav"}, statuses[0].Entity.FileSelectors)
	assert.Equal(t, capture.Idle, statuses[0].Phase)
	assert.False(t, statuses[0].Runtime.Running)

	// Registration was persisted.
	_, err := os.Stat(cfg.StatePath())
	assert.NoError(t, err)
}

func TestSyncCatalogMerges(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)

	snap, err := p.CaptureNow(ctx, "game-a")
	require.NoError(t, err)

	// Another device then pushes a catalog with its own backup of game-a and
	// an entity this device doesn't know about.
	mirror := backup.NewMirror(cfg.MirrorDir, "laptop")
	remoteRef := &catalog.BackupRef{SnapshotID: "S-laptop", Device: "laptop"}
	require.NoError(t, mirror.SyncCatalog(ctx, catalog.Document{
		Version: catalog.CurrentVersion,
		Device:  "laptop",
		Entities: []catalog.Entity{
			{ID: "game-a", Name: "Game A", WatchRoot: "/home/laptop/saves", LatestBackup: remoteRef},
			{ID: "game-b", Name: "Game B", WatchRoot: "/home/laptop/b"},
		},
	}))

	require.NoError(t, p.SyncCatalog(ctx))

	gameA, err := p.State.Entity("game-a")
	require.NoError(t, err)
	assert.Equal(t, cfg.Entities[0].WatchRoot, gameA.WatchRoot, "local config owns the watch root")
	assert.Equal(t, remoteRef, gameA.LatestBackup)
	require.NotNil(t, gameA.LatestLocalSnapshot)
	assert.Equal(t, snap.ID, gameA.LatestLocalSnapshot.ID, "the local snapshot survives the merge")

	_, err = p.State.Entity("game-b")
	assert.NoError(t, err)

	// The merged catalog is pushed back.
	doc, err := mirror.LoadCatalog(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Entities, 2)
	assert.Equal(t, "desktop", doc.Device)
}

func TestSyncCatalogPushesWhenAbsent(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)

	require.NoError(t, p.SyncCatalog(ctx))

	doc, err := backup.NewMirror(cfg.MirrorDir, "").LoadCatalog(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc)
	_, ok := doc.Find("game-a")
	assert.True(t, ok)
}

func TestSyncCatalogWithoutStore(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.MirrorDir = ""
	p := newTestPipeline(t, cfg)

	assert.Error(t, p.SyncCatalog(context.Background()))
}

func TestCaptureAndRestore(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)
	savePath := filepath.Join(cfg.Entities[0].WatchRoot, "slot1.sav")

	_, err := p.CaptureNow(ctx, "game-a")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(savePath, []byte("overwritten"), 0644))

	res, err := p.Restore(ctx, "game-a")
	require.NoError(t, err)
	assert.Equal(t, cfg.ScratchDir(), filepath.Dir(res.Workspace))

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, "save", string(data))

	// Fresh workspaces are kept by the sweep.
	removed, err := p.Sweep()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRun(t *testing.T) {
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)

	evs, unsubscribe := p.Bus.Subscribe(100)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	// Give the watcher time to start before changing the save.
	time.Sleep(300 * time.Millisecond)

	savePath := filepath.Join(cfg.Entities[0].WatchRoot, "slot1.sav")
	require.NoError(t, os.WriteFile(savePath, []byte("new progress"), 0644))

	timeout := time.After(10 * time.Second)
	for snapshotted := false; !snapshotted; {
		select {
		case ev := <-evs:
			snapshotted = ev.Kind == events.Snapshot
		case <-timeout:
			t.Fatal("timed out waiting for automatic snapshot")
		}
	}

	e, err := p.State.Entity("game-a")
	require.NoError(t, err)
	require.NotNil(t, e.LatestBackup)

	cancel()
	assert.NoError(t, <-done)
}

func waitForEvent(t *testing.T, evs <-chan events.Event, kind events.Kind) events.Event {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-evs:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRunWatchesRecreatedSaveDir(t *testing.T) {
	cfg := newTestConfig(t)
	saveDir := cfg.Entities[0].WatchRoot
	require.NoError(t, os.RemoveAll(saveDir))

	p := newTestPipeline(t, cfg)
	p.watchRetry = 50 * time.Millisecond

	evs, unsubscribe := p.Bus.Subscribe(100)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	ev := waitForEvent(t, evs, events.Warning)
	assert.Equal(t, "game-a", ev.EntityID)
	assert.Contains(t, ev.Message, "Not watching")

	require.NoError(t, os.MkdirAll(saveDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, "slot1.sav"), []byte("new game"), 0644))

	ev = waitForEvent(t, evs, events.Snapshot)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, "game-a", ev.Snapshot.EntityID)

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelinesSharingAStateDir(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	// Each pipeline stands in for a separate savesync process.
	daemon := newTestPipeline(t, cfg)
	cli := newTestPipeline(t, cfg)

	snap, err := cli.CaptureNow(ctx, "game-a")
	require.NoError(t, err)

	require.NoError(t, daemon.State.UpdateEntity("game-a", func(e *catalog.Entity) error {
		e.PlayTime += time.Hour
		return nil
	}))

	reloaded, err := state.Load(cfg.StatePath(), cfg.DeviceLabel)
	require.NoError(t, err)
	e, err := reloaded.Entity("game-a")
	require.NoError(t, err)
	require.NotNil(t, e.LatestLocalSnapshot, "the daemon kept the manual capture")
	assert.Equal(t, snap.ID, e.LatestLocalSnapshot.ID)
	require.NotNil(t, e.LatestBackup)
	assert.Equal(t, snap.ID, e.LatestBackup.SnapshotID)
	assert.Equal(t, time.Hour, e.PlayTime)

	// An entity held by one process can't be restored by another.
	unlock, err := daemon.locks.Lock(ctx, "game-a")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = cli.Restore(waitCtx, "game-a")
	assert.Equal(t, context.DeadlineExceeded, err)

	unlock()
	_, err = cli.Restore(ctx, "game-a")
	assert.NoError(t, err)
}

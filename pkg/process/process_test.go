package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/events"
	"github.com/sidkik/savesync/pkg/state"
)

type fakeLister struct {
	lock         sync.Mutex
	procs        []Info
	processesErr error
	namesErr     error
}

func (l *fakeLister) set(procs ...Info) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.procs = procs
}

func (l *fakeLister) Processes() ([]Info, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.processesErr != nil {
		return nil, l.processesErr
	}
	return append([]Info(nil), l.procs...), nil
}

func (l *fakeLister) Names() ([]string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.namesErr != nil {
		return nil, l.namesErr
	}
	var names []string
	for _, p := range l.procs {
		names = append(names, p.Name)
	}
	return names, nil
}

func TestLookupName(t *testing.T) {
	tests := []struct {
		executable string
		exp        string
	}{
		{`C:\Games\Foo\Foo.exe`, "foo"},
		{"/opt/foo/Foo", "foo"},
		{"Hollow Knight.x86_64", "hollow knight"},
		{"game", "game"},
		{"", ""},
	}

	for _, test := range tests {
		t.Run(test.executable, func(t *testing.T) {
			assert.Equal(t, test.exp, LookupName(test.executable))
		})
	}
}

func TestIsRunning(t *testing.T) {
	lister := &fakeLister{}
	lister.set(Info{Name: "bash"}, Info{Name: "Game.exe"}, Info{Name: "averylonggamena"})
	oracle := NewOracle(lister)

	tests := []struct {
		name string
		exp  bool
	}{
		{"game", true},
		{"bash", true},
		{"averylonggamename", true},
		{"averylong", false},
		{"other", false},
		{"", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			running, err := oracle.IsRunning(test.name)
			require.NoError(t, err)
			assert.Equal(t, test.exp, running)
		})
	}
}

func TestIsRunningMatchesExecutable(t *testing.T) {
	lister := &fakeLister{}
	lister.set(Info{Name: "UnityMain", Executable: "/games/hollow/Hollow.x86_64"})
	oracle := NewOracle(lister)

	ps, err := oracle.State("hollow")
	require.NoError(t, err)
	assert.True(t, ps.Running)

	running, err := oracle.IsRunning("hollow")
	require.NoError(t, err)
	assert.True(t, running, "the gates agree with the monitor")

	// Without the full process table only command names can be matched.
	lister.processesErr = errors.New("permission denied")
	running, err = oracle.IsRunning("hollow")
	require.NoError(t, err)
	assert.False(t, running)

	running, err = oracle.IsRunning("unitymain")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestState(t *testing.T) {
	early := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	lister := &fakeLister{}
	lister.set(
		Info{Name: "game", StartedAt: &late},
		Info{Name: "launcher", Executable: "/opt/game/game", StartedAt: &early},
		Info{Name: "nostart"},
	)
	oracle := NewOracle(lister)

	ps, err := oracle.State("game")
	require.NoError(t, err)
	assert.True(t, ps.Running)
	require.NotNil(t, ps.StartedAt)
	assert.Equal(t, early, *ps.StartedAt, "the earliest process start is reported")

	ps, err = oracle.State("nostart")
	require.NoError(t, err)
	assert.Equal(t, State{Running: true}, ps, "an unknown start time is nil")

	ps, err = oracle.State("missing")
	require.NoError(t, err)
	assert.Equal(t, State{}, ps)
}

func TestStateFallsBackToNames(t *testing.T) {
	startedAt := time.Now()
	lister := &fakeLister{processesErr: errors.New("permission denied")}
	lister.set(Info{Name: "game", StartedAt: &startedAt})
	oracle := NewOracle(lister)

	ps, err := oracle.State("game")
	require.NoError(t, err)
	assert.Equal(t, State{Running: true}, ps)

	lister.namesErr = errors.New("no procfs")
	_, err = oracle.State("game")
	assert.Error(t, err)
}

func newTestMonitor(t *testing.T, lister Lister) (*Monitor, *state.State, clockwork.FakeClock) {
	st := state.New("", "desktop")
	require.NoError(t, st.Register(catalog.Entity{
		ID:         "game-a",
		Name:       "Game A",
		WatchRoot:  "/saves/a",
		Executable: `C:\Games\Game.exe`,
	}))

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewMonitor(NewOracle(lister), st, events.NewBus(), clock, time.Second), st, clock
}

func TestMonitorClampsInterval(t *testing.T) {
	m, _, _ := newTestMonitor(t, &fakeLister{})
	assert.Equal(t, MinPollInterval, m.interval)
}

func TestMonitorTracksPlayTime(t *testing.T) {
	lister := &fakeLister{}
	m, st, clock := newTestMonitor(t, lister)

	var closed []string
	m.OnClosed = func(id string) { closed = append(closed, id) }

	// Start time from the oracle is used when it's known.
	startedAt := clock.Now().Add(-10 * time.Minute)
	lister.set(Info{Name: "game", StartedAt: &startedAt})
	m.Poll()
	assert.Equal(t, state.Runtime{Running: true, StartedAt: startedAt}, st.Runtime("game-a"))

	// Still running: nothing changes.
	clock.Advance(20 * time.Minute)
	m.Poll()
	assert.Equal(t, state.Runtime{Running: true, StartedAt: startedAt}, st.Runtime("game-a"))
	assert.Empty(t, closed)

	lister.set()
	m.Poll()
	assert.Equal(t, state.Runtime{}, st.Runtime("game-a"))
	assert.Equal(t, []string{"game-a"}, closed)

	e, err := st.Entity("game-a")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, e.PlayTime)
	require.NotNil(t, e.LastPlayedAt)
	assert.Equal(t, clock.Now(), *e.LastPlayedAt)

	// Without an oracle start time, the session is measured from when the
	// game was first seen.
	lister.set(Info{Name: "game"})
	m.Poll()
	clock.Advance(5 * time.Minute)
	lister.set()
	m.Poll()

	e, err = st.Entity("game-a")
	require.NoError(t, err)
	assert.Equal(t, 35*time.Minute, e.PlayTime)
	assert.Equal(t, []string{"game-a", "game-a"}, closed)
}

func TestMonitorRun(t *testing.T) {
	lister := &fakeLister{}
	m, st, clock := newTestMonitor(t, lister)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Run(ctx))
		close(done)
	}()

	clock.BlockUntil(1)
	lister.set(Info{Name: "game"})
	clock.Advance(MinPollInterval)

	assert.Eventually(t, func() bool {
		return st.Runtime("game-a").Running
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

package process

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/events"
	"github.com/sidkik/savesync/pkg/state"
)

// MinPollInterval is the shortest interval the Monitor polls at.
const MinPollInterval = 5 * time.Second

// Monitor polls the Oracle for every entity and tracks when games start and
// stop.
type Monitor struct {
	oracle   *Oracle
	state    *state.State
	bus      *events.Bus
	clock    clockwork.Clock
	interval time.Duration

	// OnClosed is called after a game is detected as closed. It's used to
	// schedule a capture of whatever the game wrote while it was running.
	OnClosed func(entityID string)
}

// NewMonitor creates a Monitor. Intervals shorter than MinPollInterval are
// raised to it.
func NewMonitor(oracle *Oracle, st *state.State, bus *events.Bus,
	clock clockwork.Clock, interval time.Duration) *Monitor {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &Monitor{
		oracle:   oracle,
		state:    st,
		bus:      bus,
		clock:    clock,
		interval: interval,
	}
}

// Run polls immediately, and then once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Poll()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Poll evaluates every entity once.
func (m *Monitor) Poll() {
	for _, e := range m.state.Entities() {
		m.poll(e)
	}
}

func (m *Monitor) poll(e catalog.Entity) {
	name := LookupName(e.Executable)
	if name == "" {
		return
	}

	logger := log.WithFields(log.Fields{"entity": e.ID, "process": name})
	current, err := m.oracle.State(name)
	if err != nil {
		logger.WithError(err).Warn("Failed to check whether game is running")
		return
	}

	now := m.clock.Now()
	rt := m.state.Runtime(e.ID)
	switch {
	case current.Running && !rt.Running:
		startedAt := now
		if current.StartedAt != nil {
			startedAt = *current.StartedAt
		}
		m.state.SetRuntime(e.ID, state.Runtime{Running: true, StartedAt: startedAt})
		logger.WithField("startedAt", startedAt).Debug("Game started")
		m.bus.Infof(e.ID, "%s is running", e.Name)

	case !current.Running && rt.Running:
		session := now.Sub(rt.StartedAt)
		if session < 0 {
			session = 0
		}

		m.state.SetRuntime(e.ID, state.Runtime{})
		err := m.state.UpdateEntity(e.ID, func(e *catalog.Entity) error {
			e.PlayTime += session
			e.LastPlayedAt = &now
			return nil
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to record play time")
		}

		m.bus.Infof(e.ID, "%s closed after %s", e.Name, session.Round(time.Second))
		if m.OnClosed != nil {
			m.OnClosed(e.ID)
		}
	}
}

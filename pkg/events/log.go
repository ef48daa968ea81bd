package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogEvents writes every event published on bus to logger until ctx is
// done.
func LogEvents(ctx context.Context, bus *Bus, logger logrus.FieldLogger) {
	events, cancel := bus.Subscribe(DefaultBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logEvent(logger, ev)
		}
	}
}

func logEvent(logger logrus.FieldLogger, ev Event) {
	entry := logger.WithField("kind", ev.Kind)
	if ev.EntityID != "" {
		entry = entry.WithField("entity", ev.EntityID)
	}

	switch ev.Kind {
	case Warning:
		entry.Warn(ev.Message)
	case Snapshot:
		if ev.Snapshot != nil {
			entry = entry.WithFields(logrus.Fields{
				"snapshot":    ev.Snapshot.ID,
				"fingerprint": ev.Snapshot.Fingerprint,
				"files":       ev.Snapshot.FileCount,
			})
		}
		entry.Info(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}

// Package events is the notification stream that the pipeline publishes to
// and the CLI, logs, and any UI subscribe to. Delivery is best effort: a
// slow subscriber misses events instead of stalling the pipeline.
package events

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/snapshot"
)

// Kind classifies an event.
type Kind string

const (
	// Info events are routine notifications, e.g. "capture deferred because
	// the game is running".
	Info Kind = "info"

	// Warning events report failures on the automatic path that were
	// recovered from.
	Warning Kind = "warning"

	// Snapshot events announce a new snapshot.
	Snapshot Kind = "snapshot"
)

// DefaultBuffer is the subscriber buffer size used when none is given.
const DefaultBuffer = 64

// Event is a notification about an entity, or about the pipeline as a whole
// when EntityID is empty.
type Event struct {
	Kind     Kind               `json:"kind"`
	EntityID string             `json:"entityId,omitempty"`
	Message  string             `json:"message"`
	Snapshot *snapshot.Snapshot `json:"snapshot,omitempty"`
	At       time.Time          `json:"at"`
}

// Bus fans events out to subscribers.
type Bus struct {
	lock   sync.Mutex
	subs   map[int]chan Event
	nextID int

	now func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}, now: time.Now}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	for id, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			log.WithFields(log.Fields{
				"subscriber": id,
				"kind":       ev.Kind,
				"entity":     ev.EntityID,
			}).Debug("Dropped event for slow subscriber")
		}
	}
}

// Infof publishes an Info event.
func (b *Bus) Infof(entityID, format string, args ...interface{}) {
	b.Publish(Event{Kind: Info, EntityID: entityID, Message: fmt.Sprintf(format, args...)})
}

// Warnf publishes a Warning event.
func (b *Bus) Warnf(entityID, format string, args ...interface{}) {
	b.Publish(Event{Kind: Warning, EntityID: entityID, Message: fmt.Sprintf(format, args...)})
}

// Snapshotted publishes a Snapshot event for snap.
func (b *Bus) Snapshotted(snap snapshot.Snapshot, message string) {
	b.Publish(Event{
		Kind:     Snapshot,
		EntityID: snap.EntityID,
		Message:  message,
		Snapshot: &snap,
	})
}

// Subscribe returns a channel that receives future events, and a function
// that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.lock.Lock()
			defer b.lock.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Package catalog defines the document that records every entity's durable
// metadata. The same document is persisted locally as the application state
// and pushed to the backup store so that other devices learn about the
// entities and their latest backups.
package catalog

import (
	"encoding/json"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/snapshot"
)

// CurrentVersion is the version of the document format written by this
// binary.
const CurrentVersion = 1

// MaxIDLength is the longest allowed entity id.
const MaxIDLength = 63

var idPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidID reports whether id can name an entity. Ids become path components
// in the backup store and in local workspaces, so they're restricted to
// lowercase letters, digits and inner dashes.
func ValidID(id string) bool {
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}

// Document is a consistent snapshot of all entities' durable metadata. It
// never contains runtime-only fields such as whether a game is running.
type Document struct {
	Version    int       `json:"version"`
	Device     string    `json:"device,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Entities   []Entity  `json:"entities"`
	WatchRoots []string  `json:"watchRoots"`
}

// Entity is the durable record of a monitored game.
type Entity struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	WatchRoot     string   `json:"watchRoot"`
	FileSelectors []string `json:"fileSelectors,omitempty"`
	Executable    string   `json:"executable,omitempty"`

	// LatestLocalSnapshot is the newest snapshot captured on this device.
	LatestLocalSnapshot *snapshot.Snapshot `json:"latestLocalSnapshot,omitempty"`

	// LatestBackup summarizes the backup store's latest pointer as of the
	// last successful upload or fetch.
	LatestBackup *BackupRef `json:"latestBackup,omitempty"`

	PlayTime     time.Duration `json:"playTime,omitempty"`
	LastPlayedAt *time.Time    `json:"lastPlayedAt,omitempty"`
}

// BackupRef identifies an uploaded snapshot.
type BackupRef struct {
	SnapshotID  string    `json:"snapshotId"`
	CreatedAt   time.Time `json:"createdAt"`
	Fingerprint string    `json:"fingerprint"`
	SizeBytes   int64     `json:"sizeBytes"`
	Device      string    `json:"device,omitempty"`
}

// Find returns the entity with the given id.
func (doc Document) Find(id string) (Entity, bool) {
	for _, e := range doc.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// Copy returns a deep copy of doc so that callers can't mutate shared
// state through slices or pointers.
func (doc Document) Copy() Document {
	cp := doc
	cp.WatchRoots = append([]string(nil), doc.WatchRoots...)
	cp.Entities = nil
	for _, e := range doc.Entities {
		cp.Entities = append(cp.Entities, e.Copy())
	}
	return cp
}

// Copy returns a deep copy of e.
func (e Entity) Copy() Entity {
	cp := e
	cp.FileSelectors = append([]string(nil), e.FileSelectors...)
	if e.LatestLocalSnapshot != nil {
		snap := *e.LatestLocalSnapshot
		cp.LatestLocalSnapshot = &snap
	}
	if e.LatestBackup != nil {
		ref := *e.LatestBackup
		cp.LatestBackup = &ref
	}
	if e.LastPlayedAt != nil {
		at := *e.LastPlayedAt
		cp.LastPlayedAt = &at
	}
	return cp
}

// Merge applies a document read from the backup store (or from disk on
// startup) on top of the current in-memory document. The incoming entity
// list and watch roots replace the current ones wholesale, except that an
// entity's latest local snapshot is kept from current whenever current
// knows one: the incoming document may have been written by a device that
// never saw this device's local snapshots.
//
// Incoming entities with invalid ids are dropped.
func Merge(current, incoming Document) Document {
	merged := incoming.Copy()
	merged.Entities = nil
	for _, e := range incoming.Copy().Entities {
		if !ValidID(e.ID) {
			log.WithField("entity", e.ID).Warn("Ignoring catalog entry with an invalid id")
			continue
		}

		if existing, ok := current.Find(e.ID); ok && existing.LatestLocalSnapshot != nil {
			snap := *existing.LatestLocalSnapshot
			e.LatestLocalSnapshot = &snap
		}
		merged.Entities = append(merged.Entities, e)
	}
	if merged.Version == 0 {
		merged.Version = CurrentVersion
	}
	return merged
}

// Marshal encodes doc.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal decodes a document, rejecting documents from a newer format.
func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.WithContext(err, "decode catalog")
	}
	if doc.Version > CurrentVersion {
		return Document{}, errors.NewFriendlyError("The catalog was written by a newer "+
			"version of savesync (format %d, this binary supports %d). "+
			"Please upgrade.", doc.Version, CurrentVersion)
	}
	return doc, nil
}

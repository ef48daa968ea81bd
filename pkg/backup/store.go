// Package backup stores snapshots and the catalog document outside the
// device: in a remote object store, or in a local mirror directory when no
// remote is available. Both backends use the same layout:
//
//	<root>/library/catalog.json
//	<root>/backups/{entityId}/artifacts/{archiveName}
//	<root>/backups/{entityId}/metadata/{snapshotId}.json
//	<root>/backups/{entityId}/latest.json
//
// The latest pointer and the catalog are overwritten in place. Two devices
// writing the same entity at the same time can race on them; the last
// writer wins.
package backup

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/snapshot"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Store is a backup destination.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// UploadSnapshot stores the snapshot's archive and metadata, and then
	// points the entity's latest record at it. If the archive or metadata
	// can't be stored, the previous latest record is left untouched.
	UploadSnapshot(ctx context.Context, entityID string, snap snapshot.Snapshot) (Record, error)

	// FetchLatest returns the entity's latest record, or nil if the entity
	// has never been backed up.
	FetchLatest(ctx context.Context, entityID string) (*Record, error)

	// Download writes the archive referenced by rec to dst.
	Download(ctx context.Context, rec Record, dst string) error

	// SyncCatalog overwrites the stored catalog document.
	SyncCatalog(ctx context.Context, doc catalog.Document) error

	// LoadCatalog returns the stored catalog document, or nil if there
	// isn't one.
	LoadCatalog(ctx context.Context) (*catalog.Document, error)
}

// Record describes an uploaded snapshot. The same document is stored as the
// snapshot's metadata and as the entity's latest pointer.
type Record struct {
	SnapshotID  string    `json:"snapshotId"`
	EntityID    string    `json:"entityId"`
	CreatedAt   time.Time `json:"createdAt"`
	ArchiveName string    `json:"archiveName"`
	Fingerprint string    `json:"fingerprint"`
	SizeBytes   int64     `json:"sizeBytes"`
	Device      string    `json:"device,omitempty"`

	// ArtifactRef and MetadataRef are the backend's identifiers for the
	// stored objects. Only the remote backend sets them.
	ArtifactRef string `json:"artifactRef,omitempty"`
	MetadataRef string `json:"metadataRef,omitempty"`
}

// Ref summarizes the record for the catalog.
func (r Record) Ref() catalog.BackupRef {
	return catalog.BackupRef{
		SnapshotID:  r.SnapshotID,
		CreatedAt:   r.CreatedAt,
		Fingerprint: r.Fingerprint,
		SizeBytes:   r.SizeBytes,
		Device:      r.Device,
	}
}

// Validate checks that rec is a record of entityID whose names are safe to
// use as path components. Records are read from the store, which other
// devices write to.
func (r Record) Validate(entityID string) error {
	if r.EntityID != entityID {
		return errors.NewFriendlyError("The backup record for %q belongs to "+
			"entity %q.", entityID, r.EntityID)
	}
	if !catalog.ValidID(r.EntityID) {
		return invalidName("entity id", r.EntityID)
	}
	if !safeName(r.SnapshotID) {
		return invalidName("snapshot id", r.SnapshotID)
	}
	if !safeName(r.ArchiveName) {
		return invalidName("archive name", r.ArchiveName)
	}
	return nil
}

func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\\x00")
}

func invalidName(field, value string) error {
	return errors.NewFriendlyError("The backup record has an invalid %s: %q",
		field, value)
}

// CatalogPath is where the catalog document is stored.
func CatalogPath() string {
	return path.Join("library", "catalog.json")
}

// ArtifactPath is where a snapshot archive is stored.
func ArtifactPath(entityID, archiveName string) string {
	return path.Join("backups", entityID, "artifacts", archiveName)
}

// MetadataPath is where a snapshot's metadata document is stored.
func MetadataPath(entityID, snapshotID string) string {
	return path.Join("backups", entityID, "metadata", snapshotID+".json")
}

// LatestPath is where an entity's latest pointer is stored.
func LatestPath(entityID string) string {
	return path.Join("backups", entityID, "latest.json")
}

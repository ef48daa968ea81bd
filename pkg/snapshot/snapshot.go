// Package snapshot captures a save directory into an immutable, compressed
// point-in-time archive identified by a content fingerprint.
//
// The fingerprint is a SHA-256 over every selected file, in lexicographic
// order of relative path, of the file's relative path, modification time
// (milliseconds) and contents. Sorting makes the fingerprint independent of
// the order in which the filesystem enumerates directory entries.
package snapshot

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sidkik/savesync/pkg/errors"
)

// Snapshot is a local capture of an entity's save files. Snapshots are never
// modified after they're created; later captures supersede them.
type Snapshot struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entityId"`
	CreatedAt   time.Time `json:"createdAt"`
	FileCount   int       `json:"fileCount"`
	ArchivePath string    `json:"archivePath"`
	Fingerprint string    `json:"fingerprint"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// ArchiveName is the base name of the snapshot's archive.
func (s Snapshot) ArchiveName() string {
	return filepath.Base(s.ArchivePath)
}

// Capture archives the files under root that match selectors into
// archiveDir, and returns the resulting snapshot.
func Capture(entityID, root string, selectors []string, archiveDir string, now time.Time) (Snapshot, error) {
	id := uuid.New().String()
	name := fmt.Sprintf("%s-%s-%s.zip", entityID, now.UTC().Format("20060102-150405"), id[:8])
	archivePath := filepath.Join(archiveDir, entityID, name)

	result, err := Build(root, selectors, archivePath)
	if err != nil {
		return Snapshot{}, err
	}

	fi, err := fs.Stat(archivePath)
	if err != nil {
		return Snapshot{}, errors.IOError{Op: "stat", Path: archivePath, Err: err}
	}

	return Snapshot{
		ID:          id,
		EntityID:    entityID,
		CreatedAt:   now,
		FileCount:   len(result.Files),
		ArchivePath: archivePath,
		Fingerprint: result.Fingerprint,
		SizeBytes:   fi.Size(),
	}, nil
}

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/snapshot"
)

// Bucket is a flat namespace of objects addressed by slash-separated names.
type Bucket interface {
	// Put creates the named object, or replaces its contents if it already
	// exists. It returns the backend's identifier for the stored object,
	// which may be empty.
	Put(ctx context.Context, name string, contents io.Reader, contentType string) (ref string, err error)

	// Get opens the named object. It returns errors.NotFound if the object
	// doesn't exist.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Exists returns whether the named object exists.
	Exists(ctx context.Context, name string) (bool, error)
}

const (
	archiveContentType = "application/zip"
	jsonContentType    = "application/json"
)

// ObjectStore implements Store on top of a Bucket.
type ObjectStore struct {
	name   string
	device string
	bucket Bucket
}

// NewObjectStore returns a Store named name that writes to bucket. Uploads
// are labeled with device.
func NewObjectStore(name, device string, bucket Bucket) *ObjectStore {
	return &ObjectStore{name: name, device: device, bucket: bucket}
}

// Name implements Store.
func (s *ObjectStore) Name() string {
	return s.name
}

// UploadSnapshot implements Store.
func (s *ObjectStore) UploadSnapshot(ctx context.Context, entityID string, snap snapshot.Snapshot) (Record, error) {
	logger := log.WithFields(log.Fields{
		"store":    s.name,
		"entity":   entityID,
		"snapshot": snap.ID,
	})

	archive, err := fs.Open(snap.ArchivePath)
	if err != nil {
		return Record{}, errors.IOError{Op: "open", Path: snap.ArchivePath, Err: err}
	}
	defer archive.Close()

	rec := Record{
		SnapshotID:  snap.ID,
		EntityID:    entityID,
		CreatedAt:   snap.CreatedAt,
		ArchiveName: snap.ArchiveName(),
		Fingerprint: snap.Fingerprint,
		SizeBytes:   snap.SizeBytes,
		Device:      s.device,
	}

	artifactPath := ArtifactPath(entityID, rec.ArchiveName)
	rec.ArtifactRef, err = s.bucket.Put(ctx, artifactPath, archive, archiveContentType)
	if err != nil {
		return Record{}, errors.WithContext(err, "upload archive")
	}
	logger.WithField("path", artifactPath).Debug("Uploaded archive")

	// The metadata document must be stored before the latest pointer
	// references it.
	metadata, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, errors.WithContext(err, "marshal metadata")
	}
	rec.MetadataRef, err = s.bucket.Put(ctx, MetadataPath(entityID, snap.ID),
		bytes.NewReader(metadata), jsonContentType)
	if err != nil {
		return Record{}, errors.WithContext(err, "upload metadata")
	}

	latest, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, errors.WithContext(err, "marshal latest")
	}
	if _, err := s.bucket.Put(ctx, LatestPath(entityID), bytes.NewReader(latest), jsonContentType); err != nil {
		return Record{}, errors.WithContext(err, "update latest")
	}

	logger.Info("Uploaded snapshot")
	return rec, nil
}

// FetchLatest implements Store.
func (s *ObjectStore) FetchLatest(ctx context.Context, entityID string) (*Record, error) {
	data, err := s.read(ctx, LatestPath(entityID))
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.NotFound); ok {
			return nil, nil
		}
		return nil, errors.WithContext(err, "fetch latest")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WithContext(err, "parse latest")
	}
	if err := rec.Validate(entityID); err != nil {
		return nil, errors.WithContext(err, "parse latest")
	}
	return &rec, nil
}

// Download implements Store.
func (s *ObjectStore) Download(ctx context.Context, rec Record, dst string) error {
	if err := rec.Validate(rec.EntityID); err != nil {
		return err
	}

	obj, err := s.bucket.Get(ctx, ArtifactPath(rec.EntityID, rec.ArchiveName))
	if err != nil {
		return errors.WithContext(err, "download archive")
	}
	defer obj.Close()

	if err := writeFile(dst, obj); err != nil {
		return errors.WithContext(err, "download archive")
	}
	return nil
}

// SyncCatalog implements Store.
func (s *ObjectStore) SyncCatalog(ctx context.Context, doc catalog.Document) error {
	data, err := catalog.Marshal(doc)
	if err != nil {
		return errors.WithContext(err, "marshal catalog")
	}

	exists, err := s.bucket.Exists(ctx, CatalogPath())
	if err != nil {
		return errors.WithContext(err, "look up catalog")
	}

	if _, err := s.bucket.Put(ctx, CatalogPath(), bytes.NewReader(data), jsonContentType); err != nil {
		return errors.WithContext(err, "upload catalog")
	}
	log.WithFields(log.Fields{
		"store":    s.name,
		"entities": len(doc.Entities),
		"created":  !exists,
	}).Debug("Synced catalog")
	return nil
}

// LoadCatalog implements Store.
func (s *ObjectStore) LoadCatalog(ctx context.Context) (*catalog.Document, error) {
	data, err := s.read(ctx, CatalogPath())
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.NotFound); ok {
			return nil, nil
		}
		return nil, errors.WithContext(err, "load catalog")
	}

	doc, err := catalog.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *ObjectStore) read(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.bucket.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.WithContext(err, "read "+name)
	}
	return data, nil
}

// writeFile writes contents to a temporary file next to dst, and renames it
// into place once it's complete.
func writeFile(dst string, contents io.Reader) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.IOError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
	}

	tmp := dst + ".partial"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.IOError{Op: "create", Path: tmp, Err: err}
	}

	if _, err := io.Copy(f, contents); err != nil {
		f.Close()
		fs.Remove(tmp)
		return errors.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return errors.IOError{Op: "close", Path: tmp, Err: err}
	}

	if err := fs.Rename(tmp, dst); err != nil {
		return errors.IOError{Op: "rename", Path: dst, Err: err}
	}
	return nil
}

package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/sidkik/savesync/pkg/errors"
)

// RemoteName is the store name of the remote backend.
const RemoteName = "remote"

// GCSBucket is a Bucket backed by a Google Cloud Storage bucket. Object
// names are stored under Prefix.
type GCSBucket struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBucket connects to bucket using the service account key at
// credentialsFile.
func NewGCSBucket(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSBucket, error) {
	if _, err := os.Stat(credentialsFile); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: credentialsFile}
		}
		return nil, errors.IOError{Op: "stat", Path: credentialsFile, Err: err}
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, errors.NetworkError{Op: "connect", Err: err}
	}
	return &GCSBucket{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewRemote returns a Store that writes to bucket.
func NewRemote(bucket *GCSBucket, device string) *ObjectStore {
	return NewObjectStore(RemoteName, device, bucket)
}

func (b *GCSBucket) object(name string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(path.Join(b.prefix, name))
}

// Put implements Bucket. Objects are addressed by name, so writing to an
// existing name updates that object in place.
func (b *GCSBucket) Put(ctx context.Context, name string, contents io.Reader, contentType string) (string, error) {
	obj := b.object(name)
	logger := log.WithFields(log.Fields{"bucket": b.bucket, "object": obj.ObjectName()})

	switch attrs, err := obj.Attrs(ctx); {
	case err == nil:
		logger.WithField("generation", attrs.Generation).Debug("Updating existing object")
	case errors.Is(err, storage.ErrObjectNotExist):
		logger.Debug("Creating object")
	default:
		return "", errors.NetworkError{Op: "stat " + name, Err: err}
	}

	// Closing a writer commits whatever it was sent. Cancelling its context
	// first aborts the upload so that a failed copy leaves no partial object.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := obj.NewWriter(writeCtx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, contents); err != nil {
		cancel()
		writer.Close()
		return "", errors.NetworkError{Op: "upload " + name, Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", errors.NetworkError{Op: "upload " + name, Err: err}
	}

	return fmt.Sprintf("gs://%s/%s#%d", b.bucket, obj.ObjectName(), writer.Attrs().Generation), nil
}

// Get implements Bucket.
func (b *GCSBucket) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	reader, err := b.object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.NotFound{Kind: "remote file", Name: name}
		}
		return nil, errors.NetworkError{Op: "download " + name, Err: err}
	}
	return reader, nil
}

// Exists implements Bucket.
func (b *GCSBucket) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, errors.NetworkError{Op: "stat " + name, Err: err}
	}
}

// Close releases the client's connections.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}

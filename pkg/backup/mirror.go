package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
)

// MirrorName is the store name of the local mirror backend.
const MirrorName = "mirror"

// NewMirror returns a Store that writes to the directory dir on this
// machine. Every call completes the write before returning.
func NewMirror(dir, device string) *ObjectStore {
	return NewObjectStore(MirrorName, device, DirBucket{Dir: dir})
}

// DirBucket is a Bucket backed by a local directory. Object names map to
// paths relative to Dir.
type DirBucket struct {
	Dir string
}

func (b DirBucket) path(name string) string {
	return filepath.Join(b.Dir, filepath.FromSlash(name))
}

// Put implements Bucket.
func (b DirBucket) Put(_ context.Context, name string, contents io.Reader, _ string) (string, error) {
	if err := writeFile(b.path(name), contents); err != nil {
		return "", err
	}
	return "", nil
}

// Get implements Bucket.
func (b DirBucket) Get(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := fs.Open(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound{Kind: "file", Name: name}
		}
		return nil, errors.IOError{Op: "open", Path: b.path(name), Err: err}
	}
	return f, nil
}

// Exists implements Bucket.
func (b DirBucket) Exists(_ context.Context, name string) (bool, error) {
	exists, err := afero.Exists(fs, b.path(name))
	if err != nil {
		return false, errors.IOError{Op: "stat", Path: b.path(name), Err: err}
	}
	return exists, nil
}

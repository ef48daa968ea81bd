// Package retention deletes expired restore workspaces.
package retention

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
	"github.com/sidkik/savesync/pkg/metrics"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// DefaultRetention is how long restore workspaces are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Sweep deletes the directories directly under root that were last modified
// more than retention before now. Every entry is evaluated even if deleting
// another one fails; the failures are returned together. A missing root
// isn't an error.
func Sweep(root string, retention time.Duration, now time.Time) (removed []string, err error) {
	entries, readErr := afero.ReadDir(fs, root)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, nil
		}
		return nil, errors.IOError{Op: "list", Path: root, Err: readErr}
	}

	cutoff := now.Add(-retention)
	var result *multierror.Error
	for _, entry := range entries {
		if !entry.IsDir() || !entry.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(root, entry.Name())
		if rmErr := fs.RemoveAll(path); rmErr != nil {
			log.WithError(rmErr).WithField("path", path).Warn("Failed to delete expired restore workspace")
			result = multierror.Append(result, errors.IOError{Op: "remove", Path: path, Err: rmErr})
			continue
		}

		log.WithFields(log.Fields{
			"path":         path,
			"lastModified": entry.ModTime(),
		}).Info("Deleted expired restore workspace")
		metrics.RetentionRemoved.Inc()
		removed = append(removed, path)
	}
	return removed, result.ErrorOrNil()
}

package restore

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
)

// copyDir recursively copies the contents of src into dst, preserving file
// modes and modification times.
func copyDir(src, dst string) error {
	if _, err := fs.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: src}
		}
		return errors.IOError{Op: "stat", Path: src, Err: err}
	}

	return afero.Walk(fs, src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.IOError{Op: "walk", Path: path, Err: err}
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return errors.WithContext(err, "normalized path")
		}
		target := filepath.Join(dst, relPath)

		switch {
		case fi.IsDir():
			if err := fs.MkdirAll(target, fi.Mode().Perm()|0700); err != nil {
				return errors.IOError{Op: "mkdir", Path: target, Err: err}
			}
		case fi.Mode().IsRegular():
			if err := copyFile(path, target, fi); err != nil {
				return err
			}
		default:
			log.WithField("path", path).Debug("Skipping special file")
		}
		return nil
	})
}

func copyFile(src, dst string, fi os.FileInfo) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return errors.IOError{Op: "create", Path: dst, Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.IOError{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return errors.IOError{Op: "close", Path: dst, Err: err}
	}

	if err := fs.Chtimes(dst, fi.ModTime(), fi.ModTime()); err != nil {
		return errors.IOError{Op: "chtimes", Path: dst, Err: err}
	}
	return nil
}

// clearDir removes everything inside dir, creating dir if it doesn't exist.
func clearDir(dir string) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return errors.IOError{Op: "list", Path: dir, Err: err}
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := fs.RemoveAll(path); err != nil {
			return errors.IOError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}

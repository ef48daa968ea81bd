package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/sidkik/savesync/pkg/errors"
)

// Extract unpacks the archive at archivePath into dest, restoring the
// relative paths and modification times of the captured files.
func Extract(archivePath, dest string) error {
	f, err := fs.Open(archivePath)
	if err != nil {
		return errors.IOError{Op: "open", Path: archivePath, Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.IOError{Op: "stat", Path: archivePath, Err: err}
	}

	archive, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("read archive %q", archivePath))
	}

	for _, entry := range archive.File {
		if err := extractEntry(entry, dest); err != nil {
			return errors.WithContext(err, fmt.Sprintf("extract %q", entry.Name))
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(entry.Name))
	relPath, err := filepath.Rel(dest, target)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return errors.New("entry escapes the destination directory")
	}

	if entry.FileInfo().IsDir() {
		return fs.MkdirAll(target, 0755)
	}

	if err := fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.IOError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.IOError{Op: "create", Path: target, Err: err}
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.IOError{Op: "write", Path: target, Err: err}
	}
	if err := out.Close(); err != nil {
		return errors.IOError{Op: "close", Path: target, Err: err}
	}

	modTime := entry.Modified
	return fs.Chtimes(target, modTime, modTime)
}

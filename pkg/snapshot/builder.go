package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/errors"
)

// Mocked out for unit testing.
var fs afero.Fs = afero.NewOsFs()

// File is a save file selected for capture.
type File struct {
	// RelPath is the slash-separated path relative to the watch root. It's
	// the name of the file inside the archive.
	RelPath string

	// ContentsPath is the path that can be opened by this process.
	ContentsPath string

	ModTime time.Time
	Size    int64
}

// Result is the output of a scan or build.
type Result struct {
	// Files are sorted by RelPath.
	Files       []File
	Fingerprint string
	TotalBytes  int64
}

// Scan enumerates the files under root matched by selectors and computes
// their fingerprint without writing an archive.
func Scan(root string, selectors []string) (Result, error) {
	files, err := collect(root, selectors)
	if err != nil {
		return Result{}, err
	}
	return process(files, nil)
}

// Build enumerates the files under root matched by selectors, and writes
// them to a compressed archive at dst while computing their fingerprint.
// Nothing is written if no files match.
func Build(root string, selectors []string, dst string) (Result, error) {
	files, err := collect(root, selectors)
	if err != nil {
		return Result{}, err
	}

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Result{}, errors.IOError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
	}

	tmp := dst + ".partial"
	out, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return Result{}, errors.IOError{Op: "create", Path: tmp, Err: err}
	}

	archive := zip.NewWriter(out)
	result, err := process(files, archive)
	if err == nil {
		err = archive.Close()
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = errors.IOError{Op: "close", Path: tmp, Err: closeErr}
	}
	if err != nil {
		fs.Remove(tmp)
		return Result{}, err
	}

	if err := fs.Rename(tmp, dst); err != nil {
		fs.Remove(tmp)
		return Result{}, errors.IOError{Op: "rename", Path: dst, Err: err}
	}
	return result, nil
}

// Fingerprint returns the content fingerprint of files, in whatever order
// they're given.
func Fingerprint(files []File) (string, error) {
	sorted := append([]File{}, files...)
	sortFiles(sorted)
	result, err := process(sorted, nil)
	if err != nil {
		return "", err
	}
	return result.Fingerprint, nil
}

func collect(root string, selectors []string) ([]File, error) {
	matcher, err := NewMatcher(selectors)
	if err != nil {
		return nil, err
	}

	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.IOError{Op: "stat", Path: root, Err: err}
	}
	if !fi.IsDir() {
		return nil, errors.IOError{Op: "scan", Path: root, Err: errors.New("not a directory")}
	}

	var files []File
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.IOError{Op: "walk", Path: path, Err: err}
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(relPath, "..") {
			// This shouldn't happen because `path` is always a child of `root`.
			return errors.WithContext(err, "normalized path")
		}
		relPath = filepath.ToSlash(relPath)

		if !matcher.Match(relPath) {
			return nil
		}

		files = append(files, File{
			RelPath:      relPath,
			ContentsPath: path,
			ModTime:      fi.ModTime(),
			Size:         fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, errors.NoFilesFound{Root: root}
	}

	// Sort so that the fingerprint and the archive don't depend on the order
	// the filesystem returned the entries in.
	sortFiles(files)
	return files, nil
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].RelPath < files[j].RelPath
	})
}

// process hashes every file and, if archive is non-nil, copies it into the
// archive in the same pass.
func process(files []File, archive *zip.Writer) (Result, error) {
	hasher := sha256.New()
	var total int64
	for _, f := range files {
		writeHeader(hasher, f)

		var dst io.Writer = hasher
		if archive != nil {
			header := &zip.FileHeader{
				Name:     f.RelPath,
				Method:   zip.Deflate,
				Modified: f.ModTime,
			}
			header.SetMode(0644)
			entry, err := archive.CreateHeader(header)
			if err != nil {
				return Result{}, errors.WithContext(err, fmt.Sprintf("archive %q", f.RelPath))
			}
			dst = io.MultiWriter(hasher, entry)
		}

		n, err := copyFile(dst, f.ContentsPath)
		if err != nil {
			return Result{}, err
		}
		if n != f.Size {
			return Result{}, errors.WithContext(errors.ErrFileChanged, f.RelPath)
		}
		total += n
	}

	return Result{
		Files:       files,
		Fingerprint: hex.EncodeToString(hasher.Sum(nil)),
		TotalBytes:  total,
	}, nil
}

// writeHeader writes the length-framed path and modification time of f, so
// that no two distinct file sets produce the same byte stream.
func writeHeader(h hash.Hash, f File) {
	fmt.Fprintf(h, "%d:%s\n%d\n%d:", len(f.RelPath), f.RelPath,
		f.ModTime.UnixNano()/int64(time.Millisecond), f.Size)
}

func copyFile(dst io.Writer, path string) (int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, errors.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, errors.IOError{Op: "read", Path: path, Err: err}
	}
	return n, nil
}

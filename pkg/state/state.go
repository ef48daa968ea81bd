// Package state owns the application's in-memory state: the durable catalog
// of entities plus the runtime-only fields (whether each game is running).
//
// The durable part is persisted as a single JSON document that is read in
// full, mutated in memory, and rewritten in full on every change. Every
// savesync process on a device shares the document, so each change is made
// under a file lock and starts from the copy on disk.
package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/savesync/pkg/catalog"
	"github.com/sidkik/savesync/pkg/errors"
)

// Mocked out for unit testing.
var (
	fs          = afero.NewOsFs()
	newFileLock = newFlock
)

type fileLocker interface {
	Lock() error
	Unlock() error
}

func newFlock(path string) fileLocker {
	return flock.New(path)
}

// Runtime holds the volatile fields of an entity. They're never persisted.
type Runtime struct {
	Running bool

	// StartedAt is when the current play session started. It's the zero
	// time when the game isn't running.
	StartedAt time.Time
}

// State is the single owner of the catalog document and runtime fields.
type State struct {
	lock    sync.Mutex
	path    string
	device  string
	doc     catalog.Document
	runtime map[string]Runtime

	now func() time.Time
}

// New returns an empty State. If path is non-empty, every change is written
// to it.
func New(path, device string) *State {
	return &State{
		path:    path,
		device:  device,
		doc:     catalog.Document{Version: catalog.CurrentVersion},
		runtime: map[string]Runtime{},
		now:     time.Now,
	}
}

// Load reads the state document at path. A missing file yields an empty
// State.
func Load(path, device string) (*State, error) {
	s := New(path, device)
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// reloadLocked replaces the in-memory document with the one on disk, which
// another process may have changed. A missing file keeps the in-memory
// document. The caller must hold s.lock.
func (s *State) reloadLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := afero.ReadFile(fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IOError{Op: "read", Path: s.path, Err: err}
	}

	doc, err := catalog.Unmarshal(data)
	if err != nil {
		return errors.WithContext(err, "parse state document")
	}
	s.doc = doc
	return nil
}

// Entity returns a copy of the entity with the given id.
func (s *State) Entity(id string) (catalog.Entity, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.reloadLocked(); err != nil {
		return catalog.Entity{}, err
	}

	e, ok := s.doc.Find(id)
	if !ok {
		return catalog.Entity{}, errors.NotFound{Kind: "entity", Name: id}
	}
	return e.Copy(), nil
}

// Entities returns a copy of every entity.
func (s *State) Entities() []catalog.Entity {
	return s.Catalog().Entities
}

// Catalog returns a copy of the durable document.
func (s *State) Catalog() catalog.Document {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.reloadLocked(); err != nil {
		log.WithError(err).Warn("Failed to reload state. Using the last copy read.")
	}
	return s.doc.Copy()
}

// Update applies fn to the latest document on disk and persists the result.
// If fn or the write fails, the document is left unchanged.
func (s *State) Update(fn func(doc *catalog.Document) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}

	updated := s.doc.Copy()
	if err := fn(&updated); err != nil {
		return err
	}

	// The document always names the device that wrote it last.
	updated.UpdatedAt = s.now()
	if s.device != "" {
		updated.Device = s.device
	}
	if err := s.persist(updated); err != nil {
		return err
	}
	s.doc = updated
	return nil
}

// UpdateEntity applies fn to the entity with the given id and persists the
// result.
func (s *State) UpdateEntity(id string, fn func(e *catalog.Entity) error) error {
	return s.Update(func(doc *catalog.Document) error {
		for i := range doc.Entities {
			if doc.Entities[i].ID == id {
				return fn(&doc.Entities[i])
			}
		}
		return errors.NotFound{Kind: "entity", Name: id}
	})
}

// Register adds the given entities, or updates the resolver-owned fields
// (name, watch root, selectors, executable) of entities that already exist.
// Durable history such as the latest snapshot pointers is kept.
func (s *State) Register(entities ...catalog.Entity) error {
	return s.Update(func(doc *catalog.Document) error {
		for _, e := range entities {
			found := false
			for i := range doc.Entities {
				if doc.Entities[i].ID != e.ID {
					continue
				}
				found = true
				doc.Entities[i].Name = e.Name
				doc.Entities[i].WatchRoot = e.WatchRoot
				doc.Entities[i].FileSelectors = append([]string(nil), e.FileSelectors...)
				doc.Entities[i].Executable = e.Executable
			}
			if !found {
				doc.Entities = append(doc.Entities, e.Copy())
			}
		}
		doc.WatchRoots = watchRoots(doc.Entities)
		return nil
	})
}

// MergeCatalog merges a document read from the backup store into the
// current state. See catalog.Merge for the rules.
func (s *State) MergeCatalog(incoming catalog.Document) error {
	return s.Update(func(doc *catalog.Document) error {
		*doc = catalog.Merge(*doc, incoming)
		return nil
	})
}

// Runtime returns the runtime fields of an entity.
func (s *State) Runtime(id string) Runtime {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.runtime[id]
}

// SetRuntime replaces the runtime fields of an entity. Runtime fields aren't
// persisted.
func (s *State) SetRuntime(id string, rt Runtime) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.runtime[id] = rt
}

// lockFile takes the lock that serializes writers of the document across
// processes.
func (s *State) lockFile() (func(), error) {
	if s.path == "" {
		return func() {}, nil
	}

	dir := filepath.Dir(s.path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	lockPath := s.path + ".lock"
	lock := newFileLock(lockPath)
	if err := lock.Lock(); err != nil {
		return nil, errors.IOError{Op: "lock", Path: lockPath, Err: err}
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).WithField("path", lockPath).Warn("Failed to unlock state document")
		}
	}, nil
}

func (s *State) persist(doc catalog.Document) error {
	if s.path == "" {
		return nil
	}

	data, err := catalog.Marshal(doc)
	if err != nil {
		return errors.WithContext(err, "marshal state")
	}

	if err := fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.IOError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
	}

	// Write to a temporary file first so that a crash mid-write can't leave
	// a truncated state document behind.
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return errors.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := fs.Rename(tmp, s.path); err != nil {
		return errors.IOError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}

func watchRoots(entities []catalog.Entity) []string {
	seen := map[string]struct{}{}
	var roots []string
	for _, e := range entities {
		if _, ok := seen[e.WatchRoot]; ok || e.WatchRoot == "" {
			continue
		}
		seen[e.WatchRoot] = struct{}{}
		roots = append(roots, e.WatchRoot)
	}
	return roots
}

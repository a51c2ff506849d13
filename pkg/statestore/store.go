package statestore

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

// Keys of the persisted entries
const (
	KeyCreationTime = "log_file_creation_time"
	KeyPendingFile  = "log_temp_file_name"
)

// Store keeps the state that must survive process restarts: the creation
// time of the active file and the path of the pending rotated file.
type Store interface {
	CreationTime() (time.Time, bool)
	SetCreationTime(t time.Time) error
	PendingRotated() string
	SetPendingRotated(path string) error
}

// FileStore persists entries as a small YAML document, replaced atomically on every write
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// OpenFileStore loads the store at path, starting empty when the file does not exist
func OpenFileStore(path string) (*FileStore, error) {
	store := &FileStore{
		path:    path,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return store, nil
	case err != nil:
		return nil, errors.NewIOError("failed to read state file", err).WithContext("path", path)
	}

	if err := yaml.Unmarshal(data, &store.entries); err != nil {
		return nil, errors.NewValidationError("failed to parse state file", err).WithContext("path", path)
	}
	if store.entries == nil {
		store.entries = make(map[string]string)
	}
	return store, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) CreationTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return parseMillis(s.entries[KeyCreationTime])
}

func (s *FileStore) SetCreationTime(t time.Time) error {
	return s.set(KeyCreationTime, strconv.FormatInt(t.UnixMilli(), 10))
}

func (s *FileStore) PendingRotated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[KeyPendingFile]
}

func (s *FileStore) SetPendingRotated(path string) error {
	return s.set(KeyPendingFile, path)
}

func (s *FileStore) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.entries[key]
	s.entries[key] = value
	if err := s.persist(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) persist() error {
	data, err := yaml.Marshal(s.entries)
	if err != nil {
		return errors.NewInternalError("failed to encode state", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.NewIOError("failed to create state directory", err).WithContext("path", s.path)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.NewIOError("failed to write state file", err).WithContext("path", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.NewIOError("failed to write state file", err).WithContext("path", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.NewIOError("failed to sync state file", err).WithContext("path", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.NewIOError("failed to close state file", err).WithContext("path", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.NewIOError("failed to replace state file", err).WithContext("path", s.path)
	}
	return nil
}

// MemoryStore is a Store without persistence, for hosts that opt out of it
type MemoryStore struct {
	mu       sync.Mutex
	created  time.Time
	pending  string
	hasValue bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreationTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.hasValue
}

func (s *MemoryStore) SetCreationTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = time.UnixMilli(t.UnixMilli())
	s.hasValue = true
	return nil
}

func (s *MemoryStore) PendingRotated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *MemoryStore) SetPendingRotated(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = path
	return nil
}

func parseMillis(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/iotalerts/internal/errors"
)

// BrokerRecord is the last broker the monitor connected to successfully.
type BrokerRecord struct {
	URI      string    `yaml:"uri"`
	Username string    `yaml:"username,omitempty"`
	Password string    `yaml:"password,omitempty"`
	SavedAt  time.Time `yaml:"saved_at"`
}

// FileBrokerStore persists a BrokerRecord as YAML. Writes go through a
// temporary file and rename so a crash never leaves a truncated file.
type FileBrokerStore struct {
	path string
	mu   sync.Mutex
}

// NewFileBrokerStore returns a store backed by path. The file is created on
// first Save.
func NewFileBrokerStore(path string) *FileBrokerStore {
	return &FileBrokerStore{path: path}
}

// Path returns the backing file path.
func (s *FileBrokerStore) Path() string {
	return s.path
}

// Load returns the stored record. ok is false when nothing has been saved.
func (s *FileBrokerStore) Load() (rec BrokerRecord, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileBrokerStore) loadLocked() (BrokerRecord, bool, error) {
	var rec BrokerRecord

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "load_broker_settings").
			Build()
	}

	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, false, errors.New(fmt.Errorf("parse %s: %w", s.path, err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("operation", "load_broker_settings").
			Build()
	}
	return rec, rec.URI != "", nil
}

// Save replaces the stored record.
func (s *FileBrokerStore) Save(rec BrokerRecord) error {
	if rec.URI == "" {
		return errors.ValidationError("broker URI is required")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal broker settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(data)
}

// Clear removes any stored record. Clearing an empty store is not an error.
func (s *FileBrokerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "clear_broker_settings").
			Build()
	}
	return nil
}

// LastBrokerURI returns the stored broker URI or "" when none is stored or
// the file cannot be read.
func (s *FileBrokerStore) LastBrokerURI() string {
	rec, ok, err := s.Load()
	if err != nil || !ok {
		return ""
	}
	return rec.URI
}

func (s *FileBrokerStore) writeLocked(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".broker-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.New(err).
			Component("configuration").
			Category(errors.CategoryFileIO).
			Context("operation", "save_broker_settings").
			Build()
	}
	return nil
}

// Package storage provides data persistence for the proxy: an opaque
// blob file store for the config/state documents, and a best-effort
// Redis mirror for the in-memory log ring.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// FileStore persists named JSON documents under a data directory using
// atomic whole-file replacement. It is the only component that touches
// the on-disk config/state documents; it does not interpret their
// contents beyond (de)serializing to/from the caller's value.
//
// A single process-wide mutex stands in for the "exclusive writer lock"
// called for in the design: this is a single-process server (no
// cross-instance coordination), so a flock would protect against
// nothing a sync.Mutex doesn't already guarantee.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a file store rooted at dir, creating the
// directory if it does not already exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named document into v. If the file does not exist,
// v is left unmodified and Load returns (false, nil) so callers can
// apply their own default.
func (s *FileStore) Load(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Store serializes v and atomically replaces the named document on
// disk. Concurrent readers never observe a partially written file:
// renameio writes to a temp file in the same directory and renames it
// into place once the write is fsynced.
func (s *FileStore) Store(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(s.path(name), data, 0o644)
}

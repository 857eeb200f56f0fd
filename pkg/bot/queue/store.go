package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists ActionRecords so in-flight approvals survive a restart.
type Store interface {
	// Save writes one record durably.
	Save(rec *ActionRecord) error

	// LoadAll returns every persisted record.
	LoadAll() ([]*ActionRecord, error)
}

// FileStore implements Store using a single JSON file holding all records
// keyed by id. Writes go through a temp file and rename so a crash never
// leaves a truncated store behind.
type FileStore struct {
	path string
	data map[string]*ActionRecord
	mu   sync.Mutex
}

// NewFileStore creates a file-backed record store at path, loading any
// existing contents.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: make(map[string]*ActionRecord),
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load record store from %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file struct {
		Version string                   `json:"version"`
		Records map[string]*ActionRecord `json:"records"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to decode record store: %w", err)
	}

	if file.Records != nil {
		s.data = file.Records
	}
	return nil
}

// Save writes the record and flushes the full store to disk.
func (s *FileStore) Save(rec *ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[rec.ID] = rec
	return s.flushLocked()
}

// LoadAll returns every persisted record.
func (s *FileStore) LoadAll() ([]*ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ActionRecord, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) flushLocked() error {
	file := struct {
		Version string                   `json:"version"`
		Records map[string]*ActionRecord `json:"records"`
	}{
		Version: "1.0",
		Records: s.data,
	}

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write record store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace record store: %w", err)
	}
	return nil
}

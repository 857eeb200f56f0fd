package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SeenSet is a persisted set of source refs the scanner has already
// handled. It keeps re-scans of the same feed from re-enqueuing posts
// whose records have since reached a terminal state, which the queue's
// duplicate guard alone would allow.
type SeenSet struct {
	mu   sync.RWMutex
	path string
	refs map[string]bool
}

// NewSeenSet loads the set from path, starting empty when the file does
// not exist yet.
func NewSeenSet(path string) (*SeenSet, error) {
	s := &SeenSet{
		path: path,
		refs: make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seen set: %w", err)
	}

	var refs []string
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to parse seen set: %w", err)
	}
	for _, ref := range refs {
		s.refs[ref] = true
	}
	return s, nil
}

// Contains reports whether the source ref was already handled.
func (s *SeenSet) Contains(sourceRef string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[sourceRef]
}

// Add marks the source ref as handled and persists the set.
func (s *SeenSet) Add(sourceRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[sourceRef] {
		return nil
	}
	s.refs[sourceRef] = true
	return s.flushLocked()
}

// Len returns the number of handled refs.
func (s *SeenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}

func (s *SeenSet) flushLocked() error {
	refs := make([]string, 0, len(s.refs))
	for ref := range s.refs {
		refs = append(refs, ref)
	}

	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seen set: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create seen set directory: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write seen set: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace seen set: %w", err)
	}
	return nil
}

package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SlotState is the durable portion of an IdentitySlot's counters.
type SlotState struct {
	UsedToday           int       `json:"used_today"`
	Day                 string    `json:"day"`
	LastActionAt        time.Time `json:"last_action_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpenUntil    time.Time `json:"circuit_open_until,omitempty"`
}

func snapshotSlot(slot *IdentitySlot) SlotState {
	return SlotState{
		UsedToday:           slot.UsedToday,
		Day:                 slot.day,
		LastActionAt:        slot.LastActionAt,
		ConsecutiveFailures: slot.consecutiveFailures,
		CircuitOpenUntil:    slot.circuitOpenUntil,
	}
}

func (s SlotState) applyTo(slot *IdentitySlot) {
	slot.UsedToday = s.UsedToday
	slot.day = s.Day
	slot.LastActionAt = s.LastActionAt
	slot.consecutiveFailures = s.ConsecutiveFailures
	slot.circuitOpenUntil = s.CircuitOpenUntil
}

// SlotStore persists identity counters across restarts.
type SlotStore interface {
	Save(states map[string]SlotState) error
	Load() (map[string]SlotState, error)
}

// FileSlotStore implements SlotStore with a single JSON file, written
// through a temp file and rename.
type FileSlotStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSlotStore creates a file-backed slot store at path.
func NewFileSlotStore(path string) *FileSlotStore {
	return &FileSlotStore{path: path}
}

// Save writes all slot counters.
func (s *FileSlotStore) Save(states map[string]SlotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode slot store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create slot store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write slot store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace slot store: %w", err)
	}
	return nil
}

// Load reads all slot counters. A missing file yields an empty map.
func (s *FileSlotStore) Load() (map[string]SlotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]SlotState{}, nil
		}
		return nil, fmt.Errorf("failed to read slot store: %w", err)
	}

	states := make(map[string]SlotState)
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("failed to decode slot store: %w", err)
	}
	return states, nil
}

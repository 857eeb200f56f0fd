package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is one append-only activity record. The ledger exists for
// audit; nothing in the core reads it back.
type LedgerEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"` // admission | denial | outcome | circuit
	Identity string    `json:"identity,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Ledger receives activity entries from the governor.
type Ledger interface {
	Append(entry LedgerEntry) error
}

// FileLedger appends entries as JSON lines to a single file.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

// NewFileLedger creates (or reopens) an append-only ledger at path.
func NewFileLedger(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileLedger{path: path}, nil
}

// Append writes one entry. The entry id and timestamp are filled in if
// the caller left them empty.
func (l *FileLedger) Append(entry LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// NopLedger discards all entries.
type NopLedger struct{}

// Append discards the entry.
func (NopLedger) Append(LedgerEntry) error { return nil }

package evolution

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/axon/pkg/errors"
)

// AuditEntry is one line in the evolution audit trail.
type AuditEntry struct {
	ProposalID string    `json:"proposal_id"`
	GraphID    string    `json:"graph_id"`
	FromID     string    `json:"from_id,omitempty"`
	Promoted   bool      `json:"promoted"`
	Rollback   bool      `json:"rollback,omitempty"`
	Violations []string  `json:"violations,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditLog records every evolution proposal, promoted or rejected.
type AuditLog interface {
	Record(entry *AuditEntry) error
}

// NopAudit discards entries.
type NopAudit struct{}

// Record implements AuditLog.
func (NopAudit) Record(entry *AuditEntry) error { return nil }

// FileAuditLog appends entries as JSON lines. Appends are serialized and
// flushed per entry so the trail survives a crash mid-proposal.
type FileAuditLog struct {
	mu   sync.Mutex
	path string
}

// NewFileAuditLog creates a JSONL audit log at path, creating parent
// directories as needed.
func NewFileAuditLog(path string) (*FileAuditLog, error) {
	if path == "" {
		return nil, &errors.ConfigError{Key: "evolution.audit_path", Reason: "path is required"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &errors.PersistenceError{Store: "audit", Cause: err}
	}
	return &FileAuditLog{path: path}, nil
}

// Record implements AuditLog.
func (f *FileAuditLog) Record(entry *AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &errors.PersistenceError{Store: "audit", Cause: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &errors.PersistenceError{Store: "audit", Cause: err}
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return &errors.PersistenceError{Store: "audit", Cause: err}
	}
	return file.Sync()
}

// Entries reads the full audit trail back, oldest first.
func (f *FileAuditLog) Entries() ([]*AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errors.PersistenceError{Store: "audit", Cause: err}
	}

	var entries []*AuditEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			return nil, &errors.PersistenceError{Store: "audit", Cause: err}
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

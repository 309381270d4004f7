// Package store persists an analysis session's identity across process
// restarts. Only identity is stored, never derived results, so a restart
// re-fetches authoritative data instead of resurrecting stale state.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const slotFilename = "session.json"

// Record is the minimal persisted session identity.
type Record struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable single-slot session identity store.
type Store interface {
	// Save persists the record, overwriting any prior value.
	Save(rec Record) error
	// Load returns the last-saved record, or nil if absent. Malformed stored
	// data is treated as absent: the slot is cleared and nil returned.
	Load() (*Record, error)
	// Clear removes the slot. Clearing an absent slot is not an error.
	Clear() error
}

// FileStore keeps the slot as a JSON file on an injected filesystem.
// Tests substitute afero.NewMemMapFs().
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
}

func NewFileStore(fs afero.Fs, dir string, logger *zap.Logger) *FileStore {
	return &FileStore{fs: fs, dir: dir, logger: logger}
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, slotFilename)
}

func (s *FileStore) Save(rec Record) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.path(), data, 0o644)
}

func (s *FileStore) Load() (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt slot: self-heal by clearing it and reporting absence.
		s.logger.Warn("Persisted session state is malformed, clearing slot", zap.Error(err))
		if clearErr := s.Clear(); clearErr != nil {
			s.logger.Warn("Failed to clear corrupt session slot", zap.Error(clearErr))
		}
		return nil, nil
	}
	if rec.SessionID == "" {
		// Schema drift: missing fields are treated the same as unparsable data.
		s.logger.Warn("Persisted session state is missing its identifier, clearing slot")
		if clearErr := s.Clear(); clearErr != nil {
			s.logger.Warn("Failed to clear corrupt session slot", zap.Error(clearErr))
		}
		return nil, nil
	}
	return &rec, nil
}

func (s *FileStore) Clear() error {
	err := s.fs.Remove(s.path())
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

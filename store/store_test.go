package store

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	fs := afero.NewMemMapFs()
	return NewFileStore(fs, ".insightforge", logger), fs
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := s.Save(Record{SessionID: "sess-1", CreatedAt: created}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a record, got nil")
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", rec.SessionID, "sess-1")
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, created)
	}
}

func TestSaveOverwritesPriorRecord(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save(Record{SessionID: "old"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(Record{SessionID: "new"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil || rec.SessionID != "new" {
		t.Errorf("Load = %+v, want SessionID %q", rec, "new")
	}
}

func TestLoadAbsentSlot(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil record for absent slot, got %+v", rec)
	}
}

func TestLoadSelfHealsCorruptSlot(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "not json"},
		{name: "empty object", content: "{}"},
		{name: "missing id", content: `{"created_at":"2026-08-30T12:00:00Z"}`},
		{name: "wrong types", content: `{"session_id":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fs := newTestStore(t)
			if err := afero.WriteFile(fs, s.path(), []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to seed slot: %v", err)
			}

			rec, err := s.Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if rec != nil {
				t.Errorf("Expected nil record for corrupt slot, got %+v", rec)
			}

			exists, err := afero.Exists(fs, s.path())
			if err != nil {
				t.Fatalf("Exists failed: %v", err)
			}
			if exists {
				t.Error("Corrupt slot was not cleared")
			}
		})
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear of absent slot failed: %v", err)
	}

	if err := s.Save(Record{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Second clear failed: %v", err)
	}

	rec, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil record after clear, got %+v", rec)
	}
}

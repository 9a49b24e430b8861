// Package checkpointstore holds durable domain.CheckpointStore
// implementations: a JSON file, SQLite and Redis.
package checkpointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"discovery-agent/internal/domain"
)

const fileName = "checkpoints.json"

// FileStore persists checkpoints as a single JSON document, rewritten
// atomically on every change.
type FileStore struct {
	dir string
	mu  sync.RWMutex
	cps map[string]domain.Checkpoint
}

var (
	_ domain.CheckpointStore         = (*FileStore)(nil)
	_ domain.SessionCheckpointLister = (*FileStore)(nil)
	_ domain.CheckpointPurger        = (*FileStore)(nil)
)

// NewFileStore creates a file-backed store under dir, loading any
// checkpoints already there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("checkpointstore: create dir: %w", err)
	}
	s := &FileStore{dir: dir, cps: make(map[string]domain.Checkpoint)}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("checkpointstore: load: %w", err)
	}
	return s, nil
}

func (s *FileStore) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.ID] = cp
	return s.persist()
}

func (s *FileStore) Load(_ context.Context, id string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[id]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cps[id]; !ok {
		return false, nil
	}
	delete(s.cps, id)
	return true, s.persist()
}

// LoadSession returns a session's checkpoints ordered by step.
func (s *FileStore) LoadSession(_ context.Context, sessionID string) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Checkpoint
	for _, cp := range s.cps {
		if cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	sortByStep(out)
	return out, nil
}

// PurgeExpired removes checkpoints past their expiry at now.
func (s *FileStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cp := range s.cps {
		if cp.Expired(now) {
			delete(s.cps, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persist()
}

// Ping verifies the directory is writable.
func (s *FileStore) Ping(context.Context) error {
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return domain.WrapOp("ping", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close is a no-op; every change is already on disk.
func (s *FileStore) Close() error { return nil }

// --- persistence ---

func (s *FileStore) path() string {
	return filepath.Join(s.dir, fileName)
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var cps []domain.Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		return fmt.Errorf("parse %s: %w", fileName, err)
	}
	for _, cp := range cps {
		s.cps[cp.ID] = cp
	}
	return nil
}

func (s *FileStore) persist() error {
	cps := make([]domain.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].ID < cps[j].ID })
	return writeJSON(s.path(), cps)
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

func sortByStep(cps []domain.Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Step != cps[j].Step {
			return cps[i].Step < cps[j].Step
		}
		return cps[i].Timestamp.Before(cps[j].Timestamp)
	})
}

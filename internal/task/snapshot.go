package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "patzeagent/pkg/logx"
)

// SnapshotSource records why a snapshot was taken.
type SnapshotSource string

const (
	SnapshotAdd      SnapshotSource = "add"
	SnapshotUpdate   SnapshotSource = "update"
	SnapshotRemove   SnapshotSource = "remove"
	SnapshotRollback SnapshotSource = "rollback"
	SnapshotManual   SnapshotSource = "manual"
)

// SnapshotMeta is one entry in the snapshot index.
type SnapshotMeta struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"createdAt"`
	Source      SnapshotSource `json:"source"`
	Description string         `json:"description,omitempty"`
	TaskCount   int            `json:"taskCount"`
}

type snapshotIndex struct {
	Version   int            `json:"version"`
	Snapshots []SnapshotMeta `json:"snapshots"`
}

// SnapshotStore keeps a capped, append-ordered history of full task-list
// states under dir: an index file plus one body file per snapshot.
// Capture is called synchronously before every mutation, so a restore
// always reaches the exact pre-mutation state.
type SnapshotStore struct {
	dir string
	cap int
	log logx.Logger

	mu     sync.Mutex
	index  []SnapshotMeta
	loaded bool
	lastID string
	seq    int
}

func NewSnapshotStore(dir string, capN int, log logx.Logger) *SnapshotStore {
	if capN <= 0 {
		capN = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SnapshotStore{dir: dir, cap: capN, log: log}
}

func (s *SnapshotStore) indexPath() string         { return filepath.Join(s.dir, "index.json") }
func (s *SnapshotStore) bodyPath(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *SnapshotStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	b, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot index: %w", err)
	}
	var idx snapshotIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return fmt.Errorf("decode snapshot index: %w", err)
	}
	s.index = idx.Snapshots
	s.loaded = true
	return nil
}

func (s *SnapshotStore) saveIndexLocked() error {
	b, err := json.MarshalIndent(snapshotIndex{Version: 1, Snapshots: s.index}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath(), b)
}

// Capture persists the given task list as a new snapshot and trims the
// history from the front once over the cap.
func (s *SnapshotStore) Capture(tasks []*Task, source SnapshotSource, description string) (SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return SnapshotMeta{}, err
	}

	now := time.Now()
	id := fmt.Sprintf("%d-%s", now.UnixMilli(), source)
	// Millisecond collisions are possible under test load; disambiguate.
	if id == s.lastID || s.hasIDLocked(id) {
		s.seq++
		id = fmt.Sprintf("%s-%d", id, s.seq)
	}
	s.lastID = id

	body, err := json.MarshalIndent(taskFile{Version: taskFileVersion, Tasks: tasks}, "", "  ")
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("encode snapshot body: %w", err)
	}
	if err := writeFileAtomic(s.bodyPath(id), body); err != nil {
		return SnapshotMeta{}, fmt.Errorf("write snapshot body: %w", err)
	}

	meta := SnapshotMeta{
		ID:          id,
		CreatedAt:   now,
		Source:      source,
		Description: description,
		TaskCount:   len(tasks),
	}
	s.index = append(s.index, meta)

	// Oldest-first eviction, body file included.
	for len(s.index) > s.cap {
		evicted := s.index[0]
		s.index = s.index[1:]
		if err := os.Remove(s.bodyPath(evicted.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("snapshot body eviction failed", logx.String("snapshot", evicted.ID), logx.Err(err))
		}
	}

	if err := s.saveIndexLocked(); err != nil {
		return SnapshotMeta{}, fmt.Errorf("write snapshot index: %w", err)
	}
	return meta, nil
}

func (s *SnapshotStore) hasIDLocked(id string) bool {
	for _, m := range s.index {
		if m.ID == id {
			return true
		}
	}
	return false
}

// List returns the index, oldest first.
func (s *SnapshotStore) List() ([]SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]SnapshotMeta, len(s.index))
	copy(out, s.index)
	return out, nil
}

// Load reads the full task list captured in snapshot id.
func (s *SnapshotStore) Load(id string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if !s.hasIDLocked(id) {
		return nil, fmt.Errorf("snapshot %q not found", id)
	}
	b, err := os.ReadFile(s.bodyPath(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body %s: %w", id, err)
	}
	var tf taskFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("decode snapshot body %s: %w", id, err)
	}
	return tf.Tasks, nil
}

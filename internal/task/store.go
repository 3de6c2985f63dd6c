package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logx "patzeagent/pkg/logx"
)

const taskFileVersion = 1

// Store persists the current task list as a single JSON document.
// Writes go through a temp file and an atomic rename so a concurrent
// reader never observes a partial write.
type Store struct {
	path string
	log  logx.Logger
}

type taskFile struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

// Load reads the persisted task list. A missing file is an empty list.
// Any task found in running status is forced back to enabled: running is
// never a valid persisted state across a restart.
func (s *Store) Load() ([]*Task, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("decode task file %s: %w", s.path, err)
	}
	for _, t := range tf.Tasks {
		if t.Status == StatusRunning {
			s.log.Warn("task was persisted as running; resetting to enabled", logx.String("task", t.ID))
			t.Status = StatusEnabled
		}
	}
	return tf.Tasks, nil
}

func (s *Store) Save(tasks []*Task) error {
	if tasks == nil {
		tasks = []*Task{}
	}
	b, err := json.MarshalIndent(taskFile{Version: taskFileVersion, Tasks: tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task file: %w", err)
	}
	return writeFileAtomic(s.path, b)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

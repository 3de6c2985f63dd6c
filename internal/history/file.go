package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"patzeagent/internal/task"
	logx "patzeagent/pkg/logx"
)

// fileStore appends records as JSON Lines and keeps the tail in memory.
// Once the file grows past twice the cap it is compacted in place
// (rewrite tail to a temp file, atomic rename).
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	f       *os.File
	path    string
	cap     int
	records []task.RunRecord
	writes  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	records, err := loadRecords(cfg.Path, cfg.Cap)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:     log,
		f:       f,
		path:    cfg.Path,
		cap:     cfg.Cap,
		records: records,
	}, nil
}

func loadRecords(path string, capN int) ([]task.RunRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []task.RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r task.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail line after a crash; skip it.
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) > capN {
		out = out[len(out)-capN:]
	}
	return out, nil
}

func (s *fileStore) Append(r task.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history store closed")
	}

	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.records = append(s.records, r)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}

	s.writes++
	if s.writes >= s.cap {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		} else {
			s.writes = 0
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// Reopen the live handle against the compacted file.
	_ = s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	return nil
}

func (s *fileStore) Recent(taskID string, n int) ([]task.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = 50
	}
	out := make([]task.RunRecord, 0, n)
	// Newest first.
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		if taskID != "" && s.records[i].TaskID != taskID {
			continue
		}
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

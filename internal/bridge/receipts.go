package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const receiptFileVersion = 1

// StoredReceipt remembers that a command was executed and what it produced,
// so a redelivered command is answered without running it again.
type StoredReceipt struct {
	CommandID string        `json:"commandId"`
	MachineID string        `json:"machineId"`
	Result    CommandResult `json:"result"`
	StoredAt  time.Time     `json:"storedAt"`
}

type receiptFile struct {
	Version  int             `json:"version"`
	Receipts []StoredReceipt `json:"receipts"`
}

// ReceiptStore is a small persisted ring of execution receipts, oldest
// evicted past cap. Writes rewrite the whole file atomically; the set is
// bounded so that stays cheap.
type ReceiptStore struct {
	path string
	cap  int

	mu       sync.Mutex
	receipts []StoredReceipt
	byID     map[string]int
}

func OpenReceiptStore(path string, cap int) (*ReceiptStore, error) {
	if cap <= 0 {
		cap = 500
	}
	s := &ReceiptStore{path: path, cap: cap, byID: map[string]int{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt file: %w", err)
	}
	var rf receiptFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("decode receipt file %s: %w", path, err)
	}
	s.receipts = rf.Receipts
	if n := len(s.receipts) - cap; n > 0 {
		s.receipts = s.receipts[n:]
	}
	for i, r := range s.receipts {
		s.byID[r.CommandID] = i
	}
	return s, nil
}

// Get returns a copy of the receipt for commandID, if one is stored.
func (s *ReceiptStore) Get(commandID string) (StoredReceipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[commandID]
	if !ok {
		return StoredReceipt{}, false
	}
	return s.receipts[i], true
}

// Put stores a receipt and persists the set before returning. A repeated
// command id replaces the earlier receipt in place.
func (s *ReceiptStore) Put(r StoredReceipt) error {
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[r.CommandID]; ok {
		s.receipts[i] = r
	} else {
		s.receipts = append(s.receipts, r)
		if len(s.receipts) > s.cap {
			evicted := s.receipts[0]
			s.receipts = s.receipts[1:]
			delete(s.byID, evicted.CommandID)
		}
		s.reindexLocked()
	}
	return s.saveLocked()
}

// Len reports the number of stored receipts.
func (s *ReceiptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func (s *ReceiptStore) reindexLocked() {
	for i, r := range s.receipts {
		s.byID[r.CommandID] = i
	}
}

func (s *ReceiptStore) saveLocked() error {
	b, err := json.MarshalIndent(receiptFile{Version: receiptFileVersion, Receipts: s.receipts}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode receipt file: %w", err)
	}
	return writeFileAtomic(s.path, b)
}

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

// Package history persists the append-only run log. Two drivers are
// available: a dependency-free JSONL file backend with periodic compaction,
// and a SQLite backend for installations that want queryable history.
package history

import (
	"errors"
	"strings"

	"patzeagent/internal/task"
	logx "patzeagent/pkg/logx"
)

// Store is the run-history API. Append satisfies task.RunSink.
type Store interface {
	Append(r task.RunRecord) error
	Recent(taskID string, n int) ([]task.RunRecord, error)
	Close() error
}

// Config configures the history store.
//
// Driver values:
//   - "file": JSON Lines file, compacted down to Cap records
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string
	Cap    int
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history.path is required")
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 500
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + cfg.Driver)
	}
}

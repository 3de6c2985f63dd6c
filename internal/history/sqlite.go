package history

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"patzeagent/internal/task"
	logx "patzeagent/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cap int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, cap: cfg.Cap, pruneEvery: 100}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Enforce the cap on whatever a previous process left behind.
	if err := st.prune(); err != nil {
		log.Debug("history prune failed", logx.Err(err))
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Append(r task.RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs(task_id, run_id, started_at, ended_at, status, err, duration_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		r.TaskID, r.RunID,
		r.StartedAt.Format(time.RFC3339Nano), r.EndedAt.Format(time.RFC3339Nano),
		string(r.Status), nullStr(r.Error), r.DurationMs,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		if perr := s.prune(); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
	}
	return err
}

// prune keeps only the most recent cap records.
func (s *sqliteStore) prune() error {
	_, err := s.db.Exec(
		`DELETE FROM runs WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM runs) - ?`, s.cap)
	return err
}

func (s *sqliteStore) Recent(taskID string, n int) ([]task.RunRecord, error) {
	if n <= 0 {
		n = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if taskID == "" {
		rows, err = s.db.Query(
			`SELECT task_id, run_id, started_at, ended_at, status, err, duration_ms
			 FROM runs ORDER BY id DESC LIMIT ?`, n)
	} else {
		rows, err = s.db.Query(
			`SELECT task_id, run_id, started_at, ended_at, status, err, duration_ms
			 FROM runs WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, n)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.RunRecord
	for rows.Next() {
		var (
			r                  task.RunRecord
			startedAt, endedAt string
			status             string
			errMsg             sql.NullString
		)
		if err := rows.Scan(&r.TaskID, &r.RunID, &startedAt, &endedAt, &status, &errMsg, &r.DurationMs); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
		r.Status = task.RunStatus(status)
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.prune(); err != nil {
		s.log.Debug("history prune failed", logx.Err(err))
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

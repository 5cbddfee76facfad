package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetsched/internal/task"
	"fleetsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

func openSQLite(cfg Config, log logx.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ms := int64(defaultBusyTimeout)
	if cfg.BusyTimeout > 0 {
		ms = cfg.BusyTimeout.Milliseconds()
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))

	return &Backend{
		Driver: "sqlite",
		Tasks:  &sqliteStore{db: db},
		KV:     &sqliteKV{db: db, now: time.Now, pruneEvery: 500},
		close:  db.Close,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}

// sqliteStore keeps the full record as JSON in body; the other columns exist
// for the due/count queries.
type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Close() error { return nil }

func (s *sqliteStore) Put(ctx context.Context, t *task.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	var next any
	if !t.NextRun.IsZero() {
		next = t.NextRun.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, status, priority_rank, next_run, created_at, body)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, status=excluded.status, priority_rank=excluded.priority_rank,
		   next_run=excluded.next_run, created_at=excluded.created_at, body=excluded.body`,
		t.ID, t.Name, string(t.Status), t.Priority.Rank(), next, t.CreatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return decodeTask(body)
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]*task.Task, error) {
	return s.query(ctx,
		`SELECT body FROM tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY priority_rank DESC, next_run ASC, created_at ASC, id ASC`,
		string(task.StatusScheduled), now.UnixNano(),
	)
}

func (s *sqliteStore) ByStatus(ctx context.Context, st task.Status) ([]*task.Task, error) {
	if st == "" {
		return s.query(ctx, `SELECT body FROM tasks ORDER BY created_at ASC, id ASC`)
	}
	return s.query(ctx, `SELECT body FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(st))
}

func (s *sqliteStore) CountActive(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE name = ? AND status IN (?, ?)`,
		name, string(task.StatusScheduled), string(task.StatusRunning),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active %s: %w", name, err)
	}
	return n, nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTask(body string) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/seantiz/funclite/internal/model"

	_ "modernc.org/sqlite"
)

const createInvocationsTable = `
CREATE TABLE IF NOT EXISTS invocations (
    id          TEXT PRIMARY KEY,
    function    TEXT NOT NULL,
    version     INTEGER NOT NULL,
    tag         TEXT NOT NULL,
    worker_id   TEXT,
    status      TEXT NOT NULL,
    error       TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createInvocationsIndex = `
CREATE INDEX IF NOT EXISTS invocations_function_created
    ON invocations (function, created_at)`

const createWorkerMarksTable = `
CREATE TABLE IF NOT EXISTS worker_marks (
    worker_id TEXT PRIMARY KEY,
    tag       TEXT NOT NULL,
    marked_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct {
		what  string
		query string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create invocations table", createInvocationsTable},
		{"create invocations index", createInvocationsIndex},
		{"create worker marks table", createWorkerMarksTable},
	} {
		if _, err := db.Exec(stmt.query); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordInvocation inserts one invocation record.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv *model.Invocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (
			id, function, version, tag, worker_id, status, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Function, inv.Version, string(inv.Tag), inv.WorkerID,
		inv.Status, inv.Error, inv.DurationMS, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// ListInvocations returns a page of invocations, newest first, with the total
// count. An empty function lists every function.
func (s *SQLiteStore) ListInvocations(ctx context.Context, function string, limit, offset int) ([]*model.Invocation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invocations WHERE ? = '' OR function = ?", function, function,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, function, version, tag, worker_id, status, error, duration_ms, created_at
		FROM invocations WHERE ? = '' OR function = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		function, function, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*model.Invocation
	for rows.Next() {
		inv := &model.Invocation{}
		var tag string
		var workerID, errText sql.NullString
		if err := rows.Scan(
			&inv.ID, &inv.Function, &inv.Version, &tag, &workerID,
			&inv.Status, &errText, &inv.DurationMS, &inv.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Tag = model.Tag(tag)
		inv.WorkerID = workerID.String
		inv.Error = errText.String
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invocations: %w", err)
	}

	return invocations, total, nil
}

// GetInvocationStats aggregates every recorded invocation.
func (s *SQLiteStore) GetInvocationStats(ctx context.Context) (*InvocationStats, error) {
	stats := &InvocationStats{
		CountByStatus: make(map[string]int),
		CountByTag:    make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM invocations",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count invocations: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"tag", stats.CountByTag},
	} {
		if err := s.countBy(ctx, group.column, group.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM invocations GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// MarkWorkerInUse records that a worker was handed out.
func (s *SQLiteStore) MarkWorkerInUse(ctx context.Context, id string, tag model.Tag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_marks (worker_id, tag, marked_at) VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO NOTHING`,
		id, string(tag), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark worker in use: %w", err)
	}
	return nil
}

// WorkerMarks returns the set of workers recorded as in use.
func (s *SQLiteStore) WorkerMarks(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT worker_id FROM worker_marks")
	if err != nil {
		return nil, fmt.Errorf("list worker marks: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan worker mark: %w", err)
		}
		marks[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker marks: %w", err)
	}
	return marks, nil
}

// ClearWorkerMark forgets a worker's mark. Clearing an absent mark is not an error.
func (s *SQLiteStore) ClearWorkerMark(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM worker_marks WHERE worker_id = ?", id); err != nil {
		return fmt.Errorf("clear worker mark: %w", err)
	}
	return nil
}

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/testgate/internal/model"
)

// SQLiteStore persists records in a single executions table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite history requires a path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			verdict TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			payload_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, task_id, status, verdict, started_at, ended_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			verdict = excluded.verdict,
			ended_at = excluded.ended_at,
			payload_json = excluded.payload_json
		WHERE `+statusRankSQL("executions.status")+` <= `+statusRankSQL("excluded.status"),
		rec.RunID,
		rec.TaskID,
		string(rec.Status),
		nullString(rec.Verdict),
		formatTime(rec.StartedAt),
		nullString(formatTime(rec.EndedAt)),
		nullString(string(rec.Payload)),
	)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.RunID, err)
	}
	return nil
}

// statusRankSQL mirrors model.Before so a late write of an earlier status
// never overwrites a later one.
func statusRankSQL(col string) string {
	return `(CASE ` + col + ` WHEN '` + string(model.StatusQueued) + `' THEN 0 WHEN '` +
		string(model.StatusRunning) + `' THEN 1 ELSE 2 END)`
}

const selectColumns = `SELECT run_id, task_id, status, verdict, started_at, ended_at, payload_json FROM executions`

func (s *SQLiteStore) Get(ctx context.Context, runID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListByTask(ctx context.Context, taskID string) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE task_id = ? ORDER BY id DESC`, taskID)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return s.query(ctx, selectColumns+` ORDER BY id DESC`)
	}
	return s.query(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                     Record
		status, started         string
		verdict, ended, payload sql.NullString
	)
	if err := sc.Scan(&rec.RunID, &rec.TaskID, &status, &verdict, &started, &ended, &payload); err != nil {
		return Record{}, err
	}
	rec.Status = model.Status(status)
	rec.Verdict = verdict.String
	rec.StartedAt = parseTime(started)
	if ended.Valid {
		rec.EndedAt = parseTime(ended.String)
	}
	if payload.Valid && payload.String != "" {
		rec.Payload = []byte(payload.String)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

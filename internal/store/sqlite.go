package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/lexflow/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite. The run snapshot is stored as a
// JSON document alongside the columns used for lookup and listing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			trace_id TEXT PRIMARY KEY,
			firm_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_firm ON runs(firm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			firm_id TEXT NOT NULL DEFAULT '',
			payload TEXT,
			FOREIGN KEY (trace_id) REFERENCES runs(trace_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_trace ON run_events(trace_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run. The trace_id primary key is global, so a
// reused trace id fails with ErrDuplicate no matter which firm owns the
// existing row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (trace_id, firm_id, user_id, kind, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TraceID, run.FirmID, run.UserID, run.Kind, run.Status,
		string(snapshot), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpsertRun writes the full run snapshot.
func (s *SQLiteStore) UpsertRun(ctx context.Context, run *domain.Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (trace_id, firm_id, user_id, kind, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trace_id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		run.TraceID, run.FirmID, run.UserID, run.Kind, run.Status,
		string(snapshot), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// GetRun loads a run scoped to a firm.
func (s *SQLiteStore) GetRun(ctx context.Context, firmID, traceID string) (*domain.Run, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM runs WHERE trace_id = ? AND firm_id = ?`,
		traceID, firmID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run snapshot: %w", err)
	}
	return &run, nil
}

// ListRuns returns the newest runs for a firm.
func (s *SQLiteStore) ListRuns(ctx context.Context, firmID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM runs WHERE firm_id = ? ORDER BY created_at DESC LIMIT ?`,
		firmID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run snapshot: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// AppendEvent records one audit event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.AuditEvent) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (event_id, trace_id, ts, type, user_id, firm_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.TraceID, event.Ts, event.Type, event.UserID, event.FirmID, payload)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the audit trail for a run in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, traceID string, afterTs int64, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, trace_id, ts, type, user_id, firm_id, payload
		 FROM run_events WHERE trace_id = ? AND ts > ? ORDER BY ts ASC LIMIT ?`,
		traceID, afterTs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.TraceID, &ev.Ts, &ev.Type, &ev.UserID, &ev.FirmID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

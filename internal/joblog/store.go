// Package joblog records every job and periodic task the gate dispatches in
// the local SQLite database.
package joblog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

// timeLayout is fixed width so the TEXT timestamp columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Start inserts a running execution and returns its id.
func (s *Store) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("name is empty")
	}
	if req.Kind != KindJob && req.Kind != KindTask {
		return "", fmt.Errorf("invalid kind: %q", req.Kind)
	}

	id := uuid.NewString()
	startedAt := s.now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_executions(id, kind, name, job_id, message_id, queue, receive_count, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Kind, req.Name, req.JobID, nullable(req.MessageID), nullable(req.Queue), req.ReceiveCount, StatusRunning, startedAt)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}
	return id, nil
}

// Complete marks a running execution terminal.
func (s *Store) Complete(ctx context.Context, id string, res Result) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if !res.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", res.Status)
	}

	var startedAtS string
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM job_executions WHERE id = ?;`, id).Scan(&startedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	completedAt := s.now().UTC()
	var durationMS int64
	if startedAt, err := time.Parse(timeLayout, startedAtS); err == nil {
		durationMS = completedAt.Sub(startedAt).Milliseconds()
	}

	stderr := res.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE job_executions
SET status = ?, completed_at = ?, duration_ms = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, res.Status, completedAt.Format(timeLayout), durationMS, nullable(res.LastError), nullable(stderr), id)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// Get returns one execution by id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// Recent returns up to limit executions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectExecution+` ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// Prune deletes terminal executions started before now-retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-retention).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM job_executions
WHERE status != ? AND started_at < ?;
`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return n, nil
}

const selectExecution = `
SELECT id, kind, name, job_id, message_id, queue, receive_count, status,
  started_at, completed_at, duration_ms, last_error, stderr
FROM job_executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e            Execution
		kindS        string
		statusS      string
		messageID    sql.NullString
		queue        sql.NullString
		startedAtS   string
		completedAtS sql.NullString
		durationMS   sql.NullInt64
		lastError    sql.NullString
		stderr       sql.NullString
	)
	if err := row.Scan(
		&e.ID, &kindS, &e.Name, &e.JobID, &messageID, &queue, &e.ReceiveCount, &statusS,
		&startedAtS, &completedAtS, &durationMS, &lastError, &stderr,
	); err != nil {
		return nil, err
	}

	e.Kind = Kind(kindS)
	e.Status = Status(statusS)
	e.MessageID = messageID.String
	e.Queue = queue.String
	if t, err := time.Parse(timeLayout, startedAtS); err == nil {
		e.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(timeLayout, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if durationMS.Valid {
		e.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if stderr.Valid {
		e.Stderr = &stderr.String
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

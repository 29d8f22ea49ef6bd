// Package postgres provides a Postgres-backed checkpoint store for
// multi-instance deployments, where several engine processes share one
// database and the optimistic sequence check arbitrates ownership of each
// execution.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/verdantlabs/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_checkpoints (
	execution_id TEXT NOT NULL,
	sequence     BIGINT NOT NULL,
	workflow_id  TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	snapshot     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_saga_checkpoints_thread
	ON saga_checkpoints (thread_id);
`

// uniqueViolation is the Postgres error code for a primary-key conflict.
const uniqueViolation = "23505"

// Store is a CheckpointStore backed by Postgres.
type Store struct {
	db *sql.DB
}

// New connects to Postgres with the given connection string and ensures
// the checkpoint schema exists.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing database handle and ensures the checkpoint
// schema exists.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, checkpoint *saga.Checkpoint) error {
	snapshot, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM saga_checkpoints WHERE execution_id = $1`,
		checkpoint.ExecutionID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest sequence: %w", err)
	}
	if checkpoint.Sequence != latest+1 {
		return &saga.StaleSequenceError{
			ExecutionID: checkpoint.ExecutionID,
			Sequence:    checkpoint.Sequence,
			Latest:      latest,
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO saga_checkpoints
			(execution_id, sequence, workflow_id, thread_id, status, node_id, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		checkpoint.ExecutionID,
		checkpoint.Sequence,
		checkpoint.WorkflowID,
		checkpoint.ThreadID,
		string(checkpoint.Status),
		checkpoint.NodeID,
		snapshot,
		checkpoint.CreatedAt)
	if err != nil {
		// A primary-key conflict means another instance inserted this
		// sequence between our read and write.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return &saga.StaleSequenceError{
				ExecutionID: checkpoint.ExecutionID,
				Sequence:    checkpoint.Sequence,
				Latest:      checkpoint.Sequence,
			}
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) LoadLatest(ctx context.Context, executionID string) (*saga.Checkpoint, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM saga_checkpoints
		 WHERE execution_id = $1 ORDER BY sequence DESC LIMIT 1`,
		executionID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint saga.Checkpoint
	if err := json.Unmarshal(snapshot, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *Store) ListIncomplete(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (execution_id) execution_id, status, created_at
		 FROM saga_checkpoints
		 ORDER BY execution_id, sequence DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, status string
		var createdAt time.Time
		if err := rows.Scan(&id, &status, &createdAt); err != nil {
			return nil, err
		}
		if !saga.Status(status).Terminal() && createdAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *Store) FindActiveByThread(ctx context.Context, threadID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (execution_id) execution_id, status
		 FROM saga_checkpoints
		 WHERE thread_id = $1
		 ORDER BY execution_id, sequence DESC`,
		threadID)
	if err != nil {
		return "", fmt.Errorf("failed to find active execution for thread: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return "", err
		}
		if !saga.Status(status).Terminal() {
			return id, nil
		}
	}
	return "", rows.Err()
}

func (s *Store) Prune(ctx context.Context, executionID string, keepLatest int) error {
	if keepLatest < 1 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_checkpoints
		 WHERE execution_id = $1
		 AND sequence <= (
			SELECT MAX(sequence) FROM saga_checkpoints WHERE execution_id = $1
		 ) - $2`,
		executionID, keepLatest)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}

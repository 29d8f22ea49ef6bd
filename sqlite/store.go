// Package sqlite provides a SQLite-backed checkpoint store. It uses the
// pure-Go modernc.org/sqlite driver, so it needs no cgo and no external
// daemon, which makes it the default durable store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/verdantlabs/saga"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_checkpoints (
	execution_id TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	workflow_id  TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	snapshot     TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (execution_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_saga_checkpoints_thread
	ON saga_checkpoints (thread_id);
`

// Store is a CheckpointStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) a SQLite database at path and ensures the
// checkpoint schema exists.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent engine instances.
	db.SetMaxOpenConns(1)
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
		`SELECT COALESCE(MAX(sequence), 0) FROM saga_checkpoints WHERE execution_id = ?`,
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		checkpoint.ExecutionID,
		checkpoint.Sequence,
		checkpoint.WorkflowID,
		checkpoint.ThreadID,
		string(checkpoint.Status),
		checkpoint.NodeID,
		string(snapshot),
		checkpoint.CreatedAt)
	if err != nil {
		// A primary-key conflict means another instance inserted this
		// sequence between our read and write.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
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
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM saga_checkpoints
		 WHERE execution_id = ? ORDER BY sequence DESC LIMIT 1`,
		executionID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint saga.Checkpoint
	if err := json.Unmarshal([]byte(snapshot), &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *Store) ListIncomplete(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.execution_id
		 FROM saga_checkpoints c
		 JOIN (
			SELECT execution_id, MAX(sequence) AS max_sequence
			FROM saga_checkpoints GROUP BY execution_id
		 ) latest ON c.execution_id = latest.execution_id AND c.sequence = latest.max_sequence
		 WHERE c.status NOT IN (?, ?, ?) AND c.created_at < ?`,
		string(saga.StatusCompleted),
		string(saga.StatusFailed),
		string(saga.StatusInconclusive),
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindActiveByThread(ctx context.Context, threadID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.execution_id
		 FROM saga_checkpoints c
		 JOIN (
			SELECT execution_id, MAX(sequence) AS max_sequence
			FROM saga_checkpoints GROUP BY execution_id
		 ) latest ON c.execution_id = latest.execution_id AND c.sequence = latest.max_sequence
		 WHERE c.thread_id = ? AND c.status NOT IN (?, ?, ?)
		 LIMIT 1`,
		threadID,
		string(saga.StatusCompleted),
		string(saga.StatusFailed),
		string(saga.StatusInconclusive)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find active execution for thread: %w", err)
	}
	return id, nil
}

func (s *Store) Prune(ctx context.Context, executionID string, keepLatest int) error {
	if keepLatest < 1 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_checkpoints
		 WHERE execution_id = ?
		 AND sequence <= (
			SELECT MAX(sequence) FROM saga_checkpoints WHERE execution_id = ?
		 ) - ?`,
		executionID, executionID, keepLatest)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}

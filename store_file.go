package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileStore is a file-based CheckpointStore that persists one JSON record
// per (execution_id, sequence) under dataDir/<execution_id>/. The sequence
// file is created with O_EXCL, so two processes racing to write the same
// sequence resolve the same way the SQL stores do: one wins, the other gets
// a StaleSequenceError.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileStore creates a file-based checkpoint store rooted at dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".verdantlabs", "saga", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) executionDir(executionID string) string {
	return filepath.Join(s.dataDir, executionID)
}

func (s *FileStore) checkpointPath(executionID string, sequence int64) string {
	return filepath.Join(s.executionDir(executionID), fmt.Sprintf("%08d.json", sequence))
}

func (s *FileStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	executionDir := s.executionDir(checkpoint.ExecutionID)
	if err := os.MkdirAll(executionDir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}

	latest, err := s.latestSequence(checkpoint.ExecutionID)
	if err != nil {
		return err
	}
	if checkpoint.Sequence != latest+1 {
		return &StaleSequenceError{
			ExecutionID: checkpoint.ExecutionID,
			Sequence:    checkpoint.Sequence,
			Latest:      latest,
		}
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := s.checkpointPath(checkpoint.ExecutionID, checkpoint.Sequence)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return &StaleSequenceError{
				ExecutionID: checkpoint.ExecutionID,
				Sequence:    checkpoint.Sequence,
				Latest:      checkpoint.Sequence,
			}
		}
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	latest, err := s.latestSequence(executionID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, ErrExecutionNotFound
	}
	return s.read(executionID, latest)
}

func (s *FileStore) read(executionID string, sequence int64) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(executionID, sequence))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// latestSequence scans the execution directory for the highest stored
// sequence. Returns 0 when the execution has no checkpoints yet.
func (s *FileStore) latestSequence(executionID string) (int64, error) {
	entries, err := os.ReadDir(s.executionDir(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read execution directory: %w", err)
	}
	var latest int64
	for _, entry := range entries {
		seq, ok := parseSequenceFilename(entry.Name())
		if ok && seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

func parseSequenceFilename(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	seq, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (s *FileStore) ListIncomplete(ctx context.Context, olderThan time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := s.LoadLatest(ctx, entry.Name())
		if err != nil {
			// Skip executions we can't read
			continue
		}
		if !checkpoint.Status.Terminal() && checkpoint.CreatedAt.Before(olderThan) {
			ids = append(ids, checkpoint.ExecutionID)
		}
	}
	return ids, nil
}

func (s *FileStore) FindActiveByThread(ctx context.Context, threadID string) (string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read executions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := s.LoadLatest(ctx, entry.Name())
		if err != nil {
			continue
		}
		if checkpoint.ThreadID == threadID && !checkpoint.Status.Terminal() {
			return checkpoint.ExecutionID, nil
		}
	}
	return "", nil
}

func (s *FileStore) Prune(ctx context.Context, executionID string, keepLatest int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if keepLatest < 1 {
		return nil
	}
	latest, err := s.latestSequence(executionID)
	if err != nil {
		return err
	}
	cutoff := latest - int64(keepLatest)
	for seq := cutoff; seq >= 1; seq-- {
		path := s.checkpointPath(executionID, seq)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				break // already pruned below this point
			}
			return fmt.Errorf("failed to prune checkpoint %d: %w", seq, err)
		}
	}
	return nil
}

// ListExecutions returns summaries of all executions, newest first.
func (s *FileStore) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var summaries []*ExecutionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := s.LoadLatest(ctx, entry.Name())
		if err != nil {
			continue
		}
		summaries = append(summaries, summaryFromCheckpoint(checkpoint))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

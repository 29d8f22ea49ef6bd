package saga

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory CheckpointStore. It enforces the same
// optimistic sequence contract as the durable stores, which makes it
// suitable for tests and single-process embedding.
type MemoryStore struct {
	mutex       sync.Mutex
	checkpoints map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: map[string][]*Checkpoint{}}
}

func (s *MemoryStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	records := s.checkpoints[checkpoint.ExecutionID]
	var latest int64
	if len(records) > 0 {
		latest = records[len(records)-1].Sequence
	}
	if checkpoint.Sequence != latest+1 {
		return &StaleSequenceError{
			ExecutionID: checkpoint.ExecutionID,
			Sequence:    checkpoint.Sequence,
			Latest:      latest,
		}
	}
	s.checkpoints[checkpoint.ExecutionID] = append(records, checkpoint)
	return nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	records := s.checkpoints[executionID]
	if len(records) == 0 {
		return nil, ErrExecutionNotFound
	}
	return records[len(records)-1], nil
}

func (s *MemoryStore) ListIncomplete(ctx context.Context, olderThan time.Time) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var ids []string
	for id, records := range s.checkpoints {
		latest := records[len(records)-1]
		if !latest.Status.Terminal() && latest.CreatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) FindActiveByThread(ctx context.Context, threadID string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, records := range s.checkpoints {
		latest := records[len(records)-1]
		if latest.ThreadID == threadID && !latest.Status.Terminal() {
			return id, nil
		}
	}
	return "", nil
}

func (s *MemoryStore) Prune(ctx context.Context, executionID string, keepLatest int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	records := s.checkpoints[executionID]
	if keepLatest < 1 || len(records) <= keepLatest {
		return nil
	}
	s.checkpoints[executionID] = records[len(records)-keepLatest:]
	return nil
}

// Sequences returns the stored sequence numbers for an execution, in
// order. Used by tests to assert the gapless invariant.
func (s *MemoryStore) Sequences(executionID string) []int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []int64
	for _, record := range s.checkpoints[executionID] {
		out = append(out, record.Sequence)
	}
	return out
}

package jobqueue

import (
	"context"
	"sync"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Store persists jobs so they survive a restart.
type Store interface {
	// NextID returns a new id, greater than every id returned before.
	NextID(ctx context.Context) (domain.JobID, error)
	Save(ctx context.Context, job domain.Job) error
	Load(ctx context.Context) ([]domain.Job, error)
	Delete(ctx context.Context, ids ...domain.JobID) error
}

// MemoryStore keeps jobs in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	seq  domain.JobID
	jobs map[domain.JobID]domain.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[domain.JobID]domain.Job)}
}

func (s *MemoryStore) NextID(_ context.Context) (domain.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) Save(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids ...domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

// Package redis persists jobs and workspaces in Redis. Each kind of document
// lives in one hash keyed by id, encoded as JSON.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/melih/lighthouse/internal/core/domain"
)

const (
	defaultPrefix = "lighthouse"
	jobsKey       = "jobs"
	jobSeqKey     = "jobs:seq"
)

// JobStore implements jobqueue.Store.
type JobStore struct {
	db     redis.UniversalClient
	prefix string
}

func NewJobStore(db redis.UniversalClient, prefix string) *JobStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JobStore{db: db, prefix: prefix}
}

func (s *JobStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *JobStore) NextID(ctx context.Context) (domain.JobID, error) {
	id, err := s.db.Incr(ctx, s.key(jobSeqKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("[JobStore.NextID] error incrementing sequence: %w", err)
	}
	return domain.JobID(id), nil
}

func (s *JobStore) Save(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("[JobStore.Save] error marshalling job %d: %w", job.ID, err)
	}
	field := strconv.FormatUint(uint64(job.ID), 10)
	if err := s.db.HSet(ctx, s.key(jobsKey), field, data).Err(); err != nil {
		return fmt.Errorf("[JobStore.Save] error writing job %d: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Load(ctx context.Context) ([]domain.Job, error) {
	result, err := s.db.HGetAll(ctx, s.key(jobsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("[JobStore.Load] error reading from database: %w", err)
	}
	jobs := make([]domain.Job, 0, len(result))
	for field, v := range result {
		var job domain.Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			return nil, fmt.Errorf("[JobStore.Load] error unmarshalling job %s: %w", field, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *JobStore) Delete(ctx context.Context, ids ...domain.JobID) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, 0, len(ids))
	for _, id := range ids {
		fields = append(fields, strconv.FormatUint(uint64(id), 10))
	}
	if err := s.db.HDel(ctx, s.key(jobsKey), fields...).Err(); err != nil {
		return fmt.Errorf("[JobStore.Delete] error deleting jobs: %w", err)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

const workspacesKey = "workspaces"

// WorkspaceStore implements ports.WorkspaceStore.
type WorkspaceStore struct {
	db     redis.UniversalClient
	prefix string
}

func NewWorkspaceStore(db redis.UniversalClient, prefix string) *WorkspaceStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &WorkspaceStore{db: db, prefix: prefix}
}

func (s *WorkspaceStore) key() string {
	return s.prefix + ":" + workspacesKey
}

func (s *WorkspaceStore) Get(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error) {
	result, err := s.db.HGet(ctx, s.key(), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ports.ErrWorkspaceNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("[WorkspaceStore.Get] error reading from database: %w", err)
	}
	ws := &domain.Workspace{}
	if err := json.Unmarshal([]byte(result), ws); err != nil {
		return nil, fmt.Errorf("[WorkspaceStore.Get] error unmarshalling workspace %s: %w", id, err)
	}
	return ws, nil
}

func (s *WorkspaceStore) Save(ctx context.Context, ws *domain.Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("[WorkspaceStore.Save] error marshalling workspace %s: %w", ws.ID, err)
	}
	if err := s.db.HSet(ctx, s.key(), ws.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("[WorkspaceStore.Save] error writing workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *WorkspaceStore) List(ctx context.Context) ([]*domain.Workspace, error) {
	result, err := s.db.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("[WorkspaceStore.List] error reading from database: %w", err)
	}
	out := make([]*domain.Workspace, 0, len(result))
	for field, v := range result {
		ws := &domain.Workspace{}
		if err := json.Unmarshal([]byte(v), ws); err != nil {
			return nil, fmt.Errorf("[WorkspaceStore.List] error unmarshalling workspace %s: %w", field, err)
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

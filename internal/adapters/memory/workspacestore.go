// Package memory keeps workspace documents in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// WorkspaceStore implements ports.WorkspaceStore. It stores copies, so
// callers may keep mutating the documents they pass in.
type WorkspaceStore struct {
	mu   sync.RWMutex
	docs map[domain.WorkspaceID]domain.Workspace
}

func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{docs: make(map[domain.WorkspaceID]domain.Workspace)}
}

func (s *WorkspaceStore) Get(_ context.Context, id domain.WorkspaceID) (*domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrWorkspaceNotFound, id)
	}
	return clone(ws), nil
}

func (s *WorkspaceStore) Save(_ context.Context, ws *domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[ws.ID] = *clone(*ws)
	return nil
}

func (s *WorkspaceStore) List(_ context.Context) ([]*domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Workspace, 0, len(s.docs))
	for _, ws := range s.docs {
		out = append(out, clone(ws))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func clone(ws domain.Workspace) *domain.Workspace {
	if ws.Volumes != nil {
		volumes := make(map[string]string, len(ws.Volumes))
		for k, v := range ws.Volumes {
			volumes[k] = v
		}
		ws.Volumes = volumes
	}
	return &ws
}

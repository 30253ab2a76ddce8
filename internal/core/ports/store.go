package ports

import (
	"context"
	"errors"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ErrWorkspaceNotFound is returned by WorkspaceStore.Get for unknown workspaces.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// WorkspaceStore persists workspace documents by identity.
type WorkspaceStore interface {
	Get(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error)
	Save(ctx context.Context, ws *domain.Workspace) error
	List(ctx context.Context) ([]*domain.Workspace, error)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

func TestWorkspaceStore(t *testing.T) {
	s := NewWorkspaceStore()
	ctx := context.Background()
	id := domain.WorkspaceID{Owner: "alice", Name: "shop"}

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, ports.ErrWorkspaceNotFound)

	ws := domain.NewWorkspace(id, time.Now())
	ws.Volumes = map[string]string{"/srv/alice": "/data"}
	require.NoError(t, s.Save(ctx, ws))

	// The store holds its own copy.
	ws.State = domain.StateHealthy
	ws.Volumes["/tmp"] = "/tmp"
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNew, got.State)
	assert.Len(t, got.Volumes, 1)

	require.NoError(t, s.Save(ctx, domain.NewWorkspace(domain.WorkspaceID{Owner: "aaron", Name: "blog"}, time.Now())))
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "aaron/blog", all[0].ID.String())
	assert.Equal(t, "alice/shop", all[1].ID.String())
}

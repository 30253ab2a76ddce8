package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Runs against a real server named by LIGHTHOUSE_TEST_MONGO_URI.
func withStore(t *testing.T, action func(s *WorkspaceStore)) {
	t.Helper()
	uri := os.Getenv("LIGHTHOUSE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LIGHTHOUSE_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	database := "lighthouse_test_" + uuid.NewString()[:8]
	s, err := Connect(ctx, uri, database)
	require.NoError(t, err)
	defer func() {
		_ = s.client.Database(database).Drop(context.Background())
		_ = s.Close(context.Background())
	}()
	action(s)
}

func TestWorkspaceStore_RoundTrip(t *testing.T) {
	withStore(t, func(s *WorkspaceStore) {
		ctx := context.Background()
		id := domain.WorkspaceID{Owner: "alice", Name: "shop"}

		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, ports.ErrWorkspaceNotFound)

		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		ws := domain.NewWorkspace(id, now)
		ws.Image = "nginx:1.25"
		ws.State = domain.StateHealthy
		ws.Port = 20003
		require.NoError(t, s.Save(ctx, ws))

		ws.State = domain.StateStopped
		ws.Port = 0
		require.NoError(t, s.Save(ctx, ws))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateStopped, got.State)
		assert.Equal(t, 0, got.Port)
		assert.True(t, now.Equal(got.CreatedAt))

		require.NoError(t, s.Save(ctx, domain.NewWorkspace(domain.WorkspaceID{Owner: "aaron", Name: "blog"}, now)))
		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "aaron", all[0].ID.Owner)
	})
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/jobqueue"
)

func withClient(t *testing.T, action func(db redis.UniversalClient)) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	action(client)
}

func TestJobStore_SequenceIsMonotonic(t *testing.T) {
	withClient(t, func(db redis.UniversalClient) {
		store := NewJobStore(db, "")
		ctx := context.Background()
		var last domain.JobID
		for i := 0; i < 5; i++ {
			id, err := store.NextID(ctx)
			require.NoError(t, err)
			assert.Greater(t, id, last)
			last = id
		}

		// A second store over the same keys continues the sequence.
		id, err := NewJobStore(db, "").NextID(ctx)
		require.NoError(t, err)
		assert.Equal(t, last+1, id)
	})
}

func TestJobStore_SaveLoadDelete(t *testing.T) {
	withClient(t, func(db redis.UniversalClient) {
		store := NewJobStore(db, "test")
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		done := now.Add(time.Minute)

		jobs := []domain.Job{
			{
				ID:         1,
				Workspace:  domain.WorkspaceID{Owner: "alice", Name: "shop"},
				Operation:  domain.OpDeploy,
				Image:      "nginx:1.25",
				EnqueuedAt: now,
				Attempts:   2,
				Status:     domain.JobRunning,
				Worker:     "abcd1234/worker-1",
			},
			{
				ID:          2,
				Workspace:   domain.WorkspaceID{Owner: "alice", Name: "shop"},
				Operation:   domain.OpStop,
				Origin:      domain.OpRebuild,
				EnqueuedAt:  now,
				Status:      domain.JobFailed,
				LastError:   "docker daemon unreachable",
				CompletedAt: &done,
			},
		}
		for _, job := range jobs {
			require.NoError(t, store.Save(ctx, job))
		}

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, jobs, loaded)

		require.NoError(t, store.Delete(ctx, 2))
		loaded, err = store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, domain.JobID(1), loaded[0].ID)

		require.NoError(t, store.Delete(ctx))
	})
}

func TestJobStore_BacksQueueRecovery(t *testing.T) {
	withClient(t, func(db redis.UniversalClient) {
		ctx := context.Background()
		ws := domain.WorkspaceID{Owner: "bob", Name: "api"}
		first := jobqueue.New(NewJobStore(db, ""), jobqueue.Config{})
		id, err := first.Enqueue(ctx, jobqueue.Request{Workspace: ws, Operation: domain.OpDeploy, Image: "app:1"})
		require.NoError(t, err)

		dctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err = first.Dequeue(dctx, "w1")
		require.NoError(t, err)

		second := jobqueue.New(NewJobStore(db, ""), jobqueue.Config{})
		n, err := second.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job, err := second.Dequeue(dctx, "w2")
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 2, job.Attempts)
		assert.Equal(t, "w2", job.Worker)
	})
}

func TestWorkspaceStore(t *testing.T) {
	withClient(t, func(db redis.UniversalClient) {
		store := NewWorkspaceStore(db, "")
		ctx := context.Background()
		id := domain.WorkspaceID{Owner: "alice", Name: "shop"}

		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, ports.ErrWorkspaceNotFound)

		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		ws := domain.NewWorkspace(id, now)
		ws.Image = "nginx:1.25"
		ws.Port = 20001
		ws.State = domain.StateHealthy
		ws.Volumes = map[string]string{"/srv/data/alice/shop": "/data"}
		require.NoError(t, store.Save(ctx, ws))

		other := domain.NewWorkspace(domain.WorkspaceID{Owner: "aaron", Name: "blog"}, now)
		require.NoError(t, store.Save(ctx, other))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ws, got)

		all, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "aaron", all[0].ID.Owner)
		assert.Equal(t, "alice", all[1].ID.Owner)
	})
}

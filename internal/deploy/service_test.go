package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/jobqueue"
)

func TestService_SubmitValidates(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	svc := NewService(jobqueue.New(jobqueue.NewMemoryStore(), jobqueue.Config{}), h.store)
	ctx := context.Background()

	tests := map[string]SubmitRequest{
		"bad owner":          {Workspace: domain.WorkspaceID{Owner: "Alice", Name: "shop"}, Operation: domain.OpDeploy, Image: "nginx"},
		"bad operation":      {Workspace: alice, Operation: "restart"},
		"first deploy empty": {Workspace: alice, Operation: domain.OpDeploy},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestService_RebuildExpandsIntoStopThenDeploy(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	q := jobqueue.New(jobqueue.NewMemoryStore(), jobqueue.Config{})
	svc := NewService(q, h.store)
	ctx := context.Background()

	ids, err := svc.Submit(ctx, SubmitRequest{Workspace: alice, Operation: domain.OpRebuild, Image: "app:2"})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	jobs := svc.Jobs(alice)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.OpStop, jobs[0].Operation)
	assert.Equal(t, domain.OpDeploy, jobs[1].Operation)
	assert.Equal(t, "app:2", jobs[1].Image)
	for _, j := range jobs {
		assert.Equal(t, domain.OpRebuild, j.Origin)
	}
}

func TestService_RejectsTerminatedWorkspace(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	svc := NewService(jobqueue.New(jobqueue.NewMemoryStore(), jobqueue.Config{}), h.store)
	ws := domain.NewWorkspace(alice, time.Now())
	ws.State = domain.StateTerminated
	require.NoError(t, h.store.Save(context.Background(), ws))

	_, err := svc.Submit(context.Background(), SubmitRequest{Workspace: alice, Operation: domain.OpDeploy, Image: "nginx"})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestService_DecommissionCancelsPendingWork(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	q := jobqueue.New(jobqueue.NewMemoryStore(), jobqueue.Config{})
	svc := NewService(q, h.store)
	ctx := context.Background()

	deployIDs, err := svc.Submit(ctx, SubmitRequest{Workspace: alice, Operation: domain.OpDeploy, Image: "nginx"})
	require.NoError(t, err)

	ids, err := svc.Submit(ctx, SubmitRequest{Workspace: alice, Operation: domain.OpDecommission})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	cancelled, err := svc.Job(deployIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, cancelled.Status)

	stop, err := svc.Job(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.OpStop, stop.Operation)
	final, err := svc.Job(ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.OpDecommission, final.Operation)
}

func TestService_EndToEndWithWorkers(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	q := jobqueue.New(jobqueue.NewMemoryStore(), jobqueue.Config{MaxRetries: 2, BaseDelay: time.Millisecond})
	svc := NewService(q, h.store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = jobqueue.NewPool(q, h.machine, jobqueue.PoolConfig{Workers: 4}, h.metrics).Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := svc.Submit(ctx, SubmitRequest{Workspace: alice, Operation: domain.OpDeploy, Image: "nginx:1.25"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitRequest{Workspace: bob, Operation: domain.OpDeploy, Image: "redis:7"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitRequest{Workspace: alice, Operation: domain.OpRebuild, Image: "nginx:1.26"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, j := range append(svc.Jobs(alice), svc.Jobs(bob)...) {
			if !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range []domain.WorkspaceID{alice, bob} {
		ws, err := svc.Workspace(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateHealthy, ws.State, id.String())
		for _, j := range svc.Jobs(id) {
			assert.Equal(t, domain.JobSucceeded, j.Status, "job %d (%s)", j.ID, j.Operation)
		}
	}
	all, err := svc.Workspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	aliceWS, _ := svc.Workspace(ctx, alice)
	bobWS, _ := svc.Workspace(ctx, bob)
	assert.NotEqual(t, aliceWS.Port, bobWS.Port)
}

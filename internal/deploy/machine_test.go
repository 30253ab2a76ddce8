package deploy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/jobqueue"
)

var (
	alice = domain.WorkspaceID{Owner: "alice", Name: "shop"}
	bob   = domain.WorkspaceID{Owner: "bob", Name: "api"}
)

func TestMachine_DeployReachesHealthy(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()

	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateHealthy, ws.State)
	assert.Equal(t, 20000, ws.Port)
	assert.Equal(t, "nginx:1.25", ws.Image)
	assert.Empty(t, ws.LastError)
	assert.Equal(t, "https://shop-alice.apps.example.com", ws.URL)
	assert.Equal(t, map[string]string{"/srv/lighthouse/alice/shop": "/data"}, ws.Volumes)
	assert.Equal(t, []string{"nginx:1.25"}, h.runtime.pulled)

	require.Len(t, h.runtime.started, 1)
	spec := h.runtime.started[0]
	assert.Equal(t, "lighthouse-shop-alice", spec.Name)
	assert.Equal(t, 20000, spec.HostPort)
	assert.Equal(t, 8080, spec.ContainerPort)
	assert.Equal(t, "service.alice.shop", spec.LogTag)
	assert.Equal(t, "traefik-public", spec.Network)
	assert.Equal(t, "alice", spec.Labels[LabelOwner])
	assert.Equal(t, "Host(`shop-alice.apps.example.com`)", spec.Labels["traefik.http.routers.shop-alice.rule"])
	assert.Contains(t, spec.Env, "PORT=8080")

	containerID, attached := h.follower.get(alice)
	assert.True(t, attached)
	assert.Equal(t, ws.ContainerID, containerID)

	for _, edge := range [][2]string{{"new", "building"}, {"building", "starting"}, {"starting", "healthy"}} {
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Transitions.WithLabelValues(edge[0], edge[1])), "%s->%s", edge[0], edge[1])
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PortsInUse))
}

func TestMachine_DeployIsIdempotent(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()

	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	assert.Len(t, h.runtime.started, 1)
	assert.Equal(t, 1, h.runtime.runningCount())
}

func TestMachine_DeployNewImageReplacesContainerAndKeepsPort(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()

	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "app:1"), notInterrupted))
	first := h.workspace(t, alice)
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "app:2"), notInterrupted))
	second := h.workspace(t, alice)

	assert.Equal(t, domain.StateHealthy, second.State)
	assert.Equal(t, "app:2", second.Image)
	assert.Equal(t, first.Port, second.Port)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)
	assert.Contains(t, h.runtime.removed, first.ContainerID)
	assert.Equal(t, 1, h.runtime.runningCount())
}

func TestMachine_BuildsFromSource(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	job := deployJob(alice, "")
	job.Source = "https://github.com/alice/shop.git"

	require.NoError(t, h.machine.Execute(context.Background(), job, notInterrupted))

	require.Len(t, h.builder.builds, 1)
	assert.Equal(t, ports.BuildRequest{Source: job.Source, Image: "lighthouse/shop-alice:latest"}, h.builder.builds[0])
	assert.Empty(t, h.runtime.pulled)
	assert.Equal(t, "lighthouse/shop-alice:latest", h.workspace(t, alice).Image)
}

func TestMachine_HealthProbeExhaustion(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	probes := 0
	h.runtime.probe = func(string, int) (domain.ProbeResult, error) {
		probes++
		return domain.ProbeResult{Reason: "GET / : connection refused"}, nil
	}

	err := h.machine.Execute(context.Background(), deployJob(alice, "nginx:1.25"), notInterrupted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthProbeTimeout)
	assert.True(t, jobqueue.IsPermanent(err))
	assert.Equal(t, 3, probes)

	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateError, ws.State)
	assert.Contains(t, ws.LastError, "connection refused")
	assert.Empty(t, ws.ContainerID)
	assert.Zero(t, ws.Port)
	assert.Equal(t, 0, h.runtime.runningCount())
	assert.Equal(t, 0, h.ports.InUse())
	_, attached := h.follower.get(alice)
	assert.False(t, attached)

	// An operator can deploy again from error.
	h.runtime.probe = nil
	require.NoError(t, h.machine.Execute(context.Background(), deployJob(alice, "nginx:1.25"), notInterrupted))
	assert.Equal(t, domain.StateHealthy, h.workspace(t, alice).State)
}

func TestMachine_ProbeErrorsBecomeReasons(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	h.runtime.probe = func(string, int) (domain.ProbeResult, error) {
		return domain.ProbeResult{}, errors.New("inspect container: no such container")
	}

	err := h.machine.Execute(context.Background(), deployJob(alice, "nginx:1.25"), notInterrupted)
	assert.ErrorIs(t, err, ErrHealthProbeTimeout)
	assert.Contains(t, h.workspace(t, alice).LastError, "no such container")
}

func TestMachine_PortExhaustionLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 20000, 20000)
	ctx := context.Background()
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	err := h.machine.Execute(ctx, deployJob(bob, "nginx:1.25"), notInterrupted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortExhausted)
	assert.True(t, jobqueue.IsPermanent(err))

	ws := h.workspace(t, bob)
	assert.Equal(t, domain.StateNew, ws.State)
	assert.Contains(t, ws.LastError, "port pool exhausted")
	assert.Len(t, h.runtime.started, 1)

	h.machine.JobFailed(ctx, deployJob(bob, "nginx:1.25"), err)
	assert.Equal(t, domain.StateNew, h.workspace(t, bob).State)
	assert.Equal(t, domain.StateHealthy, h.workspace(t, alice).State)
}

func TestMachine_BuildFailureIsPermanent(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	h.builder.err = fmt.Errorf("%w: step 3/7 returned exit code 1", ports.ErrBuildFailed)
	job := deployJob(alice, "")
	job.Source = "https://github.com/alice/shop.git"

	err := h.machine.Execute(context.Background(), job, notInterrupted)
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.True(t, jobqueue.IsPermanent(err))

	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateError, ws.State)
	assert.Contains(t, ws.LastError, "exit code 1")
	assert.Equal(t, 0, h.ports.InUse())
}

func TestMachine_InfrastructureErrorsAreRetryable(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	h.runtime.pullErr = errors.New("registry unavailable")
	ctx := context.Background()

	err := h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted)
	require.Error(t, err)
	assert.False(t, jobqueue.IsPermanent(err))
	assert.Equal(t, domain.StateError, h.workspace(t, alice).State)

	h.runtime.pullErr = nil
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))
	assert.Equal(t, domain.StateHealthy, h.workspace(t, alice).State)
}

func TestMachine_InterruptStopsAtStepBoundary(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	calls := 0
	interrupted := func() bool {
		calls++
		// Let the build step pass, stop before the container starts.
		return calls > 1
	}

	job := deployJob(alice, "nginx:1.25")
	err := h.machine.Execute(ctx, job, interrupted)
	require.ErrorIs(t, err, jobqueue.ErrInterrupted)
	assert.Empty(t, h.runtime.started)
	assert.Equal(t, domain.StateBuilding, h.workspace(t, alice).State)

	h.machine.JobFailed(ctx, job, err)
	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateError, ws.State)
	assert.Contains(t, ws.LastError, "interrupted")
	assert.Equal(t, 0, h.ports.InUse())
}

func TestMachine_StopReleasesResources(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	require.NoError(t, h.machine.Execute(ctx, opJob(alice, domain.OpStop), notInterrupted))
	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateStopped, ws.State)
	assert.Empty(t, ws.ContainerID)
	assert.Zero(t, ws.Port)
	assert.Equal(t, 0, h.runtime.runningCount())
	assert.Equal(t, 0, h.ports.InUse())
	_, attached := h.follower.get(alice)
	assert.False(t, attached)

	// Stopping again is a no-op.
	require.NoError(t, h.machine.Execute(ctx, opJob(alice, domain.OpStop), notInterrupted))
	assert.Equal(t, domain.StateStopped, h.workspace(t, alice).State)
}

func TestMachine_StopFailureSurfacesAsError(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	h.runtime.stopErr = errors.New("daemon timeout")
	err := h.machine.Execute(ctx, opJob(alice, domain.OpStop), notInterrupted)
	require.Error(t, err)
	assert.False(t, jobqueue.IsPermanent(err))
	assert.Equal(t, domain.StateError, h.workspace(t, alice).State)

	h.runtime.stopErr = nil
	require.NoError(t, h.machine.Execute(ctx, opJob(alice, domain.OpStop), notInterrupted))
	assert.Equal(t, domain.StateStopped, h.workspace(t, alice).State)
}

func TestMachine_DecommissionTerminates(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	require.NoError(t, h.machine.Execute(ctx, opJob(alice, domain.OpDecommission), notInterrupted))
	ws := h.workspace(t, alice)
	assert.Equal(t, domain.StateTerminated, ws.State)
	assert.Equal(t, 0, h.runtime.runningCount())
	assert.Equal(t, 0, h.ports.InUse())

	err := h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.True(t, jobqueue.IsPermanent(err))
	require.NoError(t, h.machine.Execute(ctx, opJob(alice, domain.OpDecommission), notInterrupted))
}

func TestMachine_DecommissionUnknownWorkspace(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	require.NoError(t, h.machine.Execute(context.Background(), opJob(bob, domain.OpDecommission), notInterrupted))
	assert.Equal(t, domain.StateTerminated, h.workspace(t, bob).State)
}

func TestMachine_ResumesAfterCrashMidDeploy(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()

	// A previous process started a container and died before it became healthy.
	stale, err := h.runtime.StartContainer(ctx, domain.ContainerSpec{Name: "lighthouse-shop-alice"})
	require.NoError(t, err)
	ws := domain.NewWorkspace(alice, h.machine.now())
	ws.State = domain.StateStarting
	ws.Image = "nginx:1.25"
	ws.Port = 20004
	ws.ContainerID = stale
	require.NoError(t, h.store.Save(ctx, ws))
	_, err = h.machine.Recover(ctx)
	require.NoError(t, err)

	require.NoError(t, h.machine.Execute(ctx, deployJob(alice, "nginx:1.25"), notInterrupted))

	got := h.workspace(t, alice)
	assert.Equal(t, domain.StateHealthy, got.State)
	assert.Equal(t, 20004, got.Port)
	assert.Contains(t, h.runtime.removed, stale)
	assert.Equal(t, 1, h.runtime.runningCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("starting", "error")))
}

func TestMachine_Recover(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	now := h.machine.now()

	healthy := domain.NewWorkspace(alice, now)
	healthy.State, healthy.Port, healthy.ContainerID = domain.StateHealthy, 20003, "abc"
	stopped := domain.NewWorkspace(bob, now)
	stopped.State = domain.StateStopped
	gone := domain.NewWorkspace(domain.WorkspaceID{Owner: "carol", Name: "old"}, now)
	gone.State, gone.Port = domain.StateTerminated, 20005
	for _, ws := range []*domain.Workspace{healthy, stopped, gone} {
		require.NoError(t, h.store.Save(ctx, ws))
	}

	n, err := h.machine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	port, ok := h.ports.Lookup(alice)
	assert.True(t, ok)
	assert.Equal(t, 20003, port)
	id, attached := h.follower.get(alice)
	assert.True(t, attached)
	assert.Equal(t, "abc", id)

	// A recovered port is never handed to another workspace.
	next, err := h.ports.Allocate(bob)
	require.NoError(t, err)
	assert.NotEqual(t, 20003, next)
}

func TestMachine_SweepOrphans(t *testing.T) {
	h := newHarness(t, 20000, 20009)
	ctx := context.Background()
	carol := domain.WorkspaceID{Owner: "carol", Name: "blog"}
	dave := domain.WorkspaceID{Owner: "dave", Name: "wiki"}

	start := func(id domain.WorkspaceID) string {
		cid, err := h.runtime.StartContainer(ctx, domain.ContainerSpec{
			Name:   ContainerName(id),
			Labels: map[string]string{LabelOwner: id.Owner, LabelWorkspace: id.Name},
		})
		require.NoError(t, err)
		return cid
	}
	current := start(alice)
	stale := start(alice)
	stoppedContainer := start(bob)
	unknown := start(carol)
	building := start(dave)
	unlabelled, err := h.runtime.StartContainer(ctx, domain.ContainerSpec{Name: "someone-else"})
	require.NoError(t, err)

	now := h.machine.now()
	healthy := domain.NewWorkspace(alice, now)
	healthy.State, healthy.ContainerID = domain.StateHealthy, current
	stopped := domain.NewWorkspace(bob, now)
	stopped.State = domain.StateStopped
	inFlight := domain.NewWorkspace(dave, now)
	inFlight.State = domain.StateStarting
	for _, ws := range []*domain.Workspace{healthy, stopped, inFlight} {
		require.NoError(t, h.store.Save(ctx, ws))
	}

	n, err := h.machine.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{stale, stoppedContainer, unknown}, h.runtime.removed)
	assert.Equal(t, 3, h.runtime.runningCount())
	assert.NotContains(t, h.runtime.removed, current)
	assert.NotContains(t, h.runtime.removed, building)
	assert.NotContains(t, h.runtime.removed, unlabelled)
}

package deploy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/memory"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/metrics"
)

type fakeRuntime struct {
	mu      sync.Mutex
	seq     int
	started []domain.ContainerSpec
	running map[string]domain.ContainerSpec
	removed []string
	pulled  []string

	pullErr  error
	startErr error
	stopErr  error
	probe    func(id string, port int) (domain.ProbeResult, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]domain.ContainerSpec)}
}

func (f *fakeRuntime) ListContainers(context.Context) ([]domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Container
	for id, spec := range f.running {
		out = append(out, domain.Container{ID: id, Name: spec.Name, Image: spec.Image, State: "running", Labels: spec.Labels})
	}
	return out, nil
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.seq++
	id := fmt.Sprintf("c%015d", f.seq)
	f.started = append(f.started, spec)
	f.running[id] = spec
	return id, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopErr
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Probe(_ context.Context, id string, port int) (domain.ProbeResult, error) {
	f.mu.Lock()
	probe := f.probe
	f.mu.Unlock()
	if probe != nil {
		return probe(id, port)
	}
	return domain.ProbeResult{Healthy: true}, nil
}

func (f *fakeRuntime) runningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

type fakeBuilder struct {
	mu     sync.Mutex
	err    error
	builds []ports.BuildRequest
}

func (b *fakeBuilder) BuildImage(_ context.Context, req ports.BuildRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.builds = append(b.builds, req)
	return req.Image, nil
}

type fakeFollower struct {
	mu       sync.Mutex
	attached map[domain.WorkspaceID]string
}

func (f *fakeFollower) Attach(ws domain.WorkspaceID, containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[ws] = containerID
}

func (f *fakeFollower) Detach(ws domain.WorkspaceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, ws)
}

func (f *fakeFollower) get(ws domain.WorkspaceID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.attached[ws]
	return id, ok
}

type harness struct {
	machine  *Machine
	store    *memory.WorkspaceStore
	runtime  *fakeRuntime
	builder  *fakeBuilder
	ports    *PortPool
	follower *fakeFollower
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, portMin, portMax int) *harness {
	t.Helper()
	m := metrics.NewNop()
	pool, err := NewPortPool(portMin, portMax, m.PortsInUse)
	require.NoError(t, err)
	h := &harness{
		store:    memory.NewWorkspaceStore(),
		runtime:  newFakeRuntime(),
		builder:  &fakeBuilder{},
		ports:    pool,
		follower: &fakeFollower{attached: make(map[domain.WorkspaceID]string)},
		metrics:  m,
	}
	h.machine = NewMachine(Deps{
		Store:   h.store,
		Runtime: h.runtime,
		Builder: h.builder,
		Ports:   pool,
		Labeler: NewLabeler(TraefikConfig{Enabled: true, Domain: "apps.example.com", Network: "traefik-public", CertResolver: "letsencrypt"}),
		Logs:    h.follower,
		Metrics: m,
	}, Config{
		ContainerPort: 8080,
		Network:       "traefik-public",
		Volumes:       []VolumeTemplate{{Host: "/srv/lighthouse/${owner}/${workspace}", Container: "/data"}},
		Health:        HealthConfig{Interval: time.Millisecond, Attempts: 3, Timeout: 50 * time.Millisecond},
	})
	return h
}

func (h *harness) workspace(t *testing.T, id domain.WorkspaceID) *domain.Workspace {
	t.Helper()
	ws, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return ws
}

func notInterrupted() bool { return false }

func deployJob(id domain.WorkspaceID, image string) domain.Job {
	return domain.Job{ID: 1, Workspace: id, Operation: domain.OpDeploy, Image: image, Attempts: 1, Status: domain.JobRunning}
}

func opJob(id domain.WorkspaceID, op domain.Operation) domain.Job {
	return domain.Job{ID: 2, Workspace: id, Operation: op, Attempts: 1, Status: domain.JobRunning}
}

// Package deploy drives workspace containers through their lifecycle.
//
// The Machine executes jobs handed out by the job queue. Work for one
// workspace is already serialized by the queue, so the machine holds no
// per-workspace locks. Every step persists the workspace before the next
// one starts, which makes re-running a job after a crash safe.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/jobqueue"
	"github.com/melih/lighthouse/internal/logpipe"
	"github.com/melih/lighthouse/internal/metrics"
)

const cleanupTimeout = 30 * time.Second

// LogFollower streams the output of healthy workspace containers into the log pipeline.
type LogFollower interface {
	Attach(ws domain.WorkspaceID, containerID string)
	Detach(ws domain.WorkspaceID)
}

type nopFollower struct{}

func (nopFollower) Attach(domain.WorkspaceID, string) {}
func (nopFollower) Detach(domain.WorkspaceID)         {}

// VolumeTemplate mounts Host into every workspace container at Container.
// Host may reference ${owner} and ${workspace}.
type VolumeTemplate struct {
	Host      string `validate:"required"`
	Container string `validate:"required"`
}

// Config holds process-wide deployment settings.
type Config struct {
	// ContainerPort is the port workspace applications listen on inside the container.
	ContainerPort int
	// ImagePrefix names images built from source: <prefix>/<name>-<owner>:latest.
	ImagePrefix string
	Network     string
	Env         []string
	Volumes     []VolumeTemplate
	Health      HealthConfig
}

func (c Config) withDefaults() Config {
	if c.ContainerPort <= 0 {
		c.ContainerPort = 80
	}
	if c.ImagePrefix == "" {
		c.ImagePrefix = "lighthouse"
	}
	return c
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Store   ports.WorkspaceStore
	Runtime ports.ContainerRuntime
	Builder ports.BuilderService
	Ports   *PortPool
	Labeler *Labeler
	// Logs is optional.
	Logs    LogFollower
	Metrics *metrics.Metrics
}

// Machine is the deployment state machine. It implements jobqueue.Handler.
type Machine struct {
	store   ports.WorkspaceStore
	runtime ports.ContainerRuntime
	builder ports.BuilderService
	ports   *PortPool
	labeler *Labeler
	prober  *Prober
	logs    LogFollower
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     *log.Entry
}

var _ jobqueue.Handler = (*Machine)(nil)

func NewMachine(deps Deps, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	logs := deps.Logs
	if logs == nil {
		logs = nopFollower{}
	}
	return &Machine{
		store:   deps.Store,
		runtime: deps.Runtime,
		builder: deps.Builder,
		ports:   deps.Ports,
		labeler: deps.Labeler,
		prober:  NewProber(deps.Runtime, cfg.Health),
		logs:    logs,
		cfg:     cfg,
		metrics: deps.Metrics,
		now:     time.Now,
		log:     log.WithField("component", "deploy"),
	}
}

// task is one job execution against one loaded workspace.
type task struct {
	ws          *domain.Workspace
	job         domain.Job
	log         *log.Entry
	interrupted func() bool
}

func (m *Machine) logger(id domain.WorkspaceID, job domain.Job) *log.Entry {
	return m.log.WithFields(log.Fields{
		logpipe.FieldOwner:     id.Owner,
		logpipe.FieldWorkspace: id.Name,
		"job":                  job.ID,
		"operation":            job.Operation,
	})
}

// Execute runs one job. Errors wrapped with jobqueue.Permanent are final;
// any other error is retried by the queue.
func (m *Machine) Execute(ctx context.Context, job domain.Job, interrupted func() bool) error {
	ws, err := m.load(ctx, job.Workspace)
	if err != nil {
		return err
	}
	t := &task{ws: ws, job: job, log: m.logger(job.Workspace, job), interrupted: interrupted}

	if ws.State == domain.StateTerminated {
		switch job.Operation {
		case domain.OpStop, domain.OpDecommission:
			return nil
		}
		return jobqueue.Permanent(fmt.Errorf("%w: %s", ErrTerminated, ws.ID))
	}

	switch job.Operation {
	case domain.OpDeploy:
		return m.deploy(ctx, t)
	case domain.OpStop:
		return m.stop(ctx, t)
	case domain.OpRebuild:
		if err := m.stop(ctx, t); err != nil {
			return err
		}
		return m.deploy(ctx, t)
	case domain.OpDecommission:
		return m.decommission(ctx, t)
	}
	return jobqueue.Permanent(fmt.Errorf("%w: unsupported operation %q", ErrInvalidRequest, job.Operation))
}

func (m *Machine) load(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error) {
	ws, err := m.store.Get(ctx, id)
	if errors.Is(err, ports.ErrWorkspaceNotFound) {
		return domain.NewWorkspace(id, m.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace %s: %w", id, err)
	}
	return ws, nil
}

func (m *Machine) save(ctx context.Context, t *task) error {
	t.ws.UpdatedAt = m.now()
	if err := m.store.Save(ctx, t.ws); err != nil {
		return fmt.Errorf("failed to save workspace %s: %w", t.ws.ID, err)
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, t *task, to domain.State) error {
	from := t.ws.State
	if !domain.CanTransition(from, to) {
		return jobqueue.Permanent(fmt.Errorf("illegal transition %s -> %s for %s", from, to, t.ws.ID))
	}
	t.ws.State = to
	if err := m.save(ctx, t); err != nil {
		t.ws.State = from
		return err
	}
	m.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	t.log.WithFields(log.Fields{"from": from, "to": to}).Infof("Workspace %s", to)
	return nil
}

func (m *Machine) deploy(ctx context.Context, t *task) error {
	ws := t.ws
	image, source := t.job.Image, t.job.Source
	if image == "" && source == "" {
		image, source = ws.Image, ws.Source
	}
	if image == "" && source == "" {
		return jobqueue.Permanent(fmt.Errorf("%w: no image or source for %s", ErrInvalidRequest, ws.ID))
	}
	if image == "" {
		image = m.builtImage(ws.ID)
	}
	if ws.State == domain.StateHealthy && ws.Image == image && ws.Source == source {
		t.log.WithField("image", image).Info("Workspace already running this image")
		return nil
	}

	switch ws.State {
	case domain.StateHealthy:
		if err := m.replace(ctx, t); err != nil {
			return err
		}
	case domain.StateBuilding, domain.StateStarting, domain.StateStopping:
		if err := m.recoverInterrupted(ctx, t); err != nil {
			return err
		}
	}

	port, err := m.ports.Allocate(ws.ID)
	if err != nil {
		ws.LastError = err.Error()
		if serr := m.save(ctx, t); serr != nil {
			return serr
		}
		t.log.WithError(err).Error("No host port available")
		return jobqueue.Permanent(err)
	}

	ws.Image, ws.Source, ws.Port = image, source, port
	ws.Volumes = m.volumes(ws.ID)
	ws.LastError = ""
	if err := m.transition(ctx, t, domain.StateBuilding); err != nil {
		return err
	}

	if t.interrupted() {
		return jobqueue.Interrupted("build")
	}
	if source != "" {
		t.log.WithFields(log.Fields{"source": source, "image": image}).Info("Building image")
		if _, err := m.builder.BuildImage(ctx, ports.BuildRequest{Source: source, Image: image}); err != nil {
			return m.fail(ctx, t, fmt.Errorf("build %s: %w", image, err), errors.Is(err, ErrBuildFailed))
		}
	} else {
		t.log.WithField("image", image).Info("Pulling image")
		if err := m.runtime.EnsureImage(ctx, image); err != nil {
			return m.fail(ctx, t, fmt.Errorf("pull %s: %w", image, err), false)
		}
	}

	if t.interrupted() {
		return jobqueue.Interrupted("container start")
	}
	if err := m.transition(ctx, t, domain.StateStarting); err != nil {
		return err
	}
	id, err := m.runtime.StartContainer(ctx, m.containerSpec(ws))
	if err != nil {
		return m.fail(ctx, t, fmt.Errorf("start container: %w", err), false)
	}
	ws.ContainerID = id
	if err := m.save(ctx, t); err != nil {
		return err
	}
	t.log.WithFields(log.Fields{"container": shortID(id), "port": port}).Info("Container started, waiting for health")

	if t.interrupted() {
		return jobqueue.Interrupted("health probe")
	}
	res, err := m.prober.Wait(ctx, id, port, t.interrupted)
	if err != nil {
		return err
	}
	if !res.Healthy {
		return m.fail(ctx, t, fmt.Errorf("%w: %s", ErrHealthProbeTimeout, res.Reason), true)
	}

	ws.URL = m.labeler.URL(ws.ID)
	if err := m.transition(ctx, t, domain.StateHealthy); err != nil {
		return err
	}
	m.logs.Attach(ws.ID, id)
	return nil
}

// replace stops the running container of a healthy workspace so a new image
// can be deployed. The port is kept.
func (m *Machine) replace(ctx context.Context, t *task) error {
	if err := m.transition(ctx, t, domain.StateStopping); err != nil {
		return err
	}
	if err := m.stopContainer(ctx, t, false); err != nil {
		return err
	}
	return m.transition(ctx, t, domain.StateStopped)
}

func (m *Machine) stop(ctx context.Context, t *task) error {
	switch t.ws.State {
	case domain.StateNew, domain.StateStopped:
		t.log.Info("Workspace is not running")
		return nil
	case domain.StateBuilding, domain.StateStarting:
		if err := m.recoverInterrupted(ctx, t); err != nil {
			return err
		}
	}
	if t.ws.State != domain.StateStopping {
		if err := m.transition(ctx, t, domain.StateStopping); err != nil {
			return err
		}
	}
	if t.interrupted() {
		return jobqueue.Interrupted("container stop")
	}
	if err := m.stopContainer(ctx, t, true); err != nil {
		return err
	}
	return m.transition(ctx, t, domain.StateStopped)
}

// stopContainer stops and removes the container of a stopping workspace.
// A failure moves the workspace to error and is returned as retryable.
func (m *Machine) stopContainer(ctx context.Context, t *task, releasePort bool) error {
	ws := t.ws
	m.logs.Detach(ws.ID)
	if ws.ContainerID != "" {
		if err := m.runtime.StopContainer(ctx, ws.ContainerID); err != nil {
			return m.fail(ctx, t, fmt.Errorf("stop container: %w", err), false)
		}
		if err := m.runtime.RemoveContainer(ctx, ws.ContainerID); err != nil {
			return m.fail(ctx, t, fmt.Errorf("remove container: %w", err), false)
		}
		t.log.WithField("container", shortID(ws.ContainerID)).Info("Container removed")
		ws.ContainerID = ""
	}
	if releasePort {
		m.ports.Release(ws.ID)
		ws.Port = 0
		ws.URL = ""
	}
	return m.save(ctx, t)
}

func (m *Machine) decommission(ctx context.Context, t *task) error {
	switch t.ws.State {
	case domain.StateNew, domain.StateStopped:
	case domain.StateError:
		m.cleanup(ctx, t, true)
	default:
		if err := m.stop(ctx, t); err != nil {
			return err
		}
	}
	m.logs.Detach(t.ws.ID)
	return m.transition(ctx, t, domain.StateTerminated)
}

// recoverInterrupted moves a workspace left mid-transition by a crashed or
// cancelled job to error, removing any half-started container.
func (m *Machine) recoverInterrupted(ctx context.Context, t *task) error {
	t.log.Warnf("Workspace was left %s by an interrupted job", t.ws.State)
	t.ws.LastError = fmt.Sprintf("interrupted while %s", t.ws.State)
	m.cleanup(ctx, t, false)
	return m.transition(ctx, t, domain.StateError)
}

// fail moves the workspace to error after a failed step. During shutdown the
// workspace is left as is and the context error returned, so the job is
// delivered again after restart.
func (m *Machine) fail(ctx context.Context, t *task, cause error, permanent bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.log.WithError(cause).Error("Step failed")
	m.cleanup(ctx, t, true)
	t.ws.LastError = cause.Error()
	if err := m.transition(ctx, t, domain.StateError); err != nil {
		t.log.WithError(err).Error("Failed to record error state")
	}
	if permanent {
		return jobqueue.Permanent(cause)
	}
	return cause
}

// cleanup removes the workspace container and optionally its port. Errors are
// logged only; a container that survives is removed by the next run.
func (m *Machine) cleanup(ctx context.Context, t *task, releasePort bool) {
	ws := t.ws
	m.logs.Detach(ws.ID)
	if ws.ContainerID != "" {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := m.runtime.RemoveContainer(cctx, ws.ContainerID); err != nil {
			t.log.WithError(err).WithField("container", shortID(ws.ContainerID)).Warn("Failed to remove container")
		} else {
			ws.ContainerID = ""
		}
	}
	if releasePort {
		m.ports.Release(ws.ID)
		ws.Port = 0
		ws.URL = ""
	}
}

// JobFailed records the final error of a failed or cancelled job and leaves
// the workspace in a state from which a new deploy can start.
func (m *Machine) JobFailed(ctx context.Context, job domain.Job, jobErr error) {
	logger := m.logger(job.Workspace, job)
	ws, err := m.store.Get(ctx, job.Workspace)
	if errors.Is(err, ports.ErrWorkspaceNotFound) {
		m.ports.Release(job.Workspace)
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to load workspace after job failure")
		return
	}
	t := &task{ws: ws, job: job, log: logger, interrupted: func() bool { return false }}
	reason := "job failed"
	if jobErr != nil {
		reason = jobErr.Error()
	}

	switch ws.State {
	case domain.StateTerminated:
		return
	case domain.StateHealthy:
		ws.LastError = reason
		if err := m.save(ctx, t); err != nil {
			logger.WithError(err).Error("Failed to record job failure")
		}
	case domain.StateBuilding, domain.StateStarting, domain.StateStopping:
		m.cleanup(ctx, t, true)
		ws.LastError = reason
		if err := m.transition(ctx, t, domain.StateError); err != nil {
			logger.WithError(err).Error("Failed to record job failure")
		}
	default:
		m.cleanup(ctx, t, true)
		ws.LastError = reason
		if err := m.save(ctx, t); err != nil {
			logger.WithError(err).Error("Failed to record job failure")
		}
	}
}

// Recover restores port reservations and log followers from the store. Call
// it before workers start.
func (m *Machine) Recover(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}
	reserved := 0
	for _, ws := range all {
		if ws.State == domain.StateTerminated || ws.Port == 0 {
			continue
		}
		logger := m.log.WithFields(log.Fields{logpipe.FieldOwner: ws.ID.Owner, logpipe.FieldWorkspace: ws.ID.Name})
		if err := m.ports.Reserve(ws.ID, ws.Port); err != nil {
			logger.WithError(err).Warn("Cannot restore port reservation")
			continue
		}
		reserved++
		if ws.State == domain.StateHealthy && ws.ContainerID != "" {
			m.logs.Attach(ws.ID, ws.ContainerID)
		}
	}
	m.log.Infof("Restored %d port reservations", reserved)
	if _, err := m.SweepOrphans(ctx); err != nil {
		m.log.WithError(err).Warn("Orphan container sweep failed")
	}
	return reserved, nil
}

// SweepOrphans removes managed containers that no workspace owns any more:
// the workspace is gone, stopped or terminated, or runs a different
// container. Workspaces mid-transition are left to their next job.
func (m *Machine) SweepOrphans(ctx context.Context) (int, error) {
	containers, err := m.runtime.ListContainers(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range containers {
		id := domain.WorkspaceID{Owner: c.Labels[LabelOwner], Name: c.Labels[LabelWorkspace]}
		if id.Validate() != nil {
			continue
		}
		ws, err := m.store.Get(ctx, id)
		switch {
		case errors.Is(err, ports.ErrWorkspaceNotFound):
		case err != nil:
			return removed, err
		case !orphaned(ws, c.ID):
			continue
		}
		logger := m.log.WithFields(log.Fields{logpipe.FieldOwner: id.Owner, logpipe.FieldWorkspace: id.Name})
		if err := m.runtime.RemoveContainer(ctx, c.ID); err != nil {
			logger.WithError(err).Warnf("Cannot remove orphaned container %s", c.Name)
			continue
		}
		logger.Infof("Removed orphaned container %s", c.Name)
		removed++
	}
	return removed, nil
}

func orphaned(ws *domain.Workspace, containerID string) bool {
	switch ws.State {
	case domain.StateNew, domain.StateStopped, domain.StateTerminated:
		return true
	case domain.StateHealthy, domain.StateError:
		return ws.ContainerID == "" || !strings.HasPrefix(ws.ContainerID, containerID)
	default:
		return false
	}
}

func (m *Machine) builtImage(id domain.WorkspaceID) string {
	return m.cfg.ImagePrefix + "/" + id.Slug() + ":latest"
}

func (m *Machine) volumes(id domain.WorkspaceID) map[string]string {
	if len(m.cfg.Volumes) == 0 {
		return nil
	}
	r := strings.NewReplacer("${owner}", id.Owner, "${workspace}", id.Name)
	out := make(map[string]string, len(m.cfg.Volumes))
	for _, v := range m.cfg.Volumes {
		out[r.Replace(v.Host)] = v.Container
	}
	return out
}

// ContainerName is the runtime name of the container of id.
func ContainerName(id domain.WorkspaceID) string {
	return "lighthouse-" + id.Slug()
}

func (m *Machine) containerSpec(ws *domain.Workspace) domain.ContainerSpec {
	env := append([]string{fmt.Sprintf("PORT=%d", m.cfg.ContainerPort)}, m.cfg.Env...)
	return domain.ContainerSpec{
		Name:          ContainerName(ws.ID),
		Image:         ws.Image,
		HostPort:      ws.Port,
		ContainerPort: m.cfg.ContainerPort,
		Env:           env,
		Labels:        m.labeler.Labels(ws.ID, ws.Port, m.cfg.ContainerPort),
		Volumes:       ws.Volumes,
		Network:       m.cfg.Network,
		LogTag:        logpipe.WorkspaceTag(logpipe.ServiceTagPrefix, ws.ID.Owner, ws.ID.Name),
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// managedLabel marks containers created by lighthouse.
const managedLabel = "lighthouse.managed"

// Config selects the Docker endpoint and how container output is shipped.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// FluentdAddress switches the container log driver to fluentd.
	FluentdAddress string
	StopTimeout    time.Duration
	ProbeTimeout   time.Duration
	// ProbeHost is where published ports are reachable from this process.
	ProbeHost string
	LogTail   int
}

// Adapter implements ports.ContainerRuntime, ports.LogSource and
// ports.StatsSource using Docker SDK
type Adapter struct {
	cli    *client.Client
	cfg    Config
	http   *http.Client
	logger *log.Entry
}

var (
	_ ports.ContainerRuntime = (*Adapter)(nil)
	_ ports.LogSource        = (*Adapter)(nil)
)

// NewAdapter creates a new Docker adapter instance
func NewAdapter(cfg Config) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.ProbeHost == "" {
		cfg.ProbeHost = "127.0.0.1"
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 200
	}
	return &Adapter{
		cli:    cli,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.ProbeTimeout},
		logger: log.WithField("component", "docker"),
	}, nil
}

// Ping checks the daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach docker daemon: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}

// ListContainers returns the containers lighthouse manages, running or not.
func (a *Adapter) ListContainers(ctx context.Context) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		// Use the first name if available, remove slash
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0][1:]
		}
		result = append(result, domain.Container{
			ID:     shortID(c.ID),
			Name:   name,
			Image:  c.Image,
			Status: c.Status,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// EnsureImage pulls image unless it is already present locally.
func (a *Adapter) EnsureImage(ctx context.Context, image string) error {
	if _, _, err := a.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	a.logger.WithField("image", image).Info("Pulling image")
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// StartContainer creates and starts the workspace container, replacing any
// container left behind under the same name.
func (a *Adapter) StartContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	if err := a.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[managedLabel] = "true"

	binds := make([]string, 0, len(spec.Volumes))
	for host, target := range spec.Volumes {
		binds = append(binds, host+":"+target)
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Binds:         binds,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		LogConfig:     a.logConfig(spec.LogTag),
	}
	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		a.logger.WithField("container", spec.Name).Warn(w)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

func (a *Adapter) logConfig(logTag string) container.LogConfig {
	if a.cfg.FluentdAddress != "" {
		return container.LogConfig{
			Type: "fluentd",
			Config: map[string]string{
				"fluentd-address": a.cfg.FluentdAddress,
				"fluentd-async":   "true",
				"tag":             logTag,
			},
		}
	}
	return container.LogConfig{
		Type:   "json-file",
		Config: map[string]string{"max-size": "10m", "max-file": "3", "tag": logTag},
	}
}

// StopContainer stops a running container. A missing container counts as stopped.
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StopTimeout+5*time.Second)
	defer cancel()
	seconds := int(a.cfg.StopTimeout / time.Second)
	err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
	}
	return nil
}

// RemoveContainer force-removes a container. A missing container counts as removed.
func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// Probe prefers the container's own HEALTHCHECK and falls back to an HTTP
// request against the published port.
func (a *Adapter) Probe(ctx context.Context, id string, port int) (domain.ProbeResult, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.ProbeResult{}, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}
	if info.State == nil || !info.State.Running {
		reason := "container is not running"
		if info.State != nil {
			reason = fmt.Sprintf("container %s (exit code %d)", info.State.Status, info.State.ExitCode)
		}
		return domain.ProbeResult{Reason: reason}, nil
	}
	if h := info.State.Health; h != nil {
		if h.Status == types.Healthy {
			return domain.ProbeResult{Healthy: true}, nil
		}
		return domain.ProbeResult{Reason: "healthcheck " + h.Status}, nil
	}
	return a.probeHTTP(ctx, port), nil
}

// probeHTTP treats any answer below 500 as healthy.
func (a *Adapter) probeHTTP(ctx context.Context, port int) domain.ProbeResult {
	url := fmt.Sprintf("http://%s:%d/", a.cfg.ProbeHost, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ProbeResult{Reason: err.Error()}
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return domain.ProbeResult{Reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.ProbeResult{Reason: "http status " + resp.Status}
	}
	return domain.ProbeResult{Healthy: true}
}

// FollowLogs streams demultiplexed stdout and stderr until the container
// exits or the reader is closed.
func (a *Adapter) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return a.logs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
}

// GetContainerLogs returns the recent log tail of a container.
func (a *Adapter) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return a.logs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(a.cfg.LogTail),
	})
}

func (a *Adapter) logs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	raw, err := a.cli.ContainerLogs(ctx, id, options)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", shortID(id), err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return &logReader{PipeReader: pr, raw: raw}, nil
}

// logReader closes the daemon stream along with the pipe so the copier exits.
type logReader struct {
	*io.PipeReader
	raw io.Closer
}

func (r *logReader) Close() error {
	r.raw.Close()
	return r.PipeReader.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

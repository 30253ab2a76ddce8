package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/jobqueue"
)

// HealthConfig bounds health polling after a container starts.
type HealthConfig struct {
	Interval time.Duration
	Attempts int
	// Timeout bounds a single probe.
	Timeout time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 30
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// Prober polls a container until it reports healthy.
type Prober struct {
	runtime ports.ContainerRuntime
	cfg     HealthConfig
}

func NewProber(runtime ports.ContainerRuntime, cfg HealthConfig) *Prober {
	return &Prober{runtime: runtime, cfg: cfg.withDefaults()}
}

// Wait probes up to Attempts times, Interval apart, and returns the first
// healthy result. When every probe fails it returns the last unhealthy
// result and a nil error. It returns an error only when ctx ends or the job
// is interrupted.
func (p *Prober) Wait(ctx context.Context, id string, port int, interrupted func() bool) (domain.ProbeResult, error) {
	last := domain.ProbeResult{Reason: "no probe completed"}
	err := retry.Do(
		func() error {
			if interrupted() {
				return retry.Unrecoverable(jobqueue.Interrupted("health probe"))
			}
			pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			res, err := p.runtime.Probe(pctx, id, port)
			if err != nil {
				last = domain.ProbeResult{Reason: err.Error()}
				return err
			}
			last = res
			if !res.Healthy {
				return errors.New(res.Reason)
			}
			return nil
		},
		retry.Attempts(uint(p.cfg.Attempts)),
		retry.Delay(p.cfg.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, jobqueue.ErrInterrupted):
		return last, err
	case ctx.Err() != nil:
		return last, ctx.Err()
	}
	return last, nil
}

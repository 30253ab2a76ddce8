package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/metrics"
)

// Handler executes jobs. Execute must be idempotent: a job interrupted by a
// crash is delivered again.
type Handler interface {
	// Execute runs job. interrupted reports whether the job was cancelled;
	// handlers check it between steps and return ErrInterrupted.
	Execute(ctx context.Context, job domain.Job, interrupted func() bool) error
	// JobFailed is called once a job failed permanently or was cancelled.
	// No other job of the workspace runs until it returns.
	JobFailed(ctx context.Context, job domain.Job, err error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers       int
	PruneInterval time.Duration
}

// Pool runs a fixed number of workers against a Queue.
type Pool struct {
	queue    *Queue
	handler  Handler
	cfg      PoolConfig
	instance string
	metrics  *metrics.Metrics
	log      *log.Entry
}

func NewPool(q *Queue, h Handler, cfg PoolConfig, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 10 * time.Minute
	}
	instance := uuid.NewString()[:8]
	return &Pool{
		queue:    q,
		handler:  h,
		cfg:      cfg,
		instance: instance,
		metrics:  m,
		log:      log.WithFields(log.Fields{"component": "workers", "instance": instance}),
	}
}

// Run starts the workers and the history janitor and blocks until ctx is done
// and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers + 1)
	for i := 0; i < p.cfg.Workers; i++ {
		name := fmt.Sprintf("%s/worker-%d", p.instance, i+1)
		go func() {
			defer wg.Done()
			p.work(ctx, name)
		}()
	}
	go func() {
		defer wg.Done()
		p.prune(ctx)
	}()
	p.log.Infof("Started %d workers", p.cfg.Workers)
	wg.Wait()
	p.log.Info("All workers stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, name string) {
	logger := p.log.WithField("worker", name)
	for {
		job, err := p.queue.Dequeue(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.run(ctx, logger, job)
	}
}

func (p *Pool) run(ctx context.Context, logger *log.Entry, job domain.Job) {
	logger = logger.WithFields(log.Fields{
		"job":       job.ID,
		"operation": job.Operation,
		"attempt":   job.Attempts,
	})
	interrupt := p.queue.Interrupt(job.ID)
	interrupted := func() bool {
		select {
		case <-interrupt:
			return true
		default:
			return false
		}
	}

	logger.Info("Executing job")
	execErr := p.handler.Execute(ctx, job, interrupted)
	if execErr != nil && ctx.Err() != nil && errors.Is(execErr, ctx.Err()) {
		// Shutting down: leave the job claimed so Recover delivers it again.
		logger.WithError(execErr).Warn("Job abandoned by shutdown")
		return
	}

	outcome, err := p.queue.Complete(context.Background(), job.ID, execErr)
	if err != nil {
		logger.WithError(err).Error("Failed to record job completion")
		return
	}
	switch outcome {
	case OutcomeSucceeded:
		logger.Info("Job succeeded")
		p.metrics.Jobs.WithLabelValues(string(job.Operation), string(domain.JobSucceeded)).Inc()
	case OutcomeRetry:
		logger.WithError(execErr).Warn("Job failed, will retry")
	case OutcomeFailed, OutcomeCancelled:
		status := domain.JobFailed
		if outcome == OutcomeCancelled {
			status = domain.JobCancelled
		}
		logger.WithError(execErr).Errorf("Job %s", status)
		p.metrics.Jobs.WithLabelValues(string(job.Operation), string(status)).Inc()
		p.fail(logger, job, execErr)
	}
}

// fail runs the handler's failure cleanup while the job still holds its
// workspace, then lets the workspace's next job run.
func (p *Pool) fail(logger *log.Entry, job domain.Job, execErr error) {
	defer func() {
		if err := p.queue.Release(job.ID); err != nil {
			logger.WithError(err).Error("Failed to release workspace")
		}
	}()
	p.handler.JobFailed(context.Background(), job, execErr)
}

func (p *Pool) prune(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Prune(ctx)
			if err != nil {
				p.log.WithError(err).Warn("Pruning job history failed")
			} else if n > 0 {
				p.log.Debugf("Pruned %d finished jobs", n)
			}
		}
	}
}

// Package jobqueue dispatches lifecycle jobs with per-workspace ordering.
//
// Jobs are kept in one FIFO shard per workspace. A worker claims a whole
// shard while it runs the shard's head job, so jobs of one workspace never
// run concurrently and always run in enqueue order, while different
// workspaces proceed in parallel.
package jobqueue

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Config configures retries and history retention.
type Config struct {
	// MaxRetries is how many times a failed job is retried before it fails
	// permanently. Zero means DefaultMaxRetries; a negative value disables retries.
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HistoryRetention time.Duration
}

const (
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = 2 * time.Second
	DefaultMaxDelay         = time.Minute
	DefaultHistoryRetention = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = DefaultHistoryRetention
	}
	return c
}

// Request asks for one job.
type Request struct {
	Workspace domain.WorkspaceID
	Operation domain.Operation
	// Origin is the operation the caller asked for when it was expanded into several jobs.
	Origin domain.Operation
	Image  string
	Source string
}

// Outcome is what Complete did with a job.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeRetry
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type shard struct {
	ws        domain.WorkspaceID
	pending   []*domain.Job
	running   *domain.Job
	interrupt chan struct{}
	elem      *list.Element
}

// Queue is the job queue. Construct it with New and share the instance
// between whatever enqueues jobs and whatever runs workers.
type Queue struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *log.Entry

	mu     sync.Mutex
	jobs   map[domain.JobID]*domain.Job
	shards map[domain.WorkspaceID]*shard
	ready  *list.List
	wake   chan struct{}
}

func New(store Store, cfg Config) *Queue {
	return &Queue{
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    log.WithField("component", "jobqueue"),
		jobs:   make(map[domain.JobID]*domain.Job),
		shards: make(map[domain.WorkspaceID]*shard),
		ready:  list.New(),
		wake:   make(chan struct{}),
	}
}

// signalLocked wakes every waiting Dequeue.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.signalLocked()
}

func (q *Queue) shardLocked(ws domain.WorkspaceID) *shard {
	sh, ok := q.shards[ws]
	if !ok {
		sh = &shard{ws: ws}
		q.shards[ws] = sh
	}
	return sh
}

// releaseLocked makes the shard claimable again, or forgets it when empty.
func (q *Queue) releaseLocked(sh *shard) {
	switch {
	case sh.running != nil:
	case len(sh.pending) > 0:
		if sh.elem == nil {
			sh.elem = q.ready.PushBack(sh)
		}
	default:
		if sh.elem != nil {
			q.ready.Remove(sh.elem)
			sh.elem = nil
		}
		delete(q.shards, sh.ws)
	}
}

// Enqueue adds one job at the tail of its workspace's shard.
func (q *Queue) Enqueue(ctx context.Context, req Request) (domain.JobID, error) {
	ids, err := q.EnqueueAll(ctx, []Request{req})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// EnqueueAll adds the jobs in order. No other job is interleaved between
// them, and either all of them are queued or none is.
func (q *Queue) EnqueueAll(ctx context.Context, reqs []Request) ([]domain.JobID, error) {
	if err := validateRequests(reqs); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(ctx, reqs)
}

// Replace cancels the pending and running work of ws and queues reqs for it
// in one step, so nothing submitted concurrently runs in between.
func (q *Queue) Replace(ctx context.Context, ws domain.WorkspaceID, reqs []Request) (int, []domain.JobID, error) {
	if err := validateRequests(reqs); err != nil {
		return 0, nil, err
	}
	for _, req := range reqs {
		if req.Workspace != ws {
			return 0, nil, fmt.Errorf("request for %s does not belong to %s", req.Workspace, ws)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drained, err := q.cancelLocked(ctx, ws)
	if err != nil {
		return drained, nil, err
	}
	ids, err := q.enqueueLocked(ctx, reqs)
	return drained, ids, err
}

func validateRequests(reqs []Request) error {
	for _, req := range reqs {
		if err := req.Workspace.Validate(); err != nil {
			return err
		}
		if _, err := domain.ParseOperation(string(req.Operation)); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) enqueueLocked(ctx context.Context, reqs []Request) ([]domain.JobID, error) {
	jobs := make([]*domain.Job, 0, len(reqs))
	for _, req := range reqs {
		id, err := q.store.NextID(ctx)
		if err != nil {
			return nil, q.discardLocked(ctx, jobs, fmt.Errorf("allocate job id: %w", err))
		}
		job := &domain.Job{
			ID:         id,
			Workspace:  req.Workspace,
			Operation:  req.Operation,
			Origin:     req.Origin,
			Image:      req.Image,
			Source:     req.Source,
			EnqueuedAt: q.now(),
			Status:     domain.JobQueued,
		}
		if err := q.store.Save(ctx, *job); err != nil {
			return nil, q.discardLocked(ctx, jobs, fmt.Errorf("persist job %d: %w", id, err))
		}
		jobs = append(jobs, job)
	}

	ids := make([]domain.JobID, 0, len(jobs))
	for _, job := range jobs {
		q.jobs[job.ID] = job
		sh := q.shardLocked(job.Workspace)
		sh.pending = append(sh.pending, job)
		q.releaseLocked(sh)
		ids = append(ids, job.ID)
		q.log.WithFields(log.Fields{
			"job":       job.ID,
			"workspace": job.Workspace.String(),
			"operation": job.Operation,
		}).Debug("Job enqueued")
	}
	q.signalLocked()
	return ids, nil
}

// discardLocked deletes the already persisted part of a failed batch so
// Recover does not pick it up.
func (q *Queue) discardLocked(ctx context.Context, saved []*domain.Job, cause error) error {
	if len(saved) == 0 {
		return cause
	}
	ids := make([]domain.JobID, 0, len(saved))
	for _, job := range saved {
		ids = append(ids, job.ID)
	}
	if err := q.store.Delete(context.WithoutCancel(ctx), ids...); err != nil {
		return multierror.Append(cause, fmt.Errorf("discard jobs %v: %w", ids, err))
	}
	return cause
}

// Dequeue claims the next runnable job, blocking until one is available or
// ctx is done. The job's whole shard stays claimed until Complete.
func (q *Queue) Dequeue(ctx context.Context, worker string) (domain.Job, error) {
	for {
		q.mu.Lock()
		sh, wait := q.nextReadyLocked()
		if sh != nil {
			job, err := q.claimLocked(ctx, sh, worker)
			q.mu.Unlock()
			if err != nil {
				return domain.Job{}, err
			}
			return job, nil
		}
		wake := q.wake
		q.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return domain.Job{}, ctx.Err()
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextReadyLocked pops the first shard whose head job may run now. When none
// can, it returns how long until the earliest delayed one becomes runnable.
func (q *Queue) nextReadyLocked() (*shard, time.Duration) {
	now := q.now()
	var wait time.Duration
	for e := q.ready.Front(); e != nil; e = e.Next() {
		sh := e.Value.(*shard)
		head := sh.pending[0]
		if d := head.NotBefore.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.ready.Remove(e)
		sh.elem = nil
		return sh, 0
	}
	return nil, wait
}

func (q *Queue) claimLocked(ctx context.Context, sh *shard, worker string) (domain.Job, error) {
	job := sh.pending[0]
	claimed := *job
	claimed.Status = domain.JobRunning
	claimed.Attempts++
	claimed.Worker = worker
	if err := q.store.Save(ctx, claimed); err != nil {
		q.releaseLocked(sh)
		return domain.Job{}, fmt.Errorf("persist claim of job %d: %w", job.ID, err)
	}
	*job = claimed
	sh.pending = sh.pending[1:]
	sh.running = job
	sh.interrupt = make(chan struct{})
	return claimed, nil
}

// Interrupt returns a channel closed when the running job id is cancelled.
func (q *Queue) Interrupt(id domain.JobID) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		if sh, ok := q.shards[job.Workspace]; ok && sh.running == job {
			return sh.interrupt
		}
	}
	return make(chan struct{})
}

// Complete records the result of running job id.
// A nil execErr succeeds the job. ErrInterrupted, or any error once the job
// was cancelled, cancels it. Permanent errors, and errors after MaxRetries
// retries, fail it. Any other error puts the job back at the head of its
// shard after an exponential backoff.
//
// A succeeded or retried job releases its shard. A failed or cancelled job
// keeps the shard claimed until Release, so failure handling runs before the
// workspace's next job.
func (q *Queue) Complete(ctx context.Context, id domain.JobID, execErr error) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return 0, fmt.Errorf("%w %d", ErrUnknownJob, id)
	}
	sh, ok := q.shards[job.Workspace]
	if !ok || sh.running != job || job.Status != domain.JobRunning {
		return 0, fmt.Errorf("%w: %d", ErrNotRunning, id)
	}

	now := q.now()
	next := *job
	next.Worker = ""
	var outcome Outcome
	switch {
	case execErr == nil:
		outcome = OutcomeSucceeded
		next.Status = domain.JobSucceeded
		next.LastError = ""
	case isInterrupted(execErr) || closed(sh.interrupt):
		outcome = OutcomeCancelled
		next.Status = domain.JobCancelled
		next.LastError = execErr.Error()
	case IsPermanent(execErr) || job.Attempts > q.cfg.MaxRetries:
		outcome = OutcomeFailed
		next.Status = domain.JobFailed
		next.LastError = execErr.Error()
	default:
		outcome = OutcomeRetry
		next.Status = domain.JobQueued
		next.LastError = execErr.Error()
		next.NotBefore = now.Add(q.backoff(job.Attempts))
	}
	if outcome != OutcomeRetry {
		next.CompletedAt = &now
	}
	if err := q.store.Save(ctx, next); err != nil {
		// The job stays claimed; it is requeued by Recover after a restart.
		return 0, fmt.Errorf("persist completion of job %d: %w", id, err)
	}
	*job = next

	sh.interrupt = nil
	switch outcome {
	case OutcomeFailed, OutcomeCancelled:
		return outcome, nil
	case OutcomeRetry:
		sh.pending = append([]*domain.Job{job}, sh.pending...)
		delay := job.NotBefore.Sub(now)
		time.AfterFunc(delay, q.signal)
	}
	sh.running = nil
	q.releaseLocked(sh)
	q.signalLocked()
	return outcome, nil
}

// Release frees the shard a failed or cancelled job kept claimed.
func (q *Queue) Release(id domain.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownJob, id)
	}
	sh, ok := q.shards[job.Workspace]
	if !ok || sh.running != job || !job.Status.Terminal() {
		return fmt.Errorf("%w: %d", ErrNotHeld, id)
	}
	sh.running = nil
	q.releaseLocked(sh)
	q.signalLocked()
	return nil
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// backoff returns BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return d
}

// Cancel drops every queued job of ws and interrupts its running job.
// It returns the number of queued jobs drained.
func (q *Queue) Cancel(ctx context.Context, ws domain.WorkspaceID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(ctx, ws)
}

func (q *Queue) cancelLocked(ctx context.Context, ws domain.WorkspaceID) (int, error) {
	sh, ok := q.shards[ws]
	if !ok {
		return 0, nil
	}
	now := q.now()
	drained := 0
	for len(sh.pending) > 0 {
		job := sh.pending[0]
		next := *job
		next.Status = domain.JobCancelled
		next.LastError = "cancelled before execution"
		next.CompletedAt = &now
		if err := q.store.Save(ctx, next); err != nil {
			q.releaseLocked(sh)
			return drained, fmt.Errorf("persist cancellation of job %d: %w", job.ID, err)
		}
		*job = next
		sh.pending = sh.pending[1:]
		drained++
	}
	if sh.running != nil && sh.interrupt != nil && !closed(sh.interrupt) {
		close(sh.interrupt)
	}
	q.releaseLocked(sh)
	return drained, nil
}

// Recover loads persisted jobs. Jobs left running by a previous process are
// queued again at the head of their workspace's shard. Call it before
// starting workers.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	stored, err := q.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		ri, rj := stored[i].Status == domain.JobRunning, stored[j].Status == domain.JobRunning
		if ri != rj {
			return ri
		}
		return stored[i].ID < stored[j].ID
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	requeued := 0
	for i := range stored {
		job := stored[i]
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if job.Status == domain.JobRunning {
			job.Status = domain.JobQueued
			job.Worker = ""
			if err := q.store.Save(ctx, job); err != nil {
				return requeued, fmt.Errorf("requeue job %d: %w", job.ID, err)
			}
			requeued++
			q.log.WithFields(log.Fields{
				"job":       job.ID,
				"workspace": job.Workspace.String(),
			}).Warn("Requeued job interrupted by restart")
		}
		j := &job
		q.jobs[j.ID] = j
		if j.Status == domain.JobQueued {
			sh := q.shardLocked(j.Workspace)
			sh.pending = append(sh.pending, j)
			q.releaseLocked(sh)
		}
	}
	q.signalLocked()
	return requeued, nil
}

// Prune forgets terminal jobs completed longer than HistoryRetention ago.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.cfg.HistoryRetention)
	var ids []domain.JobID
	for id, job := range q.jobs {
		if sh, ok := q.shards[job.Workspace]; ok && sh.running == job {
			continue
		}
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.store.Delete(ctx, ids...); err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	for _, id := range ids {
		delete(q.jobs, id)
	}
	return len(ids), nil
}

// Get returns a retained job.
func (q *Queue) Get(id domain.JobID) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w %d", ErrUnknownJob, id)
	}
	return *job, nil
}

// List returns the retained jobs of ws, oldest first.
func (q *Queue) List(ws domain.WorkspaceID) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Job
	for _, job := range q.jobs {
		if job.Workspace == ws {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Depth returns the number of queued (not running) jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, sh := range q.shards {
		n += len(sh.pending)
	}
	return n
}

// Package ingest follows workspace container output and feeds it, line by
// line, into the log pipeline.
package ingest

import (
	"bufio"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/logpipe"
)

const maxLineSize = 1 << 20

// Ingester accepts raw tagged lines. *logpipe.Pipeline implements it.
type Ingester interface {
	Ingest(rawTag, text string, at time.Time) error
}

var _ Ingester = (*logpipe.Pipeline)(nil)

type stream struct {
	containerID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// Follower keeps one log stream per attached workspace.
type Follower struct {
	source ports.LogSource
	sink   Ingester
	log    *log.Entry

	mu      sync.Mutex
	streams map[domain.WorkspaceID]*stream
	closed  bool
	wg      sync.WaitGroup
}

func NewFollower(source ports.LogSource, sink Ingester) *Follower {
	return &Follower{
		source:  source,
		sink:    sink,
		log:     log.WithField("component", "ingest"),
		streams: make(map[domain.WorkspaceID]*stream),
	}
}

// Attach starts following containerID as the output of ws. Attaching the
// container already followed is a no-op; a different container replaces it.
func (f *Follower) Attach(ws domain.WorkspaceID, containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if s, ok := f.streams[ws]; ok {
		if s.containerID == containerID {
			return
		}
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{containerID: containerID, cancel: cancel, done: make(chan struct{})}
	f.streams[ws] = s
	f.wg.Add(1)
	go f.follow(ctx, ws, s)
}

// Detach stops following ws.
func (f *Follower) Detach(ws domain.WorkspaceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[ws]; ok {
		s.cancel()
		delete(f.streams, ws)
	}
}

// Attached returns the container followed for ws.
func (f *Follower) Attached(ws domain.WorkspaceID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[ws]
	if !ok {
		return "", false
	}
	return s.containerID, true
}

// Close stops every stream and waits for them to finish.
func (f *Follower) Close() {
	f.mu.Lock()
	f.closed = true
	for ws, s := range f.streams {
		s.cancel()
		delete(f.streams, ws)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Follower) follow(ctx context.Context, ws domain.WorkspaceID, s *stream) {
	defer f.wg.Done()
	defer close(s.done)
	defer f.forget(ws, s)

	logger := f.log.WithFields(log.Fields{"workspace": ws.String(), "container": shortID(s.containerID)})
	rc, err := f.source.FollowLogs(ctx, s.containerID)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("Cannot follow container logs")
		}
		return
	}
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	defer s.cancel()

	rawTag := logpipe.WorkspaceTag(logpipe.ServiceTagPrefix, ws.Owner, ws.Name)
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lines := 0
	for scanner.Scan() {
		if err := f.sink.Ingest(rawTag, scanner.Text(), time.Now()); err != nil {
			logger.WithError(err).Warn("Rejected container log line")
			return
		}
		lines++
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Container log stream failed")
	}
	logger.Debugf("Stopped following after %d lines", lines)
}

// forget drops s from the registry unless it was already replaced.
func (f *Follower) forget(ws domain.WorkspaceID, s *stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.streams[ws]; ok && cur == s {
		delete(f.streams, ws)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

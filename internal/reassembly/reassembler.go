// Package reassembly merges physically separate log lines into logical
// records, such as a log message followed by its stack trace.
//
// Every source (one tag) is a small state machine, idle or buffering, with
// its own idle timer. A line matching the start pattern closes the open
// record; an idle timer closes it when no further line arrives.
package reassembly

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/melih/lighthouse/internal/tag"
)

const (
	DefaultStartPattern  = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`
	DefaultSeparator     = "\n"
	DefaultFlushInterval = 5 * time.Second
)

// CloseReason records why a record was closed.
type CloseReason string

const (
	ReasonNextStart CloseReason = "next-start-detected"
	ReasonTimeout   CloseReason = "timeout-flush"
	ReasonForced    CloseReason = "forced-close"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("reassembler closed")

// Line is a raw line in transit.
type Line struct {
	Tag  tag.Tag
	Text string
	At   time.Time
}

// Record is a reassembled multi-line record.
type Record struct {
	Tag       tag.Tag
	Body      string
	Lines     int
	Timestamp time.Time
	Reason    CloseReason
	// Unanchored is set when the first line did not match the start pattern.
	Unanchored bool
}

// Emitter receives closed records. Records of one source are emitted in order,
// one at a time; records of different sources may be emitted concurrently.
type Emitter func(Record)

// Config configures a Reassembler.
type Config struct {
	StartPattern  string
	Separator     string
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartPattern == "" {
		c.StartPattern = DefaultStartPattern
	}
	if c.Separator == "" {
		c.Separator = DefaultSeparator
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Reassembler holds the per-source buffers.
type Reassembler struct {
	start     *regexp.Regexp
	separator string
	interval  time.Duration
	emit      Emitter

	mu      sync.Mutex
	sources map[string]*source
	closed  bool
}

// New compiles the start pattern and returns a Reassembler emitting to emit.
func New(cfg Config, emit Emitter) (*Reassembler, error) {
	cfg = cfg.withDefaults()
	start, err := regexp.Compile(cfg.StartPattern)
	if err != nil {
		return nil, fmt.Errorf("compile record start pattern: %w", err)
	}
	return &Reassembler{
		start:     start,
		separator: cfg.Separator,
		interval:  cfg.FlushInterval,
		emit:      emit,
		sources:   make(map[string]*source),
	}, nil
}

type source struct {
	key string

	mu        sync.Mutex
	buffering bool
	tag       tag.Tag
	body      strings.Builder
	lines     int
	first     time.Time
	anchored  bool
	timer     *time.Timer
	gen       uint64
	retired   bool
}

// Add feeds one line. After Close the line is emitted immediately as its own
// forced-close record.
func (r *Reassembler) Add(l Line) error {
	isStart := r.start.MatchString(l.Text)
	key := l.Tag.String()
	for {
		s, ok := r.lookup(key)
		if !ok {
			r.emit(Record{
				Tag:        l.Tag,
				Body:       l.Text,
				Lines:      1,
				Timestamp:  l.At,
				Reason:     ReasonForced,
				Unanchored: !isStart,
			})
			return ErrClosed
		}
		s.mu.Lock()
		if s.retired {
			// Evicted between lookup and lock; a fresh source takes over.
			s.mu.Unlock()
			continue
		}
		r.addLocked(s, l, isStart)
		s.mu.Unlock()
		return nil
	}
}

func (r *Reassembler) lookup(key string) (*source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	s, ok := r.sources[key]
	if !ok {
		s = &source{key: key}
		r.sources[key] = s
	}
	return s, true
}

func (r *Reassembler) addLocked(s *source, l Line, isStart bool) {
	if s.buffering && isStart {
		r.emit(s.closeLocked(ReasonNextStart))
	}
	if !s.buffering {
		s.buffering = true
		s.tag = l.Tag
		s.first = l.At
		s.anchored = isStart
		s.body.WriteString(l.Text)
	} else {
		s.body.WriteString(r.separator)
		s.body.WriteString(l.Text)
	}
	s.lines++
	r.armLocked(s)
}

func (r *Reassembler) armLocked(s *source) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(r.interval, func() { r.expire(s, gen) })
}

func (r *Reassembler) expire(s *source, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired || gen != s.gen || !s.buffering {
		return
	}
	r.emit(s.closeLocked(ReasonTimeout))

	r.mu.Lock()
	if r.sources[s.key] == s {
		delete(r.sources, s.key)
	}
	r.mu.Unlock()
	s.retired = true
}

// closeLocked resets the source to idle and returns the open record.
func (s *source) closeLocked(reason CloseReason) Record {
	rec := Record{
		Tag:        s.tag,
		Body:       s.body.String(),
		Lines:      s.lines,
		Timestamp:  s.first,
		Reason:     reason,
		Unanchored: !s.anchored,
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buffering = false
	s.body.Reset()
	s.lines = 0
	s.anchored = false
	return rec
}

// Close flushes every open buffer with ReasonForced. It is safe to call more than once.
func (r *Reassembler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sources := make([]*source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.sources = make(map[string]*source)
	r.mu.Unlock()

	for _, s := range sources {
		s.mu.Lock()
		if s.buffering {
			r.emit(s.closeLocked(ReasonForced))
		}
		s.retired = true
		s.mu.Unlock()
	}
}

// OpenSources returns how many sources currently hold state.
func (r *Reassembler) OpenSources() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

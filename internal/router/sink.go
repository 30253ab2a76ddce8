package router

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultBufSize = 64 * 1024
	defaultMaxOpen = 256
)

// Sink appends data to named destinations.
type Sink interface {
	// Append writes data to the end of dest, creating it on first use.
	Append(dest string, data []byte) error
	// Sync makes every appended byte durable.
	Sync() error
	Close() error
}

// FileSink stores each destination as a file below a root directory. Writes are
// buffered; Sync flushes and fsyncs them. At most maxOpen files are held open,
// the least recently used one is flushed and closed to make room.
type FileSink struct {
	root    string
	bufSize int

	mu        sync.Mutex
	handles   *lru.Cache
	evictErrs *multierror.Error
}

// NewFileSink creates root if needed and returns a sink writing below it.
func NewFileSink(root string, maxOpen int) (*FileSink, error) {
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpen
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: create root %s: %w", root, err)
	}
	s := &FileSink{root: root, bufSize: defaultBufSize}
	cache, err := lru.NewWithEvict(maxOpen, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	s.handles = cache
	return s, nil
}

type handle struct {
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// onEvict runs with s.mu held.
func (s *FileSink) onEvict(_ interface{}, value interface{}) {
	h := value.(*handle)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.closeLocked(); err != nil {
		s.evictErrs = multierror.Append(s.evictErrs, err)
	}
	h.closed = true
}

func (s *FileSink) acquire(dest string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.handles.Get(dest); ok {
		return v.(*handle)
	}
	h := &handle{path: filepath.Join(s.root, filepath.FromSlash(dest))}
	s.handles.Add(dest, h)
	return h
}

// Append writes data to dest. Writes to one destination never interleave.
func (s *FileSink) Append(dest string, data []byte) error {
	for {
		h := s.acquire(dest)
		h.mu.Lock()
		if h.closed {
			// Evicted after acquire; the next acquire opens a fresh handle.
			h.mu.Unlock()
			continue
		}
		err := h.appendLocked(data, s.bufSize)
		h.mu.Unlock()
		return err
	}
}

func (h *handle) appendLocked(data []byte, bufSize int) error {
	if h.f == nil {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
		f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open destination %s: %w", h.path, err)
		}
		h.f = f
		h.w = bufio.NewWriterSize(f, bufSize)
	}
	if _, err := h.w.Write(data); err != nil {
		// Drop the handle so the next attempt reopens the file.
		_ = h.f.Close()
		h.f, h.w = nil, nil
		return fmt.Errorf("write destination %s: %w", h.path, err)
	}
	return nil
}

func (h *handle) syncLocked() error {
	if h.f == nil {
		return nil
	}
	if err := h.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", h.path, err)
	}
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", h.path, err)
	}
	return nil
}

func (h *handle) closeLocked() error {
	if h.f == nil {
		return nil
	}
	err := h.syncLocked()
	if cerr := h.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", h.path, cerr)
	}
	h.f, h.w = nil, nil
	return err
}

// Sync flushes and fsyncs every open destination.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	var open []*handle
	for _, k := range s.handles.Keys() {
		if v, ok := s.handles.Peek(k); ok {
			open = append(open, v.(*handle))
		}
	}
	errs := s.evictErrs
	s.evictErrs = nil
	s.mu.Unlock()

	for _, h := range open {
		h.mu.Lock()
		if !h.closed {
			if err := h.syncLocked(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		h.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

// Close flushes and closes every destination.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Purge()
	errs := s.evictErrs
	s.evictErrs = nil
	return errs.ErrorOrNil()
}

// Open returns the number of destinations currently held open.
func (s *FileSink) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.Len()
}

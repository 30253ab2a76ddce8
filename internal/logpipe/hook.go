package logpipe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/metrics"
	"github.com/melih/lighthouse/internal/tag"
)

// Fields a log entry must carry to be forwarded by Hook.
const (
	FieldOwner     = "owner"
	FieldWorkspace = "workspace"
)

// First tag segments of deployment logs and of container output.
const (
	DeployTagPrefix  = "internal"
	ServiceTagPrefix = "service"
)

// WorkspaceTag returns "<prefix>.<owner>.<workspace>".
func WorkspaceTag(prefix, owner, workspace string) string {
	return prefix + "." + owner + "." + workspace
}

// DefaultHookBuffer is how many entries a Hook queues before dropping.
const DefaultHookBuffer = 1024

// Hook forwards workspace-scoped logrus entries into the pipeline, so a
// tenant's deployment history is stored next to its container output.
// Entries are handed to a background writer; when its buffer is full they
// are dropped and counted instead of stalling the caller.
type Hook struct {
	pipeline *Pipeline
	prefix   string
	levels   []log.Level

	mu      sync.RWMutex
	closed  bool
	entries chan hookEntry
	done    chan struct{}
}

type hookEntry struct {
	tag   tag.Tag
	lines []string
	at    time.Time
}

// NewHook forwards entries at level or more severe, queueing up to buffer
// entries. Close it before closing the pipeline.
func NewHook(p *Pipeline, level log.Level, buffer int) *Hook {
	var levels []log.Level
	for _, l := range log.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	if buffer <= 0 {
		buffer = DefaultHookBuffer
	}
	h := &Hook{
		pipeline: p,
		prefix:   DeployTagPrefix,
		levels:   levels,
		entries:  make(chan hookEntry, buffer),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hook) run() {
	defer close(h.done)
	for e := range h.entries {
		for _, l := range e.lines {
			_ = h.pipeline.IngestTag(e.tag, l, e.at)
		}
	}
}

// Close stops accepting entries and waits until the queued ones are ingested.
func (h *Hook) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.entries)
	}
	h.mu.Unlock()
	<-h.done
}

func (h *Hook) Levels() []log.Level {
	return h.levels
}

func (h *Hook) Fire(entry *log.Entry) error {
	owner, _ := entry.Data[FieldOwner].(string)
	workspace, _ := entry.Data[FieldWorkspace].(string)
	if owner == "" || workspace == "" {
		return nil
	}
	t, err := tag.Parse(WorkspaceTag(h.prefix, owner, workspace))
	if err != nil {
		return nil
	}
	var lines []string
	for i, l := range strings.Split(formatEntry(entry), "\n") {
		if i > 0 && l == "" {
			continue
		}
		lines = append(lines, l)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.entries <- hookEntry{tag: t, lines: lines, at: entry.Time}:
	default:
		h.pipeline.metrics.RecordsDropped.WithLabelValues(metrics.DropHookOverflow).Inc()
	}
	return nil
}

// formatEntry renders "<RFC3339> <LEVEL> <message> k=v ..." so that the first
// line matches the default record start pattern.
func formatEntry(entry *log.Entry) string {
	var b strings.Builder
	b.WriteString(entry.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == FieldOwner || k == FieldWorkspace || k == "component" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	return b.String()
}

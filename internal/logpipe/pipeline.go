// Package logpipe connects tag parsing, reassembly and routing into one
// ingestion path.
package logpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/metrics"
	"github.com/melih/lighthouse/internal/reassembly"
	"github.com/melih/lighthouse/internal/router"
	"github.com/melih/lighthouse/internal/tag"
)

// Router is the part of router.Router the pipeline needs.
type Router interface {
	Route(ctx context.Context, rec reassembly.Record) error
}

// Pipeline turns raw tagged lines into routed records.
type Pipeline struct {
	parser      *tag.Parser
	reassembler *reassembly.Reassembler
	router      Router
	metrics     *metrics.Metrics
	log         *log.Entry
}

var _ Router = (*router.Router)(nil)

// New builds a pipeline. An invalid record start pattern is returned as an error.
func New(parser *tag.Parser, cfg reassembly.Config, r Router, m *metrics.Metrics) (*Pipeline, error) {
	p := &Pipeline{
		parser:  parser,
		router:  r,
		metrics: m,
		log:     log.WithField("component", "logpipe"),
	}
	re, err := reassembly.New(cfg, p.emit)
	if err != nil {
		return nil, fmt.Errorf("log pipeline: %w", err)
	}
	p.reassembler = re
	return p, nil
}

func (p *Pipeline) emit(rec reassembly.Record) {
	if rec.Unanchored {
		p.metrics.UnanchoredRecords.Inc()
	}
	// Failures are counted and logged by the router.
	_ = p.router.Route(context.Background(), rec)
}

// Ingest parses rawTag and feeds one line. Lines with a malformed tag are
// counted and rejected with an error matching tag.ErrMalformedTag.
func (p *Pipeline) Ingest(rawTag, text string, at time.Time) error {
	t, err := p.parser.Parse(rawTag)
	if err != nil {
		p.metrics.MalformedTags.Inc()
		return err
	}
	return p.IngestTag(t, text, at)
}

// IngestTag feeds one line under an already parsed tag.
func (p *Pipeline) IngestTag(t tag.Tag, text string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	err := p.reassembler.Add(reassembly.Line{Tag: t, Text: text, At: at})
	if errors.Is(err, reassembly.ErrClosed) {
		// The line was still flushed as a forced record.
		return nil
	}
	return err
}

// Close flushes every open record.
func (p *Pipeline) Close() {
	p.reassembler.Close()
}

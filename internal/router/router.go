// Package router appends reassembled log records to tenant-scoped
// destinations chosen by a routing table.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/metrics"
	"github.com/melih/lighthouse/internal/reassembly"
)

// ErrDestinationWrite matches records dropped after every write attempt failed.
var ErrDestinationWrite = errors.New("destination write failed")

// Config configures retries and flushing.
type Config struct {
	MaxAttempts   uint
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	FlushInterval time.Duration
	Separator     string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Separator == "" {
		c.Separator = "\n"
	}
	return c
}

// Router resolves destinations and writes records to the sink.
type Router struct {
	table   *Table
	sink    Sink
	cfg     Config
	metrics *metrics.Metrics
	log     *log.Entry
}

func New(table *Table, sink Sink, cfg Config, m *metrics.Metrics) *Router {
	return &Router{
		table:   table,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     log.WithField("component", "router"),
	}
}

// Route appends the record body and separator to the record's destination.
// A record that cannot be written is dropped and counted; the returned error
// is informational.
func (r *Router) Route(ctx context.Context, rec reassembly.Record) error {
	dest, err := r.table.Resolve(rec.Tag)
	if err != nil {
		r.metrics.RecordsDropped.WithLabelValues(metrics.DropNoRoute).Inc()
		r.log.WithError(err).WithField("tag", rec.Tag.String()).Warn("Dropping log record")
		return err
	}

	data := make([]byte, 0, len(rec.Body)+len(r.cfg.Separator))
	data = append(data, rec.Body...)
	data = append(data, r.cfg.Separator...)

	err = retry.Do(
		func() error { return r.sink.Append(dest, data) },
		retry.Attempts(r.cfg.MaxAttempts),
		retry.Delay(r.cfg.RetryDelay),
		retry.MaxDelay(r.cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < r.cfg.MaxAttempts {
				r.metrics.WriteRetries.Inc()
				r.log.WithError(err).WithField("destination", dest).Debugf("Write attempt %d failed, retrying", n+1)
			}
		}),
	)
	if err != nil {
		r.metrics.RecordsDropped.WithLabelValues(metrics.DropWriteFailure).Inc()
		r.log.WithError(err).WithFields(log.Fields{
			"destination": dest,
			"tag":         rec.Tag.String(),
			"attempts":    r.cfg.MaxAttempts,
		}).Error("Dropping log record after failed writes")
		return fmt.Errorf("%w: %s: %v", ErrDestinationWrite, dest, err)
	}
	r.metrics.RecordsRouted.Inc()
	return nil
}

// Run syncs the sink every flush interval until ctx is done, then syncs once more.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.sink.Sync(); err != nil {
				r.log.WithError(err).Warn("Final log sync failed")
			}
			return nil
		case <-ticker.C:
			if err := r.sink.Sync(); err != nil {
				r.log.WithError(err).Warn("Log sync failed")
			}
		}
	}
}

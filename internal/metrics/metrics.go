package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lighthouse"

// Drop reasons used with RecordsDropped.
const (
	DropWriteFailure = "write_failure"
	DropNoRoute      = "no_route"
	// DropHookOverflow counts deployment log entries the logrus hook could not queue.
	DropHookOverflow = "hook_overflow"
)

// Metrics holds every collector the service exports. Components receive the
// struct explicitly so tests can use an isolated registry.
type Metrics struct {
	RecordsRouted     prometheus.Counter
	RecordsDropped    *prometheus.CounterVec
	WriteRetries      prometheus.Counter
	MalformedTags     prometheus.Counter
	UnanchoredRecords prometheus.Counter
	Jobs              *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	PortsInUse        prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_records_routed_total",
			Help:      "Reassembled log records appended to their destination.",
		}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_records_dropped_total",
			Help:      "Reassembled log records dropped without being written, by reason.",
		}, []string{"reason"}),
		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_retries_total",
			Help:      "Destination write attempts that failed and were retried.",
		}),
		MalformedTags: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_malformed_tags_total",
			Help:      "Log lines rejected at ingestion because of a malformed tag.",
		}),
		UnanchoredRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_unanchored_records_total",
			Help:      "Records whose first line did not match the record start pattern.",
		}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal status, by operation and status.",
		}, []string{"operation", "status"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspace_transitions_total",
			Help:      "Workspace lifecycle transitions.",
		}, []string{"from", "to"}),
		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Host ports currently allocated to workspaces.",
		}),
	}
}

// NewNop returns metrics registered with a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

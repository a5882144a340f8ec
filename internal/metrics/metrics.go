package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ripd_packets_received_total",
			Help: "RIP packets successfully decoded.",
		},
	)

	ParseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ripd_parse_errors_total",
			Help: "Incoming datagrams dropped for failing to decode.",
		},
	)

	AdvertisementsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ripd_advertisements_sent_total",
			Help: "RESPONSE packets unicast to a peer.",
		},
	)

	TriggeredUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ripd_triggered_updates_total",
			Help: "Advertisements emitted because scan_expiries found a newly poisoned route, rather than on the periodic schedule.",
		},
	)

	RouteTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripd_route_table_size",
			Help: "Number of entries currently held in the routing table, including poisoned ones awaiting garbage collection.",
		},
	)

	AuditEventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ripd_audit_events_dropped",
			Help: "Cumulative audit events discarded because the sink channel was full.",
		},
	)

	AuditBatchesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ripd_audit_batches_written_total",
			Help: "Audit event batches flushed to Postgres.",
		},
	)

	AuditWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ripd_audit_write_duration_seconds",
			Help:    "Audit batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default Prometheus registry.
// Safe to call more than once; only the first call takes effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PacketsReceivedTotal,
			ParseErrorsTotal,
			AdvertisementsSentTotal,
			TriggeredUpdatesTotal,
			RouteTableSize,
			AuditEventsDropped,
			AuditBatchesWrittenTotal,
			AuditWriteDuration,
		)
	})
}

// Package observability holds the service-wide Prometheus collectors and error reporting.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricUpdatesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "store",
		Name:      "metric_updates_total",
		Help:      "Number of in-memory metric mutations, labeled by metric.",
	}, []string{"metric"})

	persistFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "store",
		Name:      "persistence_failures_total",
		Help:      "Number of gateway calls that failed, labeled by operation.",
	}, []string{"operation"})

	refetchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "realtime",
		Name:      "refetches_total",
		Help:      "Number of full user-data refetches triggered by change notifications, labeled by table.",
	}, []string{"table"})

	deviceSyncCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "device",
		Name:      "syncs_total",
		Help:      "Number of device sync attempts, labeled by provider and outcome.",
	}, []string{"provider", "outcome"})

	simulationTickCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "simulation",
		Name:      "ticks_total",
		Help:      "Number of simulation timer firings, labeled by metric.",
	}, []string{"metric"})

	snapshotPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "persistence",
		Name:      "last_snapshot_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent health snapshot appended.",
	})

	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of open user sessions.",
	})
)

func init() {
	prometheus.MustRegister(
		metricUpdatesCounter,
		persistFailureCounter,
		refetchCounter,
		deviceSyncCounter,
		simulationTickCounter,
		snapshotPersistGauge,
		activeSessionsGauge,
	)
}

// RecordMetricUpdate counts an in-memory metric mutation.
func RecordMetricUpdate(metric string) {
	metricUpdatesCounter.WithLabelValues(metric).Inc()
}

// RecordPersistFailure counts a failed gateway call.
func RecordPersistFailure(operation string) {
	persistFailureCounter.WithLabelValues(operation).Inc()
}

// RecordRefetch counts a realtime-triggered refetch.
func RecordRefetch(table string) {
	refetchCounter.WithLabelValues(table).Inc()
}

// RecordDeviceSync counts a device sync attempt.
func RecordDeviceSync(provider, outcome string) {
	deviceSyncCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordSimulationTick counts a simulation timer firing.
func RecordSimulationTick(metric string) {
	simulationTickCounter.WithLabelValues(metric).Inc()
}

// RecordSnapshotPersisted updates the persistence watermark gauge.
func RecordSnapshotPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	snapshotPersistGauge.Set(float64(ts.Unix()))
}

// SessionOpened increments the active session gauge.
func SessionOpened() { activeSessionsGauge.Inc() }

// SessionClosed decrements the active session gauge.
func SessionClosed() { activeSessionsGauge.Dec() }

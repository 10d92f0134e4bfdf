package datastore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation shared by both backends.
// Passing a nil registerer to NewMetrics yields working, unregistered
// collectors, which keeps tests and CLI one-shots from colliding with
// the default registry.
type Metrics struct {
	reads       *prometheus.CounterVec
	writes      *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	lockWait    *prometheus.HistogramVec
	cacheSize   prometheus.Gauge
	pendingOps  prometheus.Gauge
	preloadTime prometheus.Histogram
}

// NewMetrics builds the datastore's metric collectors and, if reg is
// non-nil, registers them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "reads_total",
			Help:      "Number of ReadJSON/ReadJSON5/ReadText calls, by backend.",
		}, []string{"backend"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "writes_total",
			Help:      "Number of WriteJSON/WriteText/UpdateJSONWithLock writes, by backend.",
		}, []string{"backend"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "deletes_total",
			Help:      "Number of Delete calls, by backend.",
		}, []string{"backend"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to enter UpdateJSONWithLock's critical section.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "cache_entries",
			Help:      "Number of keys currently held in the database backend's write-through cache.",
		}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "pending_writes",
			Help:      "Number of in-flight asynchronous writes not yet observed by Flush.",
		}),
		preloadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "openclaw",
			Subsystem: "datastore",
			Name:      "preload_seconds",
			Help:      "Time spent in preloadAll.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.writes, m.deletes, m.lockWait, m.cacheSize, m.pendingOps, m.preloadTime)
	}
	return m
}

package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the store's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheInvalidations prometheus.Counter
	PersistedEvents    prometheus.Counter
	SweepAggregates    prometheus.Counter
	SweepRetries       prometheus.Counter
	SweepFailures      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Aggregate reads served by extending a cached history.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Aggregate reads that recomputed the full history.",
		}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cached histories dropped after writes, deletes or persisted migrations.",
		}),
		PersistedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "migrations",
			Name:      "persisted_events_total",
			Help:      "Events materialized by the migration persistence sweep.",
		}),
		SweepAggregates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "migrations",
			Name:      "swept_aggregates_total",
			Help:      "Aggregates visited by the migration persistence sweep.",
		}),
		SweepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "migrations",
			Name:      "retries_total",
			Help:      "Aggregate persistence attempts retried after a recoverable failure.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pupevents",
			Subsystem: "migrations",
			Name:      "failures_total",
			Help:      "Aggregates skipped after exhausting persistence attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.CacheInvalidations,
			m.PersistedEvents, m.SweepAggregates, m.SweepRetries, m.SweepFailures,
		)
	}
	return m
}

func (m *Metrics) inc(c func(*Metrics) prometheus.Counter) {
	if m != nil {
		c(m).Inc()
	}
}

func (m *Metrics) add(c func(*Metrics) prometheus.Counter, v float64) {
	if m != nil {
		c(m).Add(v)
	}
}

func cacheHits(m *Metrics) prometheus.Counter          { return m.CacheHits }
func cacheMisses(m *Metrics) prometheus.Counter        { return m.CacheMisses }
func cacheInvalidations(m *Metrics) prometheus.Counter { return m.CacheInvalidations }
func persistedEvents(m *Metrics) prometheus.Counter    { return m.PersistedEvents }
func sweepAggregates(m *Metrics) prometheus.Counter    { return m.SweepAggregates }
func sweepRetries(m *Metrics) prometheus.Counter       { return m.SweepRetries }
func sweepFailures(m *Metrics) prometheus.Counter      { return m.SweepFailures }

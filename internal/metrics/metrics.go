// Package metrics defines the operational metrics hooks used by the store,
// provider, pipeline and engine, with a Prometheus implementation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names reported through ObserveOp.
const (
	OpSearch = "search"
	OpQuery  = "query"
	OpUpsert = "upsert"
	OpDelete = "delete"
	OpEmbed  = "embed"
	OpIngest = "ingest"
)

// Ingest item outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Recorder collects operational metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// ObserveOp is called after each operation with its latency and outcome.
	ObserveOp(op string, d time.Duration, err error)
	// IngestItem is called once per record processed by the pipeline.
	IngestItem(outcome string)
	// StoreSize reports the number of indexed records after a mutation.
	StoreSize(n int)
	CacheHit()
	CacheMiss()
	// ObserveHTTP is called once per served request. route is the matched
	// pattern, never the raw path, to keep label cardinality bounded.
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveOp(string, time.Duration, error)         {}
func (Noop) IngestItem(string)                              {}
func (Noop) StoreSize(int)                                  {}
func (Noop) CacheHit()                                      {}
func (Noop) CacheMiss()                                     {}
func (Noop) ObserveHTTP(string, string, int, time.Duration) {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

type Prometheus struct {
	opLatency   *prometheus.HistogramVec
	ingestItems *prometheus.CounterVec
	storeSize   prometheus.Gauge
	cache       *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vidsearch",
			Name:      "operation_latency_seconds",
			Help:      "Latency of retrieval engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		ingestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidsearch",
			Name:      "ingest_items_total",
			Help:      "Records processed by ingestion, by outcome",
		}, []string{"outcome"}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidsearch",
			Name:      "store_items",
			Help:      "Number of indexed items",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidsearch",
			Name:      "embed_cache_requests_total",
			Help:      "Embedding cache lookups, by result",
		}, []string{"result"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vidsearch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	for _, c := range []prometheus.Collector{p.opLatency, p.ingestItems, p.storeSize, p.cache, p.httpLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveOp(op string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.opLatency.WithLabelValues(op, status).Observe(d.Seconds())
}

func (p *Prometheus) IngestItem(outcome string) { p.ingestItems.WithLabelValues(outcome).Inc() }
func (p *Prometheus) StoreSize(n int)           { p.storeSize.Set(float64(n)) }
func (p *Prometheus) CacheHit()                 { p.cache.WithLabelValues("hit").Inc() }
func (p *Prometheus) CacheMiss()                { p.cache.WithLabelValues("miss").Inc() }

func (p *Prometheus) ObserveHTTP(method, route string, status int, d time.Duration) {
	p.httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

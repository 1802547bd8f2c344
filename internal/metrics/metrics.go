package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a consistent point-in-time copy of the usage counters,
// shaped for the health and metrics endpoints.
type Snapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	AverageResponseTime float64 `json:"average_response_time"`
	LastRequestTime     *string `json:"last_request_time"`
}

// Store aggregates process-wide usage counters. All mutation and snapshot
// paths hold the mutex, so total == successful + failed at every
// observable point after an update completes. Counters reset only on
// process restart.
type Store struct {
	mu          sync.Mutex
	total       int64
	successful  int64
	failed      int64
	averageTime float64
	lastRequest time.Time

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewStore creates a zeroed store with its own prometheus registry.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predict_requests_total",
				Help: "Total number of prediction requests by outcome",
			}, []string{"status"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "predict_request_duration_seconds",
				Help:    "Duration of successful prediction requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	s.registry.MustRegister(s.requests, s.latency)
	return s
}

// RecordStart marks a request as received.
func (s *Store) RecordStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.lastRequest = time.Now().UTC()
}

// RecordSuccess folds a completed request's latency into the running
// average, which covers successful requests only.
func (s *Store) RecordSuccess(elapsed time.Duration) {
	seconds := elapsed.Seconds()

	s.mu.Lock()
	s.successful++
	n := float64(s.successful)
	s.averageTime = (s.averageTime*(n-1) + seconds) / n
	s.mu.Unlock()

	s.requests.WithLabelValues("success").Inc()
	s.latency.Observe(seconds)
}

// RecordFailure marks a request as failed.
func (s *Store) RecordFailure() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()

	s.requests.WithLabelValues("error").Inc()
}

// Snapshot returns a consistent copy for observers.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		TotalRequests:       s.total,
		SuccessfulRequests:  s.successful,
		FailedRequests:      s.failed,
		AverageResponseTime: s.averageTime,
	}
	if !s.lastRequest.IsZero() {
		formatted := s.lastRequest.Format(time.RFC3339Nano)
		snap.LastRequestTime = &formatted
	}
	return snap
}

// Registry exposes the prometheus registry for the exposition endpoint.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

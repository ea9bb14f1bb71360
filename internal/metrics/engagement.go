package metrics

import "github.com/prometheus/client_golang/prometheus"

// VoteMetrics holds Prometheus metrics for vote toggles.
type VoteMetrics struct {
	Toggles            *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
}

// NewVoteMetrics creates and registers vote metrics on the given registry.
func NewVoteMetrics(reg prometheus.Registerer) *VoteMetrics {
	m := &VoteMetrics{
		Toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "toggles_total",
			Help:      "Vote toggles by target kind and result (created, removed, flipped, rejected, failed).",
		}, []string{"kind", "result"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "toggle_duration_seconds",
			Help:      "Duration of vote toggles in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	reg.MustRegister(m.Toggles, m.ProcessingDuration)
	return m
}

// FeedMetrics holds Prometheus metrics for feed requests.
type FeedMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewFeedMetrics creates and registers feed metrics on the given registry.
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "requests_total",
			Help:      "Feed requests by mode and result.",
		}, []string{"mode", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "request_duration_seconds",
			Help:      "Feed assembly duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	reg.MustRegister(m.Requests, m.Duration)
	return m
}

package tuning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tuningHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_tuning_hits_total",
		Help: "Total number of dispatches that used a recorded local work size",
	})

	tuningMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_tuning_misses_total",
		Help: "Total number of dispatches with no recorded local work size",
	})

	tuningCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_tuning_candidates_total",
		Help: "Total number of local work size candidates benchmarked",
	})

	candidateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "winograd_tuning_candidate_duration_seconds",
		Help:    "Fastest execution time measured per benchmarked candidate",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_dispatches_total",
		Help: "Total number of kernel dispatches routed through the tuner",
	}, []string{"kernel"})
)

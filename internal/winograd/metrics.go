package winograd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_functor_builds_total",
		Help: "Total number of kernels built by transform functors",
	}, []string{"kernel"})

	kernelBinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_functor_binds_total",
		Help: "Total number of times a functor (re)bound its kernel arguments",
	}, []string{"kernel"})

	transformRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_transform_runs_total",
		Help: "Total number of transform invocations",
	}, []string{"kernel"})

	transformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_transform_errors_total",
		Help: "Total number of transform invocations that failed before dispatch completed",
	}, []string{"kernel"})
)

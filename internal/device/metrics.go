package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_image_pool_hits_total",
		Help: "Total number of successful image pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_image_pool_misses_total",
		Help: "Total number of image pool misses (allocations)",
	})

	poolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "winograd_image_pool_size_bytes",
		Help: "Current total size of images in the pool in bytes",
	})

	poolImages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "winograd_image_pool_images_count",
		Help: "Current total number of images in the pool",
	})

	programBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_program_builds_total",
		Help: "Total number of kernel programs compiled by the runtime",
	}, []string{"kernel"})

	programCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_program_cache_hits_total",
		Help: "Total number of kernel objects created from an already built program",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "winograd_kernel_duration_seconds",
		Help:    "Execution time of enqueued kernels",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"kernel"})

	kernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "winograd_kernel_failures_total",
		Help: "Total number of kernel launches rejected or failed on the device",
	}, []string{"kernel"})
)

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-winograd/internal/breaker"
	"github.com/23skdu/longbow-winograd/internal/device"
	"github.com/23skdu/longbow-winograd/internal/tuning"
	"github.com/23skdu/longbow-winograd/internal/winograd"
)

var (
	transformsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "winograd_http_transforms_total",
		Help: "The total number of forward transforms served over HTTP",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "winograd_http_request_duration_seconds",
		Help:    "Time spent processing transform requests",
		Buckets: prometheus.DefBuckets,
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "winograd_http_breaker_state",
		Help: "Device circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)

const (
	breakerMaxFailures = 5
	breakerCoolDown    = 10 * time.Second
)

// TransformRequest is an NHWC tensor in row-major order.
type TransformRequest struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// TransformResponse is the packed [16, C, T, 1] tensor in row-major order.
type TransformResponse struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

type Server struct {
	rt      device.Runtime
	tuner   *tuning.Tuner
	cfg     winograd.ForwardConfig
	sem     *semaphore.Weighted
	breaker *breaker.Breaker
}

// NewServer serves forward transforms with cfg, which also fixes the precision.
func NewServer(rt device.Runtime, tuner *tuning.Tuner, cfg winograd.ForwardConfig, maxConcurrent int) *Server {
	return &Server{
		rt:      rt,
		tuner:   tuner,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(max(1, maxConcurrent))),
		breaker: breaker.New(breakerMaxFailures, breakerCoolDown),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/transform", s.handleTransform)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Winograd Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("winograd-server")

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleTransform")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TransformRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if err := validateShape(req.Shape, len(req.Data)); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.IntSlice("shape", req.Shape))

	// Admission Control
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	// Functors are single-goroutine, so each request gets its own.
	ft, err := winograd.NewForwardTransform(s.rt, s.tuner, s.cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, _, geo := ft.Geometry([4]int(req.Shape)); geo.OutWidth == 0 {
		http.Error(w, fmt.Sprintf("Bad Request: shape %v has no output tiles", req.Shape), http.StatusBadRequest)
		return
	}

	input := device.NewImageTensor(s.rt, req.Shape, device.InOutChannel, s.cfg.DataType)
	packed := device.NewTensor(s.rt, s.cfg.DataType)
	defer input.Release()
	defer packed.Release()

	if err := input.CopyFromHost(req.Data); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	if !s.breaker.Allow() {
		http.Error(w, "Device unavailable", http.StatusServiceUnavailable)
		return
	}
	f, err := ft.Run(ctx, input, packed)
	if err == nil {
		err = f.Wait(ctx)
	}
	s.recordOutcome(err)
	if errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Ints("shape", req.Shape).Msg("Client went away")
		return
	}
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Ints("shape", req.Shape).Stringer("breaker", s.breaker.State()).Msg("Transform failed")
		http.Error(w, "Transform failed", http.StatusInternalServerError)
		return
	}
	transformsServed.Inc()

	data, err := cbor.Marshal(TransformResponse{Shape: packed.Shape(), Data: packed.ToHost()})
	if err != nil {
		http.Error(w, "Encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// recordOutcome feeds a device result to the breaker. A cancelled request
// says nothing about the device.
func (s *Server) recordOutcome(err error) {
	switch {
	case err == nil:
		s.breaker.Success()
	case errors.Is(err, context.Canceled):
		s.breaker.Cancel()
	default:
		s.breaker.Failure()
	}
	breakerState.Set(float64(s.breaker.State()))
}

func validateShape(shape []int, n int) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape %v is not NHWC", shape)
	}
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("shape %v has a non-positive dimension", shape)
		}
		size *= d
	}
	if size != n {
		return fmt.Errorf("shape %v holds %d values, got %d", shape, size, n)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if state := s.breaker.State(); state != breaker.StateClosed {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("breaker " + state.String()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

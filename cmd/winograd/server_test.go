package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-winograd/internal/breaker"
	"github.com/23skdu/longbow-winograd/internal/conv"
	"github.com/23skdu/longbow-winograd/internal/device"
	"github.com/23skdu/longbow-winograd/internal/tuning"
	"github.com/23skdu/longbow-winograd/internal/winograd"
)

func newTestServer(t *testing.T, maxConcurrent int) *Server {
	t.Helper()
	return newTestServerWithConfig(t, winograd.DefaultForwardConfig(), maxConcurrent)
}

func newTestServerWithConfig(t *testing.T, cfg winograd.ForwardConfig, maxConcurrent int) *Server {
	t.Helper()
	rt := device.NewCPURuntime()
	t.Cleanup(func() { rt.Close() })
	return NewServer(rt, tuning.New(tuning.Config{}), cfg, maxConcurrent)
}

func postTransform(t *testing.T, h http.Handler, req TransformRequest) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/transform", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func TestServer_Transform(t *testing.T) {
	srv := newTestServer(t, 2)
	h := srv.Handler()

	t.Run("single tile", func(t *testing.T) {
		rr := postTransform(t, h, TransformRequest{Shape: []int{1, 2, 2, 1}, Data: []float32{1, 2, 3, 4}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp TransformResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{16, 1, 1, 1}, resp.Shape)
		assert.InDeltaSlice(t, []float32{
			4, -7, -1, -3,
			-6, 10, 2, 4,
			-2, 4, 0, 2,
			-2, 3, 1, 1,
		}, resp.Data, 1e-6)
	})

	t.Run("packed shape", func(t *testing.T) {
		rr := postTransform(t, h, TransformRequest{Shape: []int{1, 4, 4, 4}, Data: make([]float32, 64)})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp TransformResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{16, 4, 4, 1}, resp.Shape)
		assert.Len(t, resp.Data, 256)
	})

	t.Run("size mismatch", func(t *testing.T) {
		rr := postTransform(t, h, TransformRequest{Shape: []int{1, 4, 4, 4}, Data: make([]float32, 3)})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("not NHWC", func(t *testing.T) {
		rr := postTransform(t, h, TransformRequest{Shape: []int{4, 4}, Data: make([]float32, 16)})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad payload", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/transform", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/transform", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestServer_TransformValidStrided(t *testing.T) {
	cfg := winograd.DefaultForwardConfig()
	cfg.Padding = conv.PaddingValid
	cfg.Strides = [2]int{2, 2}
	h := newTestServerWithConfig(t, cfg, 1).Handler()

	// 9x9 VALID stride 2 gives a 4x4 output, 2x2 tiles
	rr := postTransform(t, h, TransformRequest{Shape: []int{1, 9, 9, 4}, Data: make([]float32, 324)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp TransformResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []int{16, 4, 4, 1}, resp.Shape)

	// 3x3 filter dilated by 2 does not fit a 2-row input
	cfg.Strides = [2]int{1, 1}
	cfg.Dilations = [2]int{2, 2}
	h = newTestServerWithConfig(t, cfg, 1).Handler()
	rr = postTransform(t, h, TransformRequest{Shape: []int{1, 2, 8, 1}, Data: make([]float32, 16)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "no output tiles")
}

func TestServer_Busy(t *testing.T) {
	srv := newTestServer(t, 1)
	require.True(t, srv.sem.TryAcquire(1))
	defer srv.sem.Release(1)

	data, err := cbor.Marshal(TransformRequest{Shape: []int{1, 2, 2, 1}, Data: []float32{1, 2, 3, 4}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest(http.MethodPost, "/transform", bytes.NewReader(data)).WithContext(ctx)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, 1)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, 1)
	postTransform(t, srv.Handler(), TransformRequest{Shape: []int{1, 2, 2, 1}, Data: []float32{1, 2, 3, 4}})

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "winograd_http_transforms_total")
	assert.Contains(t, rr.Body.String(), "winograd_functor_builds_total")
}

func TestServer_BreakerOpensOnDeviceFailure(t *testing.T) {
	srv := newTestServer(t, 1)
	srv.breaker = breaker.New(1, time.Hour)
	require.NoError(t, srv.rt.Close())
	h := srv.Handler()

	req := TransformRequest{Shape: []int{1, 2, 2, 1}, Data: []float32{1, 2, 3, 4}}
	rr := postTransform(t, h, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, breaker.StateOpen, srv.breaker.State())

	rr = postTransform(t, h, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "breaker open", rr.Body.String())
}

func TestServer_CancelledRequestsKeepBreakerClosed(t *testing.T) {
	srv := newTestServer(t, 1)
	srv.breaker = breaker.New(1, time.Hour)

	for i := 0; i < 5; i++ {
		require.True(t, srv.breaker.Allow())
		srv.recordOutcome(fmt.Errorf("wait: %w", context.Canceled))
	}
	assert.Equal(t, breaker.StateClosed, srv.breaker.State())

	rr := postTransform(t, srv.Handler(), TransformRequest{Shape: []int{1, 2, 2, 1}, Data: []float32{1, 2, 3, 4}})
	assert.Equal(t, http.StatusOK, rr.Code)

	require.True(t, srv.breaker.Allow())
	srv.recordOutcome(context.DeadlineExceeded)
	assert.Equal(t, breaker.StateOpen, srv.breaker.State())
}

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalcore/orchestrator/pkg/apperrors"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func TestInvokeSuccessRecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "hello back",
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5, "cost_usd": 0.001},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 100, DefaultCircuitConfig(), newTestMetrics())
	resp, err := c.Invoke(context.Background(), Request{ModelID: "gpt-test", Messages: []Message{{Role: "user", Content: "hi"}}, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "ok", "usage": map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 1000, DefaultCircuitConfig(), newTestMetrics(),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 5}))
	resp, err := c.Invoke(context.Background(), Request{ModelID: "m", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInvokeBadRequestDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 1000, DefaultCircuitConfig(), newTestMetrics(),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 5}))
	_, err := c.Invoke(context.Background(), Request{ModelID: "m", Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, apperrors.BadRequest, apperrors.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvokeExhaustsRetriesIntoRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 1000, DefaultCircuitConfig(), newTestMetrics(),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: 3}))
	_, err := c.Invoke(context.Background(), Request{ModelID: "m", Timeout: time.Second})
	require.Error(t, err)
}

func TestInvokeDedupesByIdempotencyKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "once", "usage": map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 1000, DefaultCircuitConfig(), newTestMetrics())
	req := Request{ModelID: "m", Timeout: time.Second, TenantID: "t1", IdempotencyKey: "exec1:case1"}

	r1, err := c.Invoke(context.Background(), req)
	require.NoError(t, err)
	r2, err := c.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCircuitOpensAfterFailureThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cc := CircuitConfig{Window: time.Minute, MinCalls: 2, FailureThreshold: 0.5, OpenTimeout: time.Minute}
	c := New(srv.URL, "k", 1000, cc, newTestMetrics(),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: 1}))

	for i := 0; i < 2; i++ {
		_, _ = c.Invoke(context.Background(), Request{ModelID: "m", Timeout: time.Second})
	}

	_, err := c.Invoke(context.Background(), Request{ModelID: "m", Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, apperrors.CircuitOpen, apperrors.KindOf(err))
}

func TestRateLimiterSuspendsRatherThanErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "ok", "usage": map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 2, DefaultCircuitConfig(), newTestMetrics())
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Invoke(context.Background(), Request{ModelID: "m", Timeout: 2 * time.Second})
		require.NoError(t, err)
	}
	// Burst of 2 at 2/s means the 3rd call must wait, not fail.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

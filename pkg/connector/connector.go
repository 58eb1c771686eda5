// Package connector is the single entry point for outbound model-provider
// traffic: the Model Connector from the component design. It wraps HTTP
// calls to a provider endpoint with a mandatory per-call timeout, retry with
// exponential backoff, a shared rate limiter, a shared circuit breaker, and
// token/cost accounting, following the same wrap-the-HTTP-client shape as
// r3e-network-service_layer's infrastructure/resilience and
// infrastructure/ratelimit packages, generalized from a generic service
// client into a chat-completion client.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/evalcore/orchestrator/pkg/apperrors"
	"github.com/evalcore/orchestrator/pkg/version"
)

// Message is one turn of a conversation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything invoke needs to place one call to the provider.
type Request struct {
	ModelID        string
	Messages       []Message
	Parameters     map[string]any
	Timeout        time.Duration
	IdempotencyKey string
	TenantID       string
}

// Usage is the token/cost accounting recorded for every response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	EstimatedCostUSD float64
}

// Response is the provider's answer to a Request.
type Response struct {
	Text      string
	Usage     Usage
	LatencyMS int64
}

// Connector is the contract every caller (Runner, model-backed Evaluators)
// programs against. Implementations must honor the request's Timeout.
type Connector interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// RetryPolicy carries the spec's fixed backoff schedule: base 200ms, factor
// 2, cap 10s, max 5 attempts.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is the policy named in §4.3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 200 * time.Millisecond, Factor: 2, Cap: 10 * time.Second, MaxAttempts: 5}
}

// CircuitConfig configures the shared breaker: opens for 30s on a rolling
// 60s window of >=20 calls at >=50% failure rate, then allows one probe.
type CircuitConfig struct {
	Window            time.Duration
	MinCalls          uint32
	FailureThreshold  float64
	OpenTimeout       time.Duration
}

// DefaultCircuitConfig is the policy named in §4.3.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{Window: 60 * time.Second, MinCalls: 20, FailureThreshold: 0.5, OpenTimeout: 30 * time.Second}
}

// HTTPConnector is the production Connector: one HTTP client talking to a
// single provider endpoint, wrapped in the shared rate limiter, breaker,
// retry, and dedupe window. All fields below are process-wide shared
// resources per §5 ("Shared resources").
type HTTPConnector struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[Response]
	retry      RetryPolicy
	dedupe     *dedupeWindow
	metrics    *Metrics
}

// Option configures an HTTPConnector at construction time.
type Option func(*HTTPConnector)

// WithRetryPolicy overrides the default retry schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *HTTPConnector) { c.retry = p }
}

// WithHTTPClient overrides the underlying *http.Client (tests inject a
// fake transport here).
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPConnector) { c.httpClient = client }
}

// New builds an HTTPConnector sharing one rate limiter and one circuit
// breaker across every call it receives, matching the "process-wide shared
// resources protected by a mutex" requirement — rate.Limiter and
// gobreaker.CircuitBreaker are both internally synchronized, so no extra
// mutex is needed at this layer.
func New(endpoint, apiKey string, ratePerSecond float64, cc CircuitConfig, metrics *Metrics, opts ...Option) *HTTPConnector {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}

	settings := gobreaker.Settings{
		Name:        "model-connector",
		MaxRequests: 1,
		Interval:    cc.Window,
		Timeout:     cc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cc.MinCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cc.FailureThreshold
		},
	}
	if metrics != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			metrics.ObserveCircuitTransition(from.String(), to.String())
		}
	}

	c := &HTTPConnector{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker:    gobreaker.NewCircuitBreaker[Response](settings),
		retry:      DefaultRetryPolicy(),
		dedupe:     newDedupeWindow(5 * time.Minute),
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke places one logical call to the provider: it suspends on the shared
// rate limiter (never errors on exhaustion), fails fast with CircuitOpen
// when the breaker is open, retries transient failures with full-jitter
// exponential backoff, counts every attempt by outcome, and records
// token/cost/latency metrics for each successful attempt.
func (c *HTTPConnector) Invoke(ctx context.Context, req Request) (Response, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := c.dedupe.get(req.TenantID, req.IdempotencyKey); ok {
			return cached, nil
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	resp, err := c.breaker.Execute(func() (Response, error) {
		return c.callWithRetry(ctx, req, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			if c.metrics != nil {
				c.metrics.ObserveCall(req.ModelID, "circuit_open")
			}
			return Response{}, apperrors.New(apperrors.CircuitOpen, "model connector circuit is open")
		}
		return Response{}, err
	}

	if req.IdempotencyKey != "" {
		c.dedupe.put(req.TenantID, req.IdempotencyKey, resp)
	}
	return resp, nil
}

func (c *HTTPConnector) callWithRetry(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.Base
	bo.Multiplier = c.retry.Factor
	bo.MaxInterval = c.retry.Cap
	// Full jitter: the next interval is sampled uniformly from
	// [0, 2×interval] rather than narrowed around it.
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0
	withMax := backoff.WithMaxRetries(bo, uint64(c.retry.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	var resp Response
	attempt := 0
	var permanentErr error
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, callErr := c.call(callCtx, req)
		if callErr == nil {
			resp = r
			if c.metrics != nil {
				c.metrics.ObserveCall(req.ModelID, "ok")
				c.metrics.ObserveTokens(req.ModelID, r.Usage)
				c.metrics.ObserveLatency(req.ModelID, r.LatencyMS)
			}
			return nil
		}

		kind := apperrors.KindOf(callErr)
		if c.metrics != nil {
			c.metrics.ObserveCall(req.ModelID, string(kind))
		}
		if isTransient(kind) {
			return callErr
		}
		// Non-transient: stop retrying immediately.
		permanentErr = callErr
		return backoff.Permanent(callErr)
	}, withCtx)

	if err != nil {
		// backoff.Retry unwraps a PermanentError, so the non-transient error
		// is recognized by the value recorded above.
		if permanentErr != nil {
			return Response{}, permanentErr
		}
		var permanent *backoff.PermanentError
		if ok := asPermanent(err, &permanent); ok {
			return Response{}, permanent.Err
		}
		if ctx.Err() != nil || err == context.DeadlineExceeded {
			return Response{}, apperrors.Wrap(apperrors.Timeout, err)
		}
		return Response{}, apperrors.Wrap(apperrors.RateLimited, err)
	}
	return resp, nil
}

func asPermanent(err error, out **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*out = pe
	}
	return ok
}

func isTransient(kind apperrors.Kind) bool {
	switch kind {
	case apperrors.Transport, apperrors.Timeout, apperrors.RateLimited:
		return true
	default:
		return false
	}
}

// call places exactly one HTTP request, after suspending on the rate
// limiter. A limiter wait error (context cancelled) is reported as a
// Timeout, never busy-spun.
func (c *HTTPConnector) call(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, apperrors.Wrap(apperrors.Timeout, err)
	}

	started := time.Now()
	body, err := json.Marshal(map[string]any{
		"model":      req.ModelID,
		"messages":   req.Messages,
		"parameters": req.Parameters,
	})
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Invalid, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", version.Full())
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, apperrors.Wrap(apperrors.Timeout, err)
		}
		return Response{}, apperrors.Wrap(apperrors.Transport, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Transport, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return Response{}, apperrors.Newf(apperrors.AuthFailed, "provider rejected credentials (%d)", httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return Response{}, apperrors.New(apperrors.RateLimited, "provider rate limited the call")
	case httpResp.StatusCode >= 500:
		return Response{}, apperrors.Newf(apperrors.Transport, "provider returned %d", httpResp.StatusCode)
	case httpResp.StatusCode >= 400:
		return Response{}, apperrors.Newf(apperrors.BadRequest, "provider rejected request (%d): %s", httpResp.StatusCode, string(raw))
	}

	var decoded struct {
		Text  string `json:"text"`
		Usage struct {
			InputTokens  int     `json:"input_tokens"`
			OutputTokens int     `json:"output_tokens"`
			CostUSD      float64 `json:"cost_usd"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Response{}, apperrors.Wrap(apperrors.Internal, fmt.Errorf("decoding provider response: %w", err))
	}

	return Response{
		Text: decoded.Text,
		Usage: Usage{
			InputTokens:      decoded.Usage.InputTokens,
			OutputTokens:     decoded.Usage.OutputTokens,
			EstimatedCostUSD: decoded.Usage.CostUSD,
		},
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

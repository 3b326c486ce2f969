package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EnhancedClient wraps http.Client with retries, exponential backoff with
// jitter, a circuit breaker and W3C trace context propagation.
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// ClientOption configures an EnhancedClient.
type ClientOption func(*EnhancedClient)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(e *EnhancedClient) { e.client = c }
}

// WithRetries sets the retry count and base backoff delay.
func WithRetries(n int, base time.Duration) ClientOption {
	return func(e *EnhancedClient) {
		e.maxRetries = n
		e.baseDelay = base
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(cb *CircuitBreaker) ClientOption {
	return func(e *EnhancedClient) { e.breaker = cb }
}

func NewEnhancedClient(opts ...ClientOption) *EnhancedClient {
	c := &EnhancedClient{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker("default", BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: 10 * time.Second}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the underlying client.
func (c *EnhancedClient) HTTPClient() *http.Client { return c.client }

// Breaker exposes the client's circuit breaker.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes req, retrying transport errors and 5xx responses. Requests
// with a body are only retried when req.GetBody is set.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}

	var resp *http.Response
	var err error
	for i := 0; ; i++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
		if i == c.maxRetries || ctx.Err() != nil || !rewindable {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if serr := sleepContext(ctx, Backoff(c.baseDelay, i)); serr != nil {
			resp, err = nil, serr
			break
		}
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				resp, err = nil, berr
				break
			}
			req.Body = body
		}
	}

	c.breaker.Failure()
	return resp, err
}

// Backoff returns base*2^attempt plus up to 50% random jitter.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base << attempt
	if half := int64(d / 2); half > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(half)); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

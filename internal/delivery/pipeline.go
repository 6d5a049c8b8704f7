package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/callbridge/callbridge/internal/breaker"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/observability"
	"github.com/callbridge/callbridge/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("callbridge.delivery")

var (
	// ErrCircuitOpen is returned when the circuit breaker is open and the
	// delivery is short-circuited without contacting the backend.
	ErrCircuitOpen = errors.New("circuit open - system overloaded")

	// ErrMaxRetries is returned when the retry budget is exhausted.
	ErrMaxRetries = errors.New("max retries exceeded")

	// ErrClientRejected is returned for non-retryable 4xx responses.
	ErrClientRejected = errors.New("backend rejected request")
)

// Publisher issues one publish attempt to the backend.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any, correlationID string) (*Response, error)
}

// Pipeline wraps backend publishes with sanitization, rate limiting, the
// circuit breaker, and retry with exponential backoff. Responses drive the
// breaker asymmetrically: 429s never count as failures (self-inflicted rate
// pressure, not backend degradation), 5xx and transport errors count only
// once the retry budget is exhausted, and other 4xx count immediately since
// retrying them cannot help.
type Pipeline struct {
	publisher Publisher
	limiter   *ratelimit.Bucket
	circuit   *breaker.Breaker
	sanitizer *Sanitizer
	metrics   *observability.Metrics
	logger    *slog.Logger

	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewPipeline creates a delivery pipeline. Rate/retry settings come from the
// backend rate domain configuration.
func NewPipeline(
	publisher Publisher,
	limiter *ratelimit.Bucket,
	circuit *breaker.Breaker,
	sanitizer *Sanitizer,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg config.RateConfig,
) *Pipeline {
	baseDelay, _ := config.ParseDuration(cfg.BaseDelay, time.Second)
	maxDelay, _ := config.ParseDuration(cfg.MaxDelay, 30*time.Second)
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}

	return &Pipeline{
		publisher: publisher,
		limiter:   limiter,
		circuit:   circuit,
		sanitizer: sanitizer,
		metrics:   metrics,
		logger:    logger,
		retries:   retries,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}
}

// InFlight returns the number of deliveries currently between the circuit
// check and their final outcome. Shutdown drains on this.
func (p *Pipeline) InFlight() int64 {
	return p.metrics.InFlight()
}

// Deliver publishes the payload to the topic, retrying per the rate domain
// budget. Returns nil on success; otherwise ErrCircuitOpen, ErrMaxRetries,
// a wrapped ErrClientRejected, or a context error.
func (p *Pipeline) Deliver(ctx context.Context, topic string, payload map[string]any, correlationID string) error {
	if !p.circuit.CanRequest() {
		p.metrics.IncCircuitRejected()
		p.logger.Warn("circuit open, rejecting delivery",
			"topic", topic, "correlation_id", correlationID)
		return ErrCircuitOpen
	}

	clean := p.sanitizer.Payload(payload)

	p.metrics.AddInFlight(1)
	defer p.metrics.AddInFlight(-1)

	ctx, span := tracer.Start(ctx, "callbridge.deliver")
	span.SetAttributes(
		attribute.String("topic", topic),
		attribute.String("correlation_id", correlationID),
	)
	defer span.End()

	start := time.Now()
	outcome, err := p.attemptLoop(ctx, topic, clean, correlationID)
	p.metrics.ObserveDelivery(outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	return err
}

func (p *Pipeline) attemptLoop(ctx context.Context, topic string, payload map[string]any, correlationID string) (string, error) {
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			p.metrics.IncDeliveriesRetried()
		}

		if err := p.limiter.Acquire(ctx); err != nil {
			p.metrics.IncDeliveriesFailed()
			return "canceled", err
		}

		resp, err := p.publisher.Publish(ctx, topic, payload, correlationID)

		switch {
		case err != nil:
			// Transport error or timeout: retryable.
			p.logger.Warn("backend publish failed",
				"topic", topic, "attempt", attempt,
				"error", err, "correlation_id", correlationID)

		case resp.Status >= 200 && resp.Status < 300:
			p.circuit.Success()
			p.metrics.IncDeliveriesOK()
			p.logger.Debug("backend publish succeeded",
				"topic", topic, "attempt", attempt, "correlation_id", correlationID)
			return "ok", nil

		case resp.Status == http.StatusTooManyRequests:
			wait := p.rateLimitWait(resp.RetryAfter)
			p.logger.Warn("backend rate limited",
				"retry_after", resp.RetryAfter, "wait", wait,
				"correlation_id", correlationID)
			if err := sleepCtx(ctx, wait); err != nil {
				p.metrics.IncDeliveriesFailed()
				return "canceled", err
			}
			continue

		case resp.Status >= 500:
			p.logger.Warn("backend server error",
				"topic", topic, "attempt", attempt,
				"status", resp.Status, "correlation_id", correlationID)

		default:
			// Non-retryable client error.
			p.circuit.Fail()
			p.metrics.IncDeliveriesFailed()
			return "rejected", fmt.Errorf("%w: HTTP %d", ErrClientRejected, resp.Status)
		}

		if attempt < p.retries {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				p.metrics.IncDeliveriesFailed()
				return "canceled", err
			}
		}
	}

	p.circuit.Fail()
	p.metrics.IncDeliveriesFailed()
	return "exhausted", ErrMaxRetries
}

// rateLimitWait resolves a 429 Retry-After header (seconds) into a sleep,
// floored at the base delay and capped at the max delay.
func (p *Pipeline) rateLimitWait(retryAfter string) time.Duration {
	wait := p.baseDelay
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		if d := time.Duration(secs) * time.Second; d > wait {
			wait = d
		}
	}
	return min(wait, p.maxDelay)
}

// backoff computes the exponential delay for a failed attempt with up to 50%
// random jitter, capped at the max delay.
func (p *Pipeline) backoff(attempt int) time.Duration {
	base := p.baseDelay << (attempt - 1)
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	return min(base+jitter, p.maxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

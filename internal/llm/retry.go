package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/logger"
)

type retryNotifyKey struct{}

// RetryNotify observes each transient failure the retrying client is
// about to retry.
type RetryNotify func(attempt int, cause error)

// WithRetryNotify binds a retry observer into ctx. The executor uses it
// to annotate the conversation log when a model call is retried.
func WithRetryNotify(ctx context.Context, fn RetryNotify) context.Context {
	return context.WithValue(ctx, retryNotifyKey{}, fn)
}

func retryNotifyFrom(ctx context.Context) RetryNotify {
	fn, _ := ctx.Value(retryNotifyKey{}).(RetryNotify)
	return fn
}

// RetryingClient wraps a Client with exponential backoff on transient
// failures. Non-transient errors and context cancellation pass through
// immediately.
type RetryingClient struct {
	inner       Client
	maxAttempts int
	maxInterval time.Duration
	log         *logger.Logger
}

// NewRetryingClient wraps inner. maxAttempts <= 0 defaults to 3.
func NewRetryingClient(inner Client, maxAttempts int, log *logger.Logger) *RetryingClient {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = logger.Default()
	}
	return &RetryingClient{
		inner:       inner,
		maxAttempts: maxAttempts,
		maxInterval: 10 * time.Second,
		log:         log.WithFields(zap.String("component", "llm_retry")),
	}
}

// Generate calls the inner client, retrying transient failures with
// exponential backoff up to the attempt cap.
func (c *RetryingClient) Generate(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = c.maxInterval

	notify := retryNotifyFrom(ctx)
	var result *Result
	attempt := 0
	operation := func() error {
		attempt++
		res, err := c.inner.Generate(ctx, req, onDelta)
		if err == nil {
			result = res
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt >= c.maxAttempts {
			return backoff.Permanent(fmt.Errorf("llm failed after %d attempts: %w", attempt, err))
		}
		c.log.Warn("Transient llm failure, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if notify != nil {
			notify(attempt, err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

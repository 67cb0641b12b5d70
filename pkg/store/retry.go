package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/models"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// RetryPolicy defines bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy builds a policy from the reliability configuration.
func NewRetryPolicy(cfg config.ReliabilityConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		Multiplier:      cfg.RetryMultiplier,
		RandomizeFactor: 0.25,
	}
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Execute runs fn, retrying only while shouldRetry accepts the error and
// attempts remain. The last error is returned unchanged so callers can
// still classify it.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", lastErr)
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	multiplier := rp.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(rp.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		//nolint:gosec // G404: jitter does not need a cryptographic source
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}

// retryingStore retries store_unavailable failures at the operation site.
type retryingStore struct {
	next   Store
	policy *RetryPolicy
	logger *zap.Logger
}

// WithRetry decorates s so that every operation failing with a retryable
// error is retried under policy. Non-retryable errors (duplicate key, not
// found, ...) are returned immediately.
func WithRetry(s Store, policy *RetryPolicy, logger *zap.Logger) Store {
	if policy == nil || policy.MaxAttempts <= 1 {
		return s
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryingStore{next: s, policy: policy, logger: logger}
}

func (r *retryingStore) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return r.policy.Execute(ctx, func() error {
		attempt++
		err := fn()
		if err != nil && syncerrors.IsRetryable(err) && attempt < r.policy.MaxAttempts {
			r.logger.Warn("store operation failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, syncerrors.IsRetryable)
}

func (r *retryingStore) Insert(ctx context.Context, record *models.Record) (out *models.Record, err error) {
	err = r.do(ctx, "insert", func() error {
		out, err = r.next.Insert(ctx, record)
		return err
	})
	return out, err
}

func (r *retryingStore) Upsert(ctx context.Context, key string, record *models.Record) (out *models.Record, err error) {
	err = r.do(ctx, "upsert", func() error {
		out, err = r.next.Upsert(ctx, key, record)
		return err
	})
	return out, err
}

func (r *retryingStore) Find(ctx context.Context, filter models.Filter, opts models.FindOptions) (out []*models.Record, err error) {
	err = r.do(ctx, "find", func() error {
		out, err = r.next.Find(ctx, filter, opts)
		return err
	})
	return out, err
}

func (r *retryingStore) Update(ctx context.Context, filter models.Filter, patch models.Patch) (out models.UpdateResult, err error) {
	err = r.do(ctx, "update", func() error {
		out, err = r.next.Update(ctx, filter, patch)
		return err
	})
	return out, err
}

func (r *retryingStore) Count(ctx context.Context, filter models.Filter) (n int64, err error) {
	err = r.do(ctx, "count", func() error {
		n, err = r.next.Count(ctx, filter)
		return err
	})
	return n, err
}

func (r *retryingStore) Close(ctx context.Context) error {
	return r.next.Close(ctx)
}

package repository

import (
	"context"
	"errors"
	"time"

	"conveyor/internal/document"
	"conveyor/internal/services"
)

// WithRetry decorates a repository with bounded retries for transient
// failures. Every method forwards through the same retry helper; validation
// errors and missing orders pass straight through.
func WithRetry(inner PurchaseOrders, attempts int, delay time.Duration) PurchaseOrders {
	if attempts < 1 {
		attempts = 1
	}
	return &retryingRepository{inner: inner, attempts: attempts, delay: delay}
}

type retryingRepository struct {
	inner    PurchaseOrders
	attempts int
	delay    time.Duration
}

func (r *retryingRepository) Upsert(ctx context.Context, order *document.PurchaseOrder) error {
	return r.retry(ctx, func() error {
		return r.inner.Upsert(ctx, order)
	})
}

func (r *retryingRepository) Get(ctx context.Context, number string) (*document.PurchaseOrder, error) {
	var order *document.PurchaseOrder
	err := r.retry(ctx, func() error {
		var innerErr error
		order, innerErr = r.inner.Get(ctx, number)
		return innerErr
	})
	return order, err
}

func (r *retryingRepository) MarkSynced(ctx context.Context, number string, summary document.SyncSummary) error {
	return r.retry(ctx, func() error {
		return r.inner.MarkSynced(ctx, number, summary)
	})
}

func (r *retryingRepository) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return lastErr
}

func retryable(err error) bool {
	if services.IsTerminal(err) {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return false
	}
	return true
}

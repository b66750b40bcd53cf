// Package repository persists extracted purchase orders. The Postgres
// implementation is the production store; WithRetry wraps any implementation
// with transient-failure retries.
package repository

import (
	"context"
	"errors"

	"conveyor/internal/document"
)

// ErrOrderNotFound is returned when no purchase order matches the number.
var ErrOrderNotFound = errors.New("purchase order not found")

// PurchaseOrders is the persistence contract the persist and sync stages use.
// Upsert is keyed by the order number so re-executing a delivery is safe.
type PurchaseOrders interface {
	Upsert(ctx context.Context, order *document.PurchaseOrder) error
	Get(ctx context.Context, number string) (*document.PurchaseOrder, error)
	MarkSynced(ctx context.Context, number string, summary document.SyncSummary) error
}

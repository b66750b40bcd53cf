package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conveyor/internal/document"
	"conveyor/internal/services"
)

// Postgres stores purchase orders in a single table keyed by order number.
// Vendor and line items are kept as JSONB; the queryable business fields get
// their own columns.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "persist", "connect", "invalid postgres dsn", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, services.Wrap(services.ErrUnavailable, "persist", "connect", "postgres unreachable", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// Ping verifies the pool still reaches the server.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return services.Wrap(services.ErrUnavailable, "persist", "ping", "postgres unreachable", err)
	}
	return nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS purchase_orders (
            po_number    TEXT PRIMARY KEY,
            vendor       JSONB NOT NULL,
            currency     TEXT NOT NULL DEFAULT '',
            total        DOUBLE PRECISION NOT NULL DEFAULT 0,
            issued_at    TIMESTAMPTZ,
            line_items   JSONB NOT NULL,
            metadata     JSONB,
            sync_summary JSONB,
            synced_at    TIMESTAMPTZ,
            updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
        )`)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "persist", "migrate", "create purchase_orders", err)
	}
	return nil
}

// Upsert inserts the order or replaces the extracted fields of an existing
// one. Sync bookkeeping columns are left untouched so a persist retry after a
// successful sync cannot erase the sync record.
func (p *Postgres) Upsert(ctx context.Context, order *document.PurchaseOrder) error {
	if order == nil || order.Number == "" {
		return services.Wrap(services.ErrValidation, "persist", "upsert", "order number required", nil)
	}

	vendor, err := json.Marshal(order.Vendor)
	if err != nil {
		return services.Wrap(services.ErrValidation, "persist", "upsert", "encode vendor", err)
	}
	items, err := json.Marshal(order.LineItems)
	if err != nil {
		return services.Wrap(services.ErrValidation, "persist", "upsert", "encode line items", err)
	}
	metadata, err := json.Marshal(order.Metadata)
	if err != nil {
		return services.Wrap(services.ErrValidation, "persist", "upsert", "encode metadata", err)
	}

	var issuedAt *time.Time
	if !order.IssuedAt.IsZero() {
		issuedAt = &order.IssuedAt
	}

	_, err = p.pool.Exec(ctx, `
        INSERT INTO purchase_orders (po_number, vendor, currency, total, issued_at, line_items, metadata, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, now())
        ON CONFLICT (po_number) DO UPDATE SET
            vendor     = EXCLUDED.vendor,
            currency   = EXCLUDED.currency,
            total      = EXCLUDED.total,
            issued_at  = EXCLUDED.issued_at,
            line_items = EXCLUDED.line_items,
            metadata   = EXCLUDED.metadata,
            updated_at = now()`,
		order.Number, vendor, order.Currency, order.Total, issuedAt, items, metadata,
	)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "persist", "upsert", "write purchase order", err)
	}
	return nil
}

// Get loads one purchase order by number.
func (p *Postgres) Get(ctx context.Context, number string) (*document.PurchaseOrder, error) {
	row := p.pool.QueryRow(ctx, `
        SELECT po_number, vendor, currency, total, issued_at, line_items, metadata, synced_at
        FROM purchase_orders WHERE po_number = $1`, number)

	var (
		order    document.PurchaseOrder
		vendor   []byte
		items    []byte
		metadata []byte
		issuedAt *time.Time
		syncedAt *time.Time
	)
	err := row.Scan(&order.Number, &vendor, &order.Currency, &order.Total, &issuedAt, &items, &metadata, &syncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("purchase order %s: %w", number, ErrOrderNotFound)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "persist", "get", "read purchase order", err)
	}

	if err := json.Unmarshal(vendor, &order.Vendor); err != nil {
		return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode vendor", err)
	}
	if err := json.Unmarshal(items, &order.LineItems); err != nil {
		return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode line items", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode metadata", err)
		}
	}
	if issuedAt != nil {
		order.IssuedAt = *issuedAt
	}
	order.SyncedAt = syncedAt
	return &order, nil
}

// MarkSynced records the platform sync outcome on the stored order.
func (p *Postgres) MarkSynced(ctx context.Context, number string, summary document.SyncSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return services.Wrap(services.ErrValidation, "sync", "mark synced", "encode summary", err)
	}
	tag, err := p.pool.Exec(ctx, `
        UPDATE purchase_orders SET sync_summary = $2, synced_at = now(), updated_at = now()
        WHERE po_number = $1`, number, encoded)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "sync", "mark synced", "write sync summary", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase order %s: %w", number, ErrOrderNotFound)
	}
	return nil
}

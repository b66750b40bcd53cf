package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/document"
	"conveyor/internal/services"
	"conveyor/internal/storage"
)

// SQLite stores purchase orders in the conveyor database. It is the default
// store for single-host deployments without a Postgres instance and mirrors
// the Postgres table shape, with JSON kept as text.
type SQLite struct {
	db *storage.DB
}

// NewSQLite wraps the shared database.
func NewSQLite(db *storage.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Upsert(ctx context.Context, order *document.PurchaseOrder) error {
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

	var issuedAt any
	if !order.IssuedAt.IsZero() {
		issuedAt = storage.FormatTime(order.IssuedAt)
	}

	_, err = s.db.Exec(ctx, `
        INSERT INTO purchase_orders (po_number, vendor, currency, total, issued_at, line_items, metadata, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (po_number) DO UPDATE SET
            vendor     = excluded.vendor,
            currency   = excluded.currency,
            total      = excluded.total,
            issued_at  = excluded.issued_at,
            line_items = excluded.line_items,
            metadata   = excluded.metadata,
            updated_at = excluded.updated_at`,
		order.Number, string(vendor), order.Currency, order.Total, issuedAt,
		string(items), string(metadata), storage.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "persist", "upsert", "write purchase order", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, number string) (*document.PurchaseOrder, error) {
	row := s.db.QueryRow(ctx, `
        SELECT po_number, vendor, currency, total, issued_at, line_items, metadata, synced_at
        FROM purchase_orders WHERE po_number = ?`, number)

	var (
		order    document.PurchaseOrder
		vendor   string
		items    string
		metadata sql.NullString
		issuedAt sql.NullString
		syncedAt sql.NullString
	)
	err := row.Scan(&order.Number, &vendor, &order.Currency, &order.Total, &issuedAt, &items, &metadata, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase order %s: %w", number, ErrOrderNotFound)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "persist", "get", "read purchase order", err)
	}

	if err := json.Unmarshal([]byte(vendor), &order.Vendor); err != nil {
		return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode vendor", err)
	}
	if err := json.Unmarshal([]byte(items), &order.LineItems); err != nil {
		return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode line items", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &order.Metadata); err != nil {
			return nil, services.Wrap(services.ErrTransient, "persist", "get", "decode metadata", err)
		}
	}
	if issuedAt.Valid && issuedAt.String != "" {
		parsed, err := storage.ParseTime(issuedAt.String)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "persist", "get", "parse issued_at", err)
		}
		order.IssuedAt = parsed
	}
	if syncedAt.Valid && syncedAt.String != "" {
		parsed, err := storage.ParseTime(syncedAt.String)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "persist", "get", "parse synced_at", err)
		}
		order.SyncedAt = &parsed
	}
	return &order, nil
}

func (s *SQLite) MarkSynced(ctx context.Context, number string, summary document.SyncSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return services.Wrap(services.ErrValidation, "sync", "mark synced", "encode summary", err)
	}
	now := storage.FormatTime(time.Now().UTC())
	result, err := s.db.Exec(ctx, `
        UPDATE purchase_orders SET sync_summary = ?, synced_at = ?, updated_at = ?
        WHERE po_number = ?`, string(encoded), now, now, number)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "sync", "mark synced", "write sync summary", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "sync", "mark synced", "rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("purchase order %s: %w", number, ErrOrderNotFound)
	}
	return nil
}

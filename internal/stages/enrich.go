package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"conveyor/internal/document"
	"conveyor/internal/logging"
	"conveyor/internal/repository"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Enrich normalizes vendor and product references against master data and
// stores the merged order. A vendor missing from master data is recoverable:
// master data syncs lag behind incoming orders.
type Enrich struct {
	enricher document.Enricher
	repo     repository.PurchaseOrders
	logger   *slog.Logger
}

// NewEnrich wires the enrich stage.
func NewEnrich(enricher document.Enricher, repo repository.PurchaseOrders, logger *slog.Logger) *Enrich {
	return &Enrich{
		enricher: enricher,
		repo:     repo,
		logger:   logging.NewComponentLogger(logger, "stage-enrich"),
	}
}

func (e *Enrich) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	extraction, err := decodeExtraction(req)
	if err != nil {
		return nil, err
	}

	order, err := e.repo.Get(ctx, extraction.Order.Number)
	if err != nil {
		return nil, services.Wrap(nil, "enrich", "load", "load persisted order", err)
	}

	vendor, err := e.enricher.LookupVendor(ctx, order.Vendor.Name)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "enrich", "vendor lookup",
			"vendor not resolvable yet", err)
	}
	order.Vendor = *vendor
	req.ReportProgress(0.5)

	for i, item := range order.LineItems {
		normalized, err := e.enricher.NormalizeSKU(ctx, item.SKU)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "enrich", "sku normalization",
				"normalize "+item.SKU, err)
		}
		order.LineItems[i].SKU = normalized
		req.ReportProgress(0.5 + 0.4*float64(i+1)/float64(len(order.LineItems)))
	}

	if err := e.repo.Upsert(ctx, order); err != nil {
		return nil, services.Wrap(nil, "enrich", "store", "store enriched order", err)
	}

	e.logger.InfoContext(ctx, "order enriched",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("po_number", order.Number),
		logging.String("vendor_id", order.Vendor.ID))

	encoded, err := json.Marshal(order.Vendor)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "enrich", "encode", "encode enrich result", err)
	}
	return encoded, nil
}

func (e *Enrich) HealthCheck(ctx context.Context) stage.Health {
	if e.enricher == nil || e.repo == nil {
		return stage.Unhealthy(stage.NameEnrich, "enrich collaborators not configured")
	}
	return stage.Healthy(stage.NameEnrich)
}

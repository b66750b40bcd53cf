package stages

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"conveyor/internal/document"
	"conveyor/internal/logging"
	"conveyor/internal/repository"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Sync pushes each line item to the external platform and records a
// partial-success summary on the stored order. Individual item failures do
// not fail the stage; only an all-failed run does, and that is recoverable.
type Sync struct {
	syncer  document.Syncer
	repo    repository.PurchaseOrders
	timeout time.Duration
	logger  *slog.Logger
}

// NewSync wires the sync stage.
func NewSync(syncer document.Syncer, repo repository.PurchaseOrders, timeout time.Duration, logger *slog.Logger) *Sync {
	return &Sync{
		syncer:  syncer,
		repo:    repo,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "stage-sync"),
	}
}

func (s *Sync) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	extraction, err := decodeExtraction(req)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.Get(ctx, extraction.Order.Number)
	if err != nil {
		return nil, services.Wrap(nil, "sync", "load", "load persisted order", err)
	}
	if len(order.LineItems) == 0 {
		return nil, services.Wrap(services.ErrValidation, "sync", "push", "order has no line items", nil)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	records := make([]document.SyncRecord, 0, len(order.LineItems))
	for i, item := range order.LineItems {
		record, err := s.syncer.SyncRecord(ctx, order, item)
		if err != nil {
			record = document.SyncRecord{SKU: item.SKU, Outcome: document.SyncFailed, Detail: err.Error()}
		}
		records = append(records, record)
		req.ReportProgress(float64(i+1) / float64(len(order.LineItems)))
	}

	summary := document.Summarize(records)
	if summary.AllFailed() {
		return nil, services.Wrap(services.ErrTransient, "sync", "push", "every line item failed to sync", nil)
	}

	if err := s.repo.MarkSynced(ctx, order.Number, summary); err != nil {
		return nil, services.Wrap(nil, "sync", "record", "record sync summary", err)
	}

	s.logger.InfoContext(ctx, "order synced",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("po_number", order.Number),
		logging.Int("created", summary.Created),
		logging.Int("updated", summary.Updated),
		logging.Int("failed", summary.Failed))

	encoded, err := json.Marshal(summary)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "sync", "encode", "encode sync summary", err)
	}
	return encoded, nil
}

func (s *Sync) HealthCheck(ctx context.Context) stage.Health {
	if s.syncer == nil || s.repo == nil {
		return stage.Unhealthy(stage.NameSync, "sync collaborators not configured")
	}
	return stage.Healthy(stage.NameSync)
}

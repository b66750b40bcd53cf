package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"conveyor/internal/logging"
	"conveyor/internal/repository"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Persist upserts the extracted order into the repository. Upserts are keyed
// by order number, so redelivery re-executes safely.
type Persist struct {
	repo   repository.PurchaseOrders
	logger *slog.Logger
}

// NewPersist wires the persist stage.
func NewPersist(repo repository.PurchaseOrders, logger *slog.Logger) *Persist {
	return &Persist{
		repo:   repo,
		logger: logging.NewComponentLogger(logger, "stage-persist"),
	}
}

type persistResult struct {
	PONumber string `json:"po_number"`
}

func (p *Persist) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	result, err := decodeExtraction(req)
	if err != nil {
		return nil, err
	}

	if err := p.repo.Upsert(ctx, &result.Order); err != nil {
		return nil, services.Wrap(nil, "persist", "upsert", "store purchase order", err)
	}
	req.ReportProgress(1)

	p.logger.InfoContext(ctx, "order persisted",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("po_number", result.Order.Number))

	encoded, err := json.Marshal(persistResult{PONumber: result.Order.Number})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "persist", "encode", "encode persist result", err)
	}
	return encoded, nil
}

func (p *Persist) HealthCheck(ctx context.Context) stage.Health {
	if p.repo == nil {
		return stage.Unhealthy(stage.NamePersist, "repository not configured")
	}
	return stage.Healthy(stage.NamePersist)
}

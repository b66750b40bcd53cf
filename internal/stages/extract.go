package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"conveyor/internal/document"
	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Extract runs structured extraction over the parsed content and gates the
// result on its refined confidence score.
type Extract struct {
	extractor document.Extractor
	settings  document.ExtractionSettings
	logger    *slog.Logger
}

// NewExtract wires the extract stage.
func NewExtract(extractor document.Extractor, settings document.ExtractionSettings, logger *slog.Logger) *Extract {
	return &Extract{
		extractor: extractor,
		settings:  settings,
		logger:    logging.NewComponentLogger(logger, "stage-extract"),
	}
}

func (e *Extract) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	content, err := decodeContent(req)
	if err != nil {
		return nil, err
	}

	if e.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.Timeout)
		defer cancel()
	}

	result, err := e.extractor.Extract(ctx, content, e.settings)
	if err != nil {
		return nil, services.Wrap(nil, "extract", "extract", "structured extraction", err)
	}
	req.ReportProgress(0.8)

	refined := document.RefineConfidence(result)
	if refined < e.settings.ConfidenceFloor {
		return nil, services.Wrap(services.ErrValidation, "extract", "extract",
			fmt.Sprintf("confidence %.2f below floor %.2f", refined, e.settings.ConfidenceFloor), nil)
	}
	result.Confidence = refined

	e.logger.InfoContext(ctx, "order extracted",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("po_number", result.Order.Number),
		logging.Float64("confidence", refined))

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "extract", "encode", "encode extraction result", err)
	}
	return encoded, nil
}

func (e *Extract) HealthCheck(ctx context.Context) stage.Health {
	if e.extractor == nil {
		return stage.Unhealthy(stage.NameExtract, "extractor not configured")
	}
	if e.settings.ConfidenceFloor <= 0 || e.settings.ConfidenceFloor >= 1 {
		return stage.Unhealthy(stage.NameExtract, "confidence floor out of range")
	}
	return stage.Healthy(stage.NameExtract)
}

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

var supportedMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/html":       true,
	"image/png":       true,
	"image/jpeg":      true,
}

// Parse fetches the uploaded document and reduces it to extractable content.
type Parse struct {
	blobs  document.BlobStore
	parser document.Parser
	logger *slog.Logger
}

// NewParse wires the parse stage.
func NewParse(blobs document.BlobStore, parser document.Parser, logger *slog.Logger) *Parse {
	return &Parse{
		blobs:  blobs,
		parser: parser,
		logger: logging.NewComponentLogger(logger, "stage-parse"),
	}
}

func (p *Parse) Execute(ctx context.Context, req *stage.Request) (json.RawMessage, error) {
	sub, err := decodeSubmission(req)
	if err != nil {
		return nil, err
	}

	data, storedMime, err := p.blobs.Get(ctx, sub.DocumentKey)
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "parse", "fetch", "read document from blob store", err)
	}
	req.ReportProgress(0.3)

	mimeType := sub.MimeType
	if mimeType == "" {
		mimeType = storedMime
	}
	if !supportedMimeTypes[mimeType] {
		return nil, services.Wrap(services.ErrValidation, "parse", "parse",
			fmt.Sprintf("unsupported mime type %q", mimeType), nil)
	}

	content, err := p.parser.Parse(ctx, data, mimeType)
	if err != nil {
		return nil, services.Wrap(nil, "parse", "parse", "parse document", err)
	}
	req.ReportProgress(1)

	p.logger.InfoContext(ctx, "document parsed",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.Int("pages", content.Pages),
		logging.String("mime_type", mimeType))

	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "parse", "encode", "encode parse result", err)
	}
	return encoded, nil
}

func (p *Parse) HealthCheck(ctx context.Context) stage.Health {
	if p.blobs == nil || p.parser == nil {
		return stage.Unhealthy(stage.NameParse, "parser collaborators not configured")
	}
	return stage.Healthy(stage.NameParse)
}

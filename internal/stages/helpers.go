package stages

import (
	"encoding/json"

	"conveyor/internal/document"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

func decodeSubmission(req *stage.Request) (*document.Submission, error) {
	var sub document.Submission
	if err := json.Unmarshal(req.Data, &sub); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "decode", "malformed submission payload", err)
	}
	if sub.DocumentKey == "" {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "decode", "submission has no document key", nil)
	}
	return &sub, nil
}

func decodeContent(req *stage.Request) (*document.ExtractedContent, error) {
	raw, ok := req.PriorResults[stage.NameParse]
	if !ok {
		return nil, services.Wrap(services.ErrTransient, string(req.Stage), "decode", "parse result not recorded yet", nil)
	}
	var content document.ExtractedContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "decode", "malformed parse result", err)
	}
	return &content, nil
}

func decodeExtraction(req *stage.Request) (*document.ExtractionResult, error) {
	raw, ok := req.PriorResults[stage.NameExtract]
	if !ok {
		return nil, services.Wrap(services.ErrTransient, string(req.Stage), "decode", "extraction result not recorded yet", nil)
	}
	var result document.ExtractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "decode", "malformed extraction result", err)
	}
	return &result, nil
}

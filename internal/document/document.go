// Package document holds the purchase-order domain model and the collaborator
// contracts the stage handlers call. None of these types know anything about
// queues or workflows.
package document

import (
	"context"
	"time"
)

// Submission is the payload a workflow starts from.
type Submission struct {
	// DocumentKey locates the uploaded document in the blob store.
	DocumentKey string `json:"document_key"`
	MimeType    string `json:"mime_type"`
	Source      string `json:"source,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Vendor identifies the supplier on a purchase order.
type Vendor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
}

// LineItem is one ordered product line.
type LineItem struct {
	SKU         string  `json:"sku"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// PurchaseOrder is the structured order extracted from a document. Number is
// the stable business key; persistence upserts by it.
type PurchaseOrder struct {
	Number    string            `json:"number"`
	Vendor    Vendor            `json:"vendor"`
	Currency  string            `json:"currency,omitempty"`
	Total     float64           `json:"total"`
	IssuedAt  time.Time         `json:"issued_at,omitempty"`
	LineItems []LineItem        `json:"line_items"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SyncedAt  *time.Time        `json:"synced_at,omitempty"`
}

// ExtractedContent is the parser's output: the document reduced to text the
// extractor can work with.
type ExtractedContent struct {
	Text     string `json:"text"`
	MimeType string `json:"mime_type"`
	Pages    int    `json:"pages"`
}

// ExtractionSettings tunes the structured-extraction call.
type ExtractionSettings struct {
	Model           string
	ConfidenceFloor float64
	Timeout         time.Duration
}

// ExtractionResult is the extractor's structured output with its raw
// confidence score before refinement.
type ExtractionResult struct {
	Order      PurchaseOrder `json:"order"`
	Confidence float64       `json:"confidence"`
	Model      string        `json:"model,omitempty"`
}

// SyncOutcome classifies one line item's fate on the external platform.
type SyncOutcome string

const (
	SyncCreated SyncOutcome = "created"
	SyncUpdated SyncOutcome = "updated"
	SyncFailed  SyncOutcome = "failed"
)

// SyncRecord is the per-line-item result of a platform sync.
type SyncRecord struct {
	SKU     string      `json:"sku"`
	Outcome SyncOutcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// SyncSummary aggregates per-line-item outcomes into a partial-success view.
type SyncSummary struct {
	Created int          `json:"created"`
	Updated int          `json:"updated"`
	Failed  int          `json:"failed"`
	Records []SyncRecord `json:"records,omitempty"`
}

// Summarize folds records into counts.
func Summarize(records []SyncRecord) SyncSummary {
	summary := SyncSummary{Records: records}
	for _, r := range records {
		switch r.Outcome {
		case SyncCreated:
			summary.Created++
		case SyncUpdated:
			summary.Updated++
		case SyncFailed:
			summary.Failed++
		}
	}
	return summary
}

// AllFailed reports whether nothing synced.
func (s SyncSummary) AllFailed() bool {
	return s.Failed > 0 && s.Created == 0 && s.Updated == 0
}

// BlobStore fetches uploaded documents. Get returns the raw bytes and the
// stored mime type.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// Parser turns raw document bytes into extractable content.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType string) (*ExtractedContent, error)
}

// Extractor performs structured extraction over parsed content.
type Extractor interface {
	Extract(ctx context.Context, content *ExtractedContent, settings ExtractionSettings) (*ExtractionResult, error)
}

// Enricher resolves vendor and product references against master data.
type Enricher interface {
	LookupVendor(ctx context.Context, name string) (*Vendor, error)
	NormalizeSKU(ctx context.Context, sku string) (string, error)
}

// Syncer pushes one line item to the external commerce platform.
type Syncer interface {
	SyncRecord(ctx context.Context, order *PurchaseOrder, item LineItem) (SyncRecord, error)
}

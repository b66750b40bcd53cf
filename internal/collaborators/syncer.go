package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conveyor/internal/document"
	"conveyor/internal/services"
)

// PlatformSyncer pushes line items to the commerce platform's record endpoint
// one at a time. The platform answers 201 for new records and 200 for
// updates; anything else is reported as a failed record or, for transport
// errors, as a retryable failure.
type PlatformSyncer struct {
	url    string
	apiKey string
	client *http.Client
}

// NewPlatformSyncer builds a syncer for the platform at url. Timeout bounds
// each record push.
func NewPlatformSyncer(url, apiKey string, timeout time.Duration) *PlatformSyncer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PlatformSyncer{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type syncPayload struct {
	PONumber string            `json:"po_number"`
	VendorID string            `json:"vendor_id,omitempty"`
	Item     document.LineItem `json:"item"`
}

func (s *PlatformSyncer) SyncRecord(ctx context.Context, order *document.PurchaseOrder, item document.LineItem) (document.SyncRecord, error) {
	body, err := json.Marshal(syncPayload{
		PONumber: order.Number,
		VendorID: order.Vendor.ID,
		Item:     item,
	})
	if err != nil {
		return document.SyncRecord{}, fmt.Errorf("encode sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/records", bytes.NewReader(body))
	if err != nil {
		return document.SyncRecord{}, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return document.SyncRecord{}, fmt.Errorf("push record %s: %w", item.SKU, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusCreated:
		return document.SyncRecord{SKU: item.SKU, Outcome: document.SyncCreated}, nil
	case resp.StatusCode == http.StatusOK:
		return document.SyncRecord{SKU: item.SKU, Outcome: document.SyncUpdated}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return document.SyncRecord{}, fmt.Errorf("platform returned %d: %s: %w", resp.StatusCode, detail, services.ErrUnavailable)
	default:
		return document.SyncRecord{
			SKU:     item.SKU,
			Outcome: document.SyncFailed,
			Detail:  fmt.Sprintf("platform returned %d: %s", resp.StatusCode, detail),
		}, nil
	}
}

// LocalSyncer records every line item as created without leaving the host.
// Used when no platform URL is configured.
type LocalSyncer struct{}

// NewLocalSyncer returns the offline syncer.
func NewLocalSyncer() *LocalSyncer { return &LocalSyncer{} }

func (s *LocalSyncer) SyncRecord(ctx context.Context, order *document.PurchaseOrder, item document.LineItem) (document.SyncRecord, error) {
	return document.SyncRecord{
		SKU:     item.SKU,
		Outcome: document.SyncCreated,
		Detail:  "recorded locally; no platform configured",
	}, nil
}

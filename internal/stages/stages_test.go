package stages_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conveyor/internal/document"
	"conveyor/internal/logging"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/stages"
)

type fakeBlobStore struct {
	data     []byte
	mimeType string
	err      error
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	return f.data, f.mimeType, f.err
}

type fakeParser struct {
	content *document.ExtractedContent
	err     error
}

func (f *fakeParser) Parse(ctx context.Context, data []byte, mimeType string) (*document.ExtractedContent, error) {
	return f.content, f.err
}

type fakeExtractor struct {
	result *document.ExtractionResult
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, content *document.ExtractedContent, settings document.ExtractionSettings) (*document.ExtractionResult, error) {
	return f.result, f.err
}

type fakeEnricher struct {
	vendor    *document.Vendor
	vendorErr error
}

func (f *fakeEnricher) LookupVendor(ctx context.Context, name string) (*document.Vendor, error) {
	return f.vendor, f.vendorErr
}

func (f *fakeEnricher) NormalizeSKU(ctx context.Context, sku string) (string, error) {
	return "STD-" + sku, nil
}

type fakeSyncer struct {
	outcomes map[string]document.SyncOutcome
}

func (f *fakeSyncer) SyncRecord(ctx context.Context, order *document.PurchaseOrder, item document.LineItem) (document.SyncRecord, error) {
	outcome, ok := f.outcomes[item.SKU]
	if !ok {
		outcome = document.SyncCreated
	}
	if outcome == document.SyncFailed {
		return document.SyncRecord{}, errors.New("platform rejected item")
	}
	return document.SyncRecord{SKU: item.SKU, Outcome: outcome}, nil
}

type memoryRepo struct {
	orders    map[string]*document.PurchaseOrder
	summaries map[string]document.SyncSummary
	upserts   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:    make(map[string]*document.PurchaseOrder),
		summaries: make(map[string]document.SyncSummary),
	}
}

func (m *memoryRepo) Upsert(ctx context.Context, order *document.PurchaseOrder) error {
	m.upserts++
	clone := *order
	m.orders[order.Number] = &clone
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, number string) (*document.PurchaseOrder, error) {
	order, ok := m.orders[number]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *order
	return &clone, nil
}

func (m *memoryRepo) MarkSynced(ctx context.Context, number string, summary document.SyncSummary) error {
	m.summaries[number] = summary
	return nil
}

func sampleOrder() document.PurchaseOrder {
	return document.PurchaseOrder{
		Number: "PO-2001",
		Vendor: document.Vendor{Name: "Acme Industrial"},
		Total:  100,
		LineItems: []document.LineItem{
			{SKU: "A", Quantity: 5, UnitPrice: 10},
			{SKU: "B", Quantity: 5, UnitPrice: 10},
		},
	}
}

func requestWithExtraction(t *testing.T, order document.PurchaseOrder, stageName stage.Name) *stage.Request {
	t.Helper()
	encoded, err := json.Marshal(document.ExtractionResult{Order: order, Confidence: 0.9})
	if err != nil {
		t.Fatalf("marshal extraction: %v", err)
	}
	return &stage.Request{
		WorkflowID:   "wf-1",
		Stage:        stageName,
		PriorResults: map[stage.Name]json.RawMessage{stage.NameExtract: encoded},
	}
}

func TestParseHappyPath(t *testing.T) {
	handler := stages.NewParse(
		&fakeBlobStore{data: []byte("%PDF-1.7"), mimeType: "application/pdf"},
		&fakeParser{content: &document.ExtractedContent{Text: "PO-2001 ...", MimeType: "application/pdf", Pages: 2}},
		logging.NewNop(),
	)

	payload, _ := json.Marshal(document.Submission{DocumentKey: "uploads/po-2001.pdf"})
	result, err := handler.Execute(context.Background(), &stage.Request{
		WorkflowID: "wf-1",
		Stage:      stage.NameParse,
		Data:       payload,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var content document.ExtractedContent
	if err := json.Unmarshal(result, &content); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if content.Pages != 2 {
		t.Fatalf("unexpected content %+v", content)
	}
}

func TestParseRejectsUnsupportedMimeType(t *testing.T) {
	handler := stages.NewParse(
		&fakeBlobStore{data: []byte("MZ"), mimeType: "application/octet-stream"},
		&fakeParser{},
		logging.NewNop(),
	)

	payload, _ := json.Marshal(document.Submission{DocumentKey: "uploads/weird.bin"})
	_, err := handler.Execute(context.Background(), &stage.Request{Stage: stage.NameParse, Data: payload})
	if !services.IsTerminal(err) {
		t.Fatalf("unsupported mime type must be terminal, got %v", err)
	}
}

func TestParseBlobStoreOutageIsRecoverable(t *testing.T) {
	handler := stages.NewParse(
		&fakeBlobStore{err: errors.New("connection refused")},
		&fakeParser{},
		logging.NewNop(),
	)

	payload, _ := json.Marshal(document.Submission{DocumentKey: "uploads/po.pdf"})
	_, err := handler.Execute(context.Background(), &stage.Request{Stage: stage.NameParse, Data: payload})
	if err == nil || services.IsTerminal(err) {
		t.Fatalf("blob store outage must be recoverable, got %v", err)
	}
}

func TestExtractGatesOnConfidence(t *testing.T) {
	settings := document.ExtractionSettings{Model: "po-extract-v2", ConfidenceFloor: 0.5, Timeout: time.Second}
	content, _ := json.Marshal(document.ExtractedContent{Text: "..."})
	req := &stage.Request{
		WorkflowID:   "wf-1",
		Stage:        stage.NameExtract,
		PriorResults: map[stage.Name]json.RawMessage{stage.NameParse: content},
	}

	good := stages.NewExtract(&fakeExtractor{result: &document.ExtractionResult{
		Order:      sampleOrder(),
		Confidence: 0.8,
	}}, settings, logging.NewNop())
	result, err := good.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var extraction document.ExtractionResult
	if err := json.Unmarshal(result, &extraction); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if extraction.Confidence <= 0.8 {
		t.Fatalf("consistent order must not lose confidence, got %f", extraction.Confidence)
	}

	low := stages.NewExtract(&fakeExtractor{result: &document.ExtractionResult{
		Order:      document.PurchaseOrder{},
		Confidence: 0.4,
	}}, settings, logging.NewNop())
	_, err = low.Execute(context.Background(), req)
	if !services.IsTerminal(err) {
		t.Fatalf("below-floor confidence must be terminal, got %v", err)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	handler := stages.NewPersist(repo, logging.NewNop())
	req := requestWithExtraction(t, sampleOrder(), stage.NamePersist)

	for i := 0; i < 2; i++ {
		result, err := handler.Execute(context.Background(), req)
		if err != nil {
			t.Fatalf("Execute #%d: %v", i+1, err)
		}
		if string(result) != `{"po_number":"PO-2001"}` {
			t.Fatalf("unexpected result %s", result)
		}
	}
	if len(repo.orders) != 1 {
		t.Fatalf("re-execution must not duplicate orders, got %d", len(repo.orders))
	}
}

func TestEnrichMergesMasterData(t *testing.T) {
	repo := newMemoryRepo()
	order := sampleOrder()
	if err := repo.Upsert(context.Background(), &order); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	handler := stages.NewEnrich(&fakeEnricher{
		vendor: &document.Vendor{ID: "V-77", Name: "Acme Industrial", TaxID: "DE123"},
	}, repo, logging.NewNop())

	result, err := handler.Execute(context.Background(), requestWithExtraction(t, order, stage.NameEnrich))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var vendor document.Vendor
	if err := json.Unmarshal(result, &vendor); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if vendor.ID != "V-77" {
		t.Fatalf("expected resolved vendor, got %+v", vendor)
	}

	stored, err := repo.Get(context.Background(), "PO-2001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Vendor.ID != "V-77" {
		t.Fatalf("enriched vendor must be persisted, got %+v", stored.Vendor)
	}
	if stored.LineItems[0].SKU != "STD-A" {
		t.Fatalf("expected normalized SKUs, got %+v", stored.LineItems)
	}
}

func TestEnrichMissingVendorIsRecoverable(t *testing.T) {
	repo := newMemoryRepo()
	order := sampleOrder()
	if err := repo.Upsert(context.Background(), &order); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	handler := stages.NewEnrich(&fakeEnricher{
		vendorErr: errors.New("vendor not in master data"),
	}, repo, logging.NewNop())

	_, err := handler.Execute(context.Background(), requestWithExtraction(t, order, stage.NameEnrich))
	if err == nil || services.IsTerminal(err) {
		t.Fatalf("missing vendor must be recoverable, got %v", err)
	}
}

func TestSyncPartialSuccess(t *testing.T) {
	repo := newMemoryRepo()
	order := sampleOrder()
	if err := repo.Upsert(context.Background(), &order); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	handler := stages.NewSync(&fakeSyncer{outcomes: map[string]document.SyncOutcome{
		"A": document.SyncCreated,
		"B": document.SyncFailed,
	}}, repo, time.Second, logging.NewNop())

	result, err := handler.Execute(context.Background(), requestWithExtraction(t, order, stage.NameSync))
	if err != nil {
		t.Fatalf("partial success must complete the stage: %v", err)
	}

	var summary document.SyncSummary
	if err := json.Unmarshal(result, &summary); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if summary.Created != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	recorded, ok := repo.summaries["PO-2001"]
	if !ok {
		t.Fatal("summary must be recorded on the order")
	}
	if recorded.Failed != 1 {
		t.Fatalf("unexpected recorded summary %+v", recorded)
	}
}

func TestSyncAllFailedIsRecoverable(t *testing.T) {
	repo := newMemoryRepo()
	order := sampleOrder()
	if err := repo.Upsert(context.Background(), &order); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	handler := stages.NewSync(&fakeSyncer{outcomes: map[string]document.SyncOutcome{
		"A": document.SyncFailed,
		"B": document.SyncFailed,
	}}, repo, time.Second, logging.NewNop())

	_, err := handler.Execute(context.Background(), requestWithExtraction(t, order, stage.NameSync))
	if err == nil || services.IsTerminal(err) {
		t.Fatalf("all-failed sync must be recoverable, got %v", err)
	}
	if _, ok := repo.summaries["PO-2001"]; ok {
		t.Fatal("all-failed run must not record a summary")
	}
}

func TestStageHealthChecks(t *testing.T) {
	repo := newMemoryRepo()
	healthy := []stage.Health{
		stages.NewParse(&fakeBlobStore{}, &fakeParser{}, logging.NewNop()).HealthCheck(context.Background()),
		stages.NewExtract(&fakeExtractor{}, document.ExtractionSettings{ConfidenceFloor: 0.35}, logging.NewNop()).HealthCheck(context.Background()),
		stages.NewPersist(repo, logging.NewNop()).HealthCheck(context.Background()),
		stages.NewEnrich(&fakeEnricher{}, repo, logging.NewNop()).HealthCheck(context.Background()),
		stages.NewSync(&fakeSyncer{}, repo, time.Second, logging.NewNop()).HealthCheck(context.Background()),
	}
	for _, h := range healthy {
		if !h.Ready {
			t.Fatalf("expected %s healthy: %s", h.Name, h.Detail)
		}
	}

	unhealthy := stages.NewPersist(nil, logging.NewNop()).HealthCheck(context.Background())
	if unhealthy.Ready {
		t.Fatal("nil repository must be unhealthy")
	}
}

package document_test

import (
	"math"
	"testing"

	"conveyor/internal/document"
)

func consistentResult() *document.ExtractionResult {
	return &document.ExtractionResult{
		Confidence: 0.80,
		Order: document.PurchaseOrder{
			Number: "PO-1001",
			Vendor: document.Vendor{Name: "Acme Industrial"},
			Total:  150,
			LineItems: []document.LineItem{
				{SKU: "WID-1", Quantity: 10, UnitPrice: 10},
				{SKU: "WID-2", Quantity: 5, UnitPrice: 10},
			},
		},
	}
}

func TestRefineConfidence(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*document.ExtractionResult)
		want   float64
	}{
		{
			name:   "consistent order earns a boost",
			mutate: func(*document.ExtractionResult) {},
			want:   0.85,
		},
		{
			name: "missing order number penalized",
			mutate: func(r *document.ExtractionResult) {
				r.Order.Number = ""
			},
			want: 0.60,
		},
		{
			name: "no line items penalized",
			mutate: func(r *document.ExtractionResult) {
				r.Order.LineItems = nil
			},
			want: 0.60,
		},
		{
			name: "total disagrees with line items",
			mutate: func(r *document.ExtractionResult) {
				r.Order.Total = 500
			},
			want: 0.65,
		},
		{
			name: "missing vendor penalized",
			mutate: func(r *document.ExtractionResult) {
				r.Order.Vendor.Name = ""
			},
			want: 0.75,
		},
		{
			name: "score never drops below zero",
			mutate: func(r *document.ExtractionResult) {
				r.Confidence = 0.1
				r.Order = document.PurchaseOrder{}
			},
			want: 0,
		},
		{
			name: "score never exceeds one",
			mutate: func(r *document.ExtractionResult) {
				r.Confidence = 0.99
			},
			want: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := consistentResult()
			tc.mutate(result)
			got := document.RefineConfidence(result)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("RefineConfidence = %.4f, want %.4f", got, tc.want)
			}
		})
	}
}

func TestRefineConfidenceIsPure(t *testing.T) {
	result := consistentResult()
	first := document.RefineConfidence(result)
	second := document.RefineConfidence(result)
	if first != second {
		t.Fatalf("expected deterministic score, got %f then %f", first, second)
	}
	if document.RefineConfidence(nil) != 0 {
		t.Fatal("nil result must score zero")
	}
}

func TestSummarize(t *testing.T) {
	summary := document.Summarize([]document.SyncRecord{
		{SKU: "A", Outcome: document.SyncCreated},
		{SKU: "B", Outcome: document.SyncUpdated},
		{SKU: "C", Outcome: document.SyncFailed, Detail: "409 conflict"},
	})
	if summary.Created != 1 || summary.Updated != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.AllFailed() {
		t.Fatal("partial success is not all-failed")
	}

	failed := document.Summarize([]document.SyncRecord{
		{SKU: "A", Outcome: document.SyncFailed},
		{SKU: "B", Outcome: document.SyncFailed},
	})
	if !failed.AllFailed() {
		t.Fatal("expected all-failed summary")
	}
}

package collaborators

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"conveyor/internal/document"
)

var (
	poNumberPattern = regexp.MustCompile(`(?i)(?:po|purchase\s+order)[\s#:]*([A-Z0-9][A-Z0-9-]{2,})`)
	vendorPattern   = regexp.MustCompile(`(?i)(?:vendor|supplier|from)[\s:]+([^\n]+)`)
	totalPattern    = regexp.MustCompile(`(?i)total[\s:]*\$?\s*([0-9][0-9,]*\.?[0-9]*)`)
	datePattern     = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	// SKU, description, quantity, unit price, one line per item.
	lineItemPattern = regexp.MustCompile(`(?im)^([A-Z0-9][A-Z0-9-]{2,})\s+(.+?)\s+(\d+)\s+\$?\s*([0-9][0-9,]*\.?[0-9]*)\s*$`)
)

// HeuristicExtractor pulls purchase-order fields out of text with regular
// expressions. It stands in for the hosted extraction model in development
// and tests; its confidence reflects how many fields it actually found.
type HeuristicExtractor struct{}

// NewHeuristicExtractor returns the built-in extractor.
func NewHeuristicExtractor() *HeuristicExtractor { return &HeuristicExtractor{} }

func (e *HeuristicExtractor) Extract(ctx context.Context, content *document.ExtractedContent, settings document.ExtractionSettings) (*document.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := content.Text
	order := document.PurchaseOrder{Currency: "USD"}
	confidence := 0.30

	if m := poNumberPattern.FindStringSubmatch(text); m != nil {
		order.Number = strings.TrimSpace(m[1])
		confidence += 0.25
	}
	if m := vendorPattern.FindStringSubmatch(text); m != nil {
		order.Vendor = document.Vendor{Name: strings.TrimSpace(m[1])}
		confidence += 0.15
	}
	if m := totalPattern.FindStringSubmatch(text); m != nil {
		if total, err := parseAmount(m[1]); err == nil {
			order.Total = total
			confidence += 0.10
		}
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		if issued, err := time.Parse("2006-01-02", m[1]); err == nil {
			order.IssuedAt = issued
		}
	}

	for _, m := range lineItemPattern.FindAllStringSubmatch(text, -1) {
		qty, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		price, err := parseAmount(m[4])
		if err != nil {
			continue
		}
		order.LineItems = append(order.LineItems, document.LineItem{
			SKU:         m[1],
			Description: strings.TrimSpace(m[2]),
			Quantity:    qty,
			UnitPrice:   price,
		})
	}
	if len(order.LineItems) > 0 {
		confidence += 0.20
	}
	if confidence > 1 {
		confidence = 1
	}

	model := settings.Model
	if model == "" {
		model = "heuristic"
	}
	return &document.ExtractionResult{
		Order:      order,
		Confidence: confidence,
		Model:      model,
	}, nil
}

func parseAmount(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
}

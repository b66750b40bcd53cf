package collaborators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"conveyor/internal/document"
)

// DeterministicEnricher derives vendor IDs and canonical SKUs from the values
// themselves, so repeated enrichment of the same order is stable without a
// master-data service behind it.
type DeterministicEnricher struct{}

// NewDeterministicEnricher returns the built-in enricher.
func NewDeterministicEnricher() *DeterministicEnricher { return &DeterministicEnricher{} }

func (e *DeterministicEnricher) LookupVendor(ctx context.Context, name string) (*document.Vendor, error) {
	trimmed := strings.TrimSpace(name)
	sum := sha256.Sum256([]byte(strings.ToLower(trimmed)))
	return &document.Vendor{
		ID:   "vnd-" + hex.EncodeToString(sum[:4]),
		Name: trimmed,
	}, nil
}

func (e *DeterministicEnricher) NormalizeSKU(ctx context.Context, sku string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(sku))
	normalized = strings.ReplaceAll(normalized, " ", "-")
	return normalized, nil
}

package document

import "math"

// RefineConfidence adjusts the extractor's raw confidence with consistency
// checks over the structured output. It is a pure function: same result in,
// same score out. The returned score stays in [0, 1].
//
// Penalties apply for a missing order number, an empty line-item list, and a
// stated total that disagrees with the line-item sum. A total that matches
// within half a percent earns a small boost.
func RefineConfidence(result *ExtractionResult) float64 {
	if result == nil {
		return 0
	}
	score := result.Confidence

	if result.Order.Number == "" {
		score -= 0.25
	}
	if len(result.Order.LineItems) == 0 {
		score -= 0.20
	} else if result.Order.Total > 0 {
		var sum float64
		for _, item := range result.Order.LineItems {
			sum += float64(item.Quantity) * item.UnitPrice
		}
		ratio := math.Abs(sum-result.Order.Total) / result.Order.Total
		switch {
		case ratio <= 0.005:
			score += 0.05
		case ratio > 0.10:
			score -= 0.15
		}
	}
	if result.Order.Vendor.Name == "" {
		score -= 0.10
	}

	return math.Max(0, math.Min(1, score))
}

package services

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
)

// DefaultFreeLabel is appended to labels of offers that cost nothing.
const DefaultFreeLabel = "FREE"

var labelPolicy = bluemonday.StrictPolicy()

// IsFreeOfCharge reports whether a cost is absent or not greater than zero.
func IsFreeOfCharge(cost *decimal.Decimal) bool {
	return cost == nil || !cost.IsPositive()
}

// AnnotateLabel appends the free marker to label when cost is absent or zero.
func AnnotateLabel(label string, cost *decimal.Decimal, marker string) string {
	if !IsFreeOfCharge(cost) {
		return label
	}
	return label + ": " + markerOrDefault(marker)
}

// AnnotateLabelHTML is the markup variant of AnnotateLabel. The host label is stripped of any markup.
func AnnotateLabelHTML(label string, cost *decimal.Decimal, marker string) string {
	safe := labelPolicy.Sanitize(label)
	if !IsFreeOfCharge(cost) {
		return safe
	}
	return safe + `: <strong><span class="shipping-free">` + html.EscapeString(markerOrDefault(marker)) + `</span></strong>`
}

func markerOrDefault(marker string) string {
	if trimmed := strings.TrimSpace(marker); trimmed != "" {
		return trimmed
	}
	return DefaultFreeLabel
}

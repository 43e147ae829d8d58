package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/shiprate/internal/domain"
	"github.com/hanko-field/shiprate/internal/platform/format"
)

const freeShippingMethodID = string(domain.MethodKindFreeShipping)

// NoticeFormat controls how amounts are rendered inside notices.
type NoticeFormat struct {
	Locale         string
	CurrencySymbol string
}

// IsFreeShippingChosen reports whether any chosen method refers to free shipping.
// Chosen ids are matched against free-shipping offers, and against the "free_shipping:<instance>" id convention.
func IsFreeShippingChosen(chosen []string, offers []RateOffer) bool {
	if len(chosen) == 0 {
		return false
	}
	freeIDs := make(map[string]struct{}, len(offers))
	for _, offer := range offers {
		if offer.IsFreeShipping() {
			freeIDs[offer.ID] = struct{}{}
		}
	}
	for _, id := range chosen {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := freeIDs[id]; ok {
			return true
		}
		method, _, _ := strings.Cut(id, ":")
		if method == freeShippingMethodID {
			return true
		}
	}
	return false
}

// RestrictedCategoryTotal sums the line totals of resolvable items tagged with the rule's category.
func RestrictedCategoryTotal(items []ShippingCartItem, rule RestrictedCategoryRule) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			continue
		}
		if item.HasCategory(rule.CategorySlug) {
			total = total.Add(item.LineTotal)
		}
	}
	return total
}

// ValidateRestrictedCategory emits an error notice when the restricted category total exceeds the ceiling.
// Callers invoke it only while free shipping is in effect; it never alters rate offers.
func ValidateRestrictedCategory(items []ShippingCartItem, rule RestrictedCategoryRule, nf NoticeFormat) []Notice {
	if !rule.Enabled() {
		return nil
	}
	total := RestrictedCategoryTotal(items, rule)
	if !total.GreaterThan(rule.Ceiling) {
		return nil
	}
	label := strings.TrimSpace(rule.CategoryLabel)
	if label == "" {
		label = strings.TrimSpace(rule.CategorySlug)
	}
	message := fmt.Sprintf(
		"To use free shipping, products in the %q category cannot exceed %s. Current total: %s.",
		label,
		format.Currency(rule.Ceiling, nf.CurrencySymbol, nf.Locale),
		format.Currency(total, nf.CurrencySymbol, nf.Locale),
	)
	return []Notice{{Severity: domain.NoticeError, Message: message}}
}

package services

import "strings"

// ExtractDeliveryClasses returns the distinct delivery classes present in the cart in first-seen order.
// Items without a class or without a resolvable product are skipped.
func ExtractDeliveryClasses(items []ShippingCartItem) []string {
	classes := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			continue
		}
		class := strings.TrimSpace(item.ShippingClass)
		if class == "" {
			continue
		}
		if _, ok := seen[class]; ok {
			continue
		}
		seen[class] = struct{}{}
		classes = append(classes, class)
	}
	return classes
}

// ResolvePriorityClass returns the first class of priorities that is present in the cart.
// The boolean is false when none of the configured classes is present.
func ResolvePriorityClass(present []string, priorities PriorityList) (string, bool) {
	if len(present) == 0 || len(priorities) == 0 {
		return "", false
	}
	set := make(map[string]struct{}, len(present))
	for _, class := range present {
		set[class] = struct{}{}
	}
	for _, candidate := range priorities {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := set[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/shiprate/internal/domain"
)

var (
	// ErrShippingMalformedOffer signals offer metadata the filter cannot interpret.
	ErrShippingMalformedOffer = errors.New("shipping filter: malformed offer")
	// ErrShippingUnknownPolicy is returned for policies the resolver does not implement.
	ErrShippingUnknownPolicy = errors.New("shipping filter: unknown policy")
)

// rateFilterInput is the fully resolved input handed to a filtering policy.
type rateFilterInput struct {
	rates   []RateOffer
	items   []ShippingCartItem
	classes []string
	methods map[string]ZoneMethod
	rules   ShippingRules
}

// rateFilterOutput is what a policy decided. Decision fields left empty are filled by the resolver.
type rateFilterOutput struct {
	rates                []RateOffer
	outcome              domain.EvaluationOutcome
	priorityClass        string
	packageTotal         *decimal.Decimal
	selectedFreeShipping string
}

// offerBinding resolves the class restriction and minimum amount of an offer.
// Zone method metadata wins over values carried on the offer itself, unless it declares another kind.
func offerBinding(offer RateOffer, methods map[string]ZoneMethod) (string, *decimal.Decimal) {
	class := strings.TrimSpace(offer.BoundClass)
	minimum := offer.MinimumAmount
	if method, ok := methods[strings.TrimSpace(offer.InstanceID)]; ok && offer.InstanceID != "" && methodMatchesOffer(method, offer) {
		if bound := strings.TrimSpace(method.BoundClass); bound != "" {
			class = bound
		}
		if method.MinimumAmount != nil {
			minimum = method.MinimumAmount
		}
	}
	return class, minimum
}

func (r *ShippingRateResolver) filterByPriorityClass(ctx context.Context, in rateFilterInput) rateFilterOutput {
	r.logger(ctx, "shipping_priority_classes", map[string]any{"priorities": []string(in.rules.PriorityClasses)})

	if len(in.classes) <= 1 {
		r.logger(ctx, "shipping_single_class_passthrough", map[string]any{"classes": in.classes})
		return rateFilterOutput{rates: in.rates, outcome: domain.OutcomePassthrough}
	}

	priority, ok := ResolvePriorityClass(in.classes, in.rules.PriorityClasses)
	if !ok {
		r.logger(ctx, "shipping_priority_class_missing", map[string]any{"classes": in.classes})
		return rateFilterOutput{rates: in.rates, outcome: domain.OutcomePassthrough}
	}
	r.logger(ctx, "shipping_priority_class_selected", map[string]any{"class": priority})

	filtered := make([]RateOffer, 0, len(in.rates))
	for _, offer := range in.rates {
		class, _ := offerBinding(offer, in.methods)
		var keep bool
		if offer.IsFreeShipping() {
			keep = class == "" || class == priority
		} else {
			keep = otherOfferMatches(offer, class, priority, in.rules.ClassMatch)
		}
		if !keep {
			r.logger(ctx, "shipping_rate_removed", map[string]any{"rateId": offer.ID, "boundClass": class, "priorityClass": priority})
			continue
		}
		filtered = append(filtered, offer)
	}

	if len(filtered) == 0 {
		r.logger(ctx, "shipping_filter_empty_fallback", map[string]any{"priorityClass": priority, "rates": len(in.rates)})
		return rateFilterOutput{rates: in.rates, outcome: domain.OutcomeFallbackEmpty, priorityClass: priority}
	}

	outcome := domain.OutcomeFiltered
	if len(filtered) == len(in.rates) {
		outcome = domain.OutcomePassthrough
	}
	return rateFilterOutput{rates: filtered, outcome: outcome, priorityClass: priority}
}

// methodMatchesOffer reports whether zone metadata applies to the offer. Metadata without a kind applies to any offer.
func methodMatchesOffer(method ZoneMethod, offer RateOffer) bool {
	switch method.Kind {
	case "":
		return true
	case domain.MethodKindFreeShipping:
		return offer.IsFreeShipping()
	default:
		return !offer.IsFreeShipping()
	}
}

// otherOfferMatches decides whether a non free-shipping offer serves the priority class.
func otherOfferMatches(offer RateOffer, declared, priority string, mode domain.ClassMatchMode) bool {
	if mode == domain.ClassMatchText {
		if strings.Contains(offer.ID, priority) {
			return true
		}
		return strings.Contains(strings.ToLower(offer.Label), strings.ToLower(priority))
	}
	return declared == "" || declared == priority
}

func (r *ShippingRateResolver) filterByValueThreshold(ctx context.Context, in rateFilterInput) (rateFilterOutput, error) {
	total := PackageTotal(in.items)
	classSet := make(map[string]struct{}, len(in.classes))
	for _, class := range in.classes {
		classSet[class] = struct{}{}
	}

	selected := -1
	selectedMinimum := decimal.Zero
	for idx, offer := range in.rates {
		if !offer.IsFreeShipping() {
			continue
		}
		class, minimum := offerBinding(offer, in.methods)
		if minimum != nil && minimum.IsNegative() {
			return rateFilterOutput{}, fmt.Errorf("%w: rate %s has negative minimum amount", ErrShippingMalformedOffer, offer.ID)
		}
		if class != "" {
			if _, ok := classSet[class]; !ok {
				continue
			}
		}
		required := decimal.Zero
		if minimum != nil {
			required = *minimum
		}
		if selected < 0 || required.GreaterThan(selectedMinimum) {
			selected = idx
			selectedMinimum = required
		}
	}

	out := rateFilterOutput{packageTotal: &total}
	keepFree := ""
	if selected >= 0 {
		candidate := in.rates[selected]
		r.logger(ctx, "shipping_threshold_selected", map[string]any{
			"rateId":  candidate.ID,
			"minimum": selectedMinimum.String(),
			"total":   total.String(),
		})
		if total.GreaterThanOrEqual(selectedMinimum) {
			keepFree = candidate.ID
			out.selectedFreeShipping = candidate.ID
		}
	}

	filtered := make([]RateOffer, 0, len(in.rates))
	for idx, offer := range in.rates {
		if offer.IsFreeShipping() && (keepFree == "" || idx != selected) {
			r.logger(ctx, "shipping_rate_removed", map[string]any{"rateId": offer.ID, "total": total.String()})
			continue
		}
		filtered = append(filtered, offer)
	}
	out.rates = filtered

	switch {
	case keepFree == "" && len(filtered) < len(in.rates):
		out.outcome = domain.OutcomeFreeShippingRemoved
	case len(filtered) == len(in.rates):
		out.outcome = domain.OutcomePassthrough
	default:
		out.outcome = domain.OutcomeFiltered
	}
	return out, nil
}

// PackageTotal sums line totals and line taxes over every item of the package.
func PackageTotal(items []ShippingCartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal).Add(item.LineTax)
	}
	return total
}

func validateOfferSet(rates []RateOffer) error {
	seen := make(map[string]struct{}, len(rates))
	for _, offer := range rates {
		id := offer.ID
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: rate without id", ErrShippingMalformedOffer)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate rate id %s", ErrShippingMalformedOffer, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

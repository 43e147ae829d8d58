package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MethodKind distinguishes free-shipping rate offers from every other shipping method.
type MethodKind string

const (
	// MethodKindFreeShipping marks offers produced by a free-shipping method instance.
	MethodKindFreeShipping MethodKind = "free_shipping"
	// MethodKindOther covers flat rate, carrier calculated, pickup and any other method.
	MethodKindOther MethodKind = "other"
)

// ShippingPolicy selects the rate filtering policy applied by the resolver.
type ShippingPolicy string

const (
	// ShippingPolicyClassPriority keeps offers compatible with the highest priority class in the cart.
	ShippingPolicyClassPriority ShippingPolicy = "class_priority"
	// ShippingPolicyValueThreshold keeps the strictest satisfied free-shipping offer based on the package total.
	ShippingPolicyValueThreshold ShippingPolicy = "value_threshold"
)

// ClassMatchMode controls how non free-shipping offers are associated with a delivery class.
type ClassMatchMode string

const (
	// ClassMatchDeclared uses the bound class declared on the offer or its zone method.
	ClassMatchDeclared ClassMatchMode = "declared"
	// ClassMatchText matches the class slug against the offer id and label.
	ClassMatchText ClassMatchMode = "text"
)

// NoticeSeverity mirrors the notice levels understood by storefront hosts.
type NoticeSeverity string

const (
	NoticeInfo   NoticeSeverity = "info"
	NoticeError  NoticeSeverity = "error"
	NoticeNotice NoticeSeverity = "notice"
)

// EvaluationOutcome summarises what the resolver did with the candidate offers.
type EvaluationOutcome string

const (
	OutcomePassthrough         EvaluationOutcome = "passthrough"
	OutcomeFiltered            EvaluationOutcome = "filtered"
	OutcomeFallbackEmpty       EvaluationOutcome = "fallback_empty"
	OutcomeFallbackError       EvaluationOutcome = "fallback_error"
	OutcomeFreeShippingRemoved EvaluationOutcome = "free_shipping_removed"
)

// ShippingCartItem is the read-only snapshot of a cart line used during a pricing pass.
// An empty ProductID means the host could not resolve the product reference.
type ShippingCartItem struct {
	ProductID     string          `json:"productId"`
	ShippingClass string          `json:"shippingClass,omitempty"`
	LineTotal     decimal.Decimal `json:"lineTotal"`
	LineTax       decimal.Decimal `json:"lineTax"`
	CategoryTags  []string        `json:"categoryTags,omitempty"`
}

// HasCategory reports whether the item is tagged with the provided category slug.
func (i ShippingCartItem) HasCategory(slug string) bool {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return false
	}
	for _, tag := range i.CategoryTags {
		if strings.TrimSpace(tag) == slug {
			return true
		}
	}
	return false
}

// RateOffer is a priced shipping method candidate returned by the host for one package.
type RateOffer struct {
	ID            string           `json:"id"`
	Kind          MethodKind       `json:"kind"`
	InstanceID    string           `json:"instanceId,omitempty"`
	Label         string           `json:"label"`
	Cost          *decimal.Decimal `json:"cost,omitempty"`
	BoundClass    string           `json:"boundClass,omitempty"`
	MinimumAmount *decimal.Decimal `json:"minimumAmount,omitempty"`
}

// IsFreeShipping reports whether the offer comes from a free-shipping method.
func (o RateOffer) IsFreeShipping() bool {
	return o.Kind == MethodKindFreeShipping
}

// ZoneMethod carries the configuration of a shipping method instance inside a zone.
// A non-empty Kind limits the metadata to offers of the same kind.
type ZoneMethod struct {
	InstanceID    string           `json:"instanceId" yaml:"instance_id"`
	Kind          MethodKind       `json:"kind,omitempty" yaml:"kind"`
	BoundClass    string           `json:"boundClass,omitempty" yaml:"bound_class"`
	MinimumAmount *decimal.Decimal `json:"minimumAmount,omitempty" yaml:"-"`
}

// PriorityList orders delivery class slugs from highest to lowest priority.
type PriorityList []string

// RestrictedCategoryRule caps the value of one product category while free shipping is in effect.
type RestrictedCategoryRule struct {
	CategorySlug  string          `json:"categorySlug"`
	CategoryLabel string          `json:"categoryLabel,omitempty"`
	Ceiling       decimal.Decimal `json:"ceiling"`
}

// Enabled reports whether the rule names a category to check.
func (r RestrictedCategoryRule) Enabled() bool {
	return strings.TrimSpace(r.CategorySlug) != ""
}

// ShippingRules is the configuration injected into every evaluation.
type ShippingRules struct {
	Policy             ShippingPolicy         `json:"policy"`
	PriorityClasses    PriorityList           `json:"priorityClasses"`
	ClassMatch         ClassMatchMode         `json:"classMatch,omitempty"`
	RestrictedCategory RestrictedCategoryRule `json:"restrictedCategory"`
	Locale             string                 `json:"locale,omitempty"`
	CurrencySymbol     string                 `json:"currencySymbol,omitempty"`
	FreeLabel          string                 `json:"freeLabel,omitempty"`
}

// ShippingPackage groups everything the host knows about one package at pricing time.
type ShippingPackage struct {
	ZoneID        string             `json:"zoneId,omitempty"`
	Items         []ShippingCartItem `json:"items"`
	Rates         []RateOffer        `json:"rates"`
	ZoneMethods   []ZoneMethod       `json:"zoneMethods,omitempty"`
	ChosenMethods []string           `json:"chosenMethods,omitempty"`
}

// Notice is a user-facing message produced by an evaluation.
type Notice struct {
	Severity NoticeSeverity `json:"severity"`
	Message  string         `json:"message"`
}

// ShippingDecision records how the resolver arrived at the returned offers.
type ShippingDecision struct {
	Policy               ShippingPolicy    `json:"policy"`
	Classes              []string          `json:"classes"`
	PriorityClass        string            `json:"priorityClass,omitempty"`
	PackageTotal         *decimal.Decimal  `json:"packageTotal,omitempty"`
	SelectedFreeShipping string            `json:"selectedFreeShipping,omitempty"`
	FreeShippingChosen   bool              `json:"freeShippingChosen"`
	Outcome              EvaluationOutcome `json:"outcome"`
}

// ShippingEvaluation is the result of evaluating one package. Rates keeps the host order and is keyed by offer id.
type ShippingEvaluation struct {
	Rates    []RateOffer      `json:"rates"`
	Notices  []Notice         `json:"notices"`
	Decision ShippingDecision `json:"decision"`
}

// RateIDs lists the ids of the returned offers in order.
func (e ShippingEvaluation) RateIDs() []string {
	ids := make([]string, 0, len(e.Rates))
	for _, rate := range e.Rates {
		ids = append(ids, rate.ID)
	}
	return ids
}

// Rate looks up a returned offer by id.
func (e ShippingEvaluation) Rate(id string) (RateOffer, bool) {
	for _, rate := range e.Rates {
		if rate.ID == id {
			return rate, true
		}
	}
	return RateOffer{}, false
}

package services

import (
	"context"

	domain "github.com/hanko-field/shiprate/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	ShippingPolicy         = domain.ShippingPolicy
	ShippingCartItem       = domain.ShippingCartItem
	RateOffer              = domain.RateOffer
	ZoneMethod             = domain.ZoneMethod
	PriorityList           = domain.PriorityList
	RestrictedCategoryRule = domain.RestrictedCategoryRule
	ShippingRules          = domain.ShippingRules
	ShippingPackage        = domain.ShippingPackage
	ShippingEvaluation     = domain.ShippingEvaluation
	ShippingDecision       = domain.ShippingDecision
	Notice                 = domain.Notice
)

// ShippingRateService evaluates shipping rate offers for one package per call.
type ShippingRateService interface {
	Evaluate(ctx context.Context, cmd EvaluateShippingCommand) ShippingEvaluation
	AnnotateLabels(ctx context.Context, cmd AnnotateLabelsCommand) []AnnotatedLabel
	Rules() ShippingRules
}

// EvaluateShippingCommand carries one package-pricing pass. A nil Rules uses the resolver defaults.
type EvaluateShippingCommand struct {
	Package     ShippingPackage
	Rules       *ShippingRules
	BypassCache bool
}

// AnnotateLabelsCommand requests display labels for a set of offers.
type AnnotateLabelsCommand struct {
	Offers []RateOffer
	Marker string
	HTML   bool
}

// AnnotatedLabel is the display label computed for one offer.
type AnnotatedLabel struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Free  bool   `json:"free"`
}

package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/hanko-field/shiprate/internal/domain"
	"github.com/hanko-field/shiprate/internal/repositories"
)

const (
	foamClass     = "espumas-e-enchimentos"
	standardClass = "brasil"
)

func TestShippingRateResolver_PriorityClassKeepsFoamOffers(t *testing.T) {
	logs := &captureLogger{}
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules(), Logger: logs.Log})

	pkg := ShippingPackage{
		Items: []ShippingCartItem{
			foamItem("prod_foam", "120.00"),
			standardItem("prod_pillow", "80.00"),
		},
		Rates: []RateOffer{
			freeOffer("free_shipping:1", "1", "Frete grátis espumas"),
			freeOffer("free_shipping:2", "2", "Frete grátis"),
			otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
			otherOffer("flat_rate:4", "4", "Retirada", "0"),
		},
		ZoneMethods: []ZoneMethod{
			{InstanceID: "1", Kind: domain.MethodKindFreeShipping, BoundClass: foamClass},
			{InstanceID: "2", Kind: domain.MethodKindFreeShipping, BoundClass: standardClass},
			{InstanceID: "3", Kind: domain.MethodKindOther, BoundClass: standardClass},
		},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})

	if got, want := result.RateIDs(), []string{"free_shipping:1", "flat_rate:4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
	if result.Decision.Outcome != domain.OutcomeFiltered {
		t.Fatalf("expected outcome filtered, got %s", result.Decision.Outcome)
	}
	if result.Decision.PriorityClass != foamClass {
		t.Fatalf("expected priority class %s, got %q", foamClass, result.Decision.PriorityClass)
	}
	if got, want := result.Decision.Classes, []string{foamClass, standardClass}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected classes %v, got %v", want, got)
	}
	if len(result.Notices) != 0 {
		t.Fatalf("expected no notices, got %+v", result.Notices)
	}
	if logs.count("shipping_rate_removed") != 2 {
		t.Fatalf("expected two removal events, got %d", logs.count("shipping_rate_removed"))
	}
	if logs.count("shipping_priority_class_selected") != 1 {
		t.Fatalf("expected priority class selection to be logged")
	}
}

func TestShippingRateResolver_SingleClassPassthrough(t *testing.T) {
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules()})

	rates := []RateOffer{
		freeOffer("free_shipping:2", "2", "Frete grátis"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	pkg := ShippingPackage{
		Items: []ShippingCartItem{
			standardItem("prod_a", "10.00"),
			standardItem("prod_b", "20.00"),
			{ProductID: "prod_c", LineTotal: decimal.RequireFromString("5.00")},
		},
		Rates: rates,
		ZoneMethods: []ZoneMethod{
			{InstanceID: "2", BoundClass: foamClass},
		},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})

	if !reflect.DeepEqual(result.Rates, rates) {
		t.Fatalf("expected rates unchanged, got %+v", result.Rates)
	}
	if result.Decision.Outcome != domain.OutcomePassthrough {
		t.Fatalf("expected passthrough, got %s", result.Decision.Outcome)
	}
	if result.Decision.PriorityClass != "" {
		t.Fatalf("expected no priority class, got %q", result.Decision.PriorityClass)
	}
}

func TestShippingRateResolver_NoConfiguredClassPresent(t *testing.T) {
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules()})

	rates := []RateOffer{
		freeOffer("free_shipping:1", "1", "Frete grátis"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	pkg := ShippingPackage{
		Items: []ShippingCartItem{
			{ProductID: "a", ShippingClass: "fragil", LineTotal: decimal.RequireFromString("10")},
			{ProductID: "b", ShippingClass: "volumoso", LineTotal: decimal.RequireFromString("10")},
		},
		Rates:       rates,
		ZoneMethods: []ZoneMethod{{InstanceID: "1", BoundClass: "fragil"}},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if !reflect.DeepEqual(result.Rates, rates) {
		t.Fatalf("expected rates unchanged, got %v", result.RateIDs())
	}
	if result.Decision.Outcome != domain.OutcomePassthrough {
		t.Fatalf("expected passthrough, got %s", result.Decision.Outcome)
	}
}

func TestShippingRateResolver_EmptyFilterFallsBackToOriginal(t *testing.T) {
	logs := &captureLogger{}
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules(), Logger: logs.Log})

	rates := []RateOffer{
		freeOffer("free_shipping:2", "2", "Frete grátis"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	pkg := ShippingPackage{
		Items: []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
		Rates: rates,
		ZoneMethods: []ZoneMethod{
			{InstanceID: "2", BoundClass: standardClass},
			{InstanceID: "3", BoundClass: standardClass},
		},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})

	if !reflect.DeepEqual(result.Rates, rates) {
		t.Fatalf("expected original rates, got %v", result.RateIDs())
	}
	if result.Decision.Outcome != domain.OutcomeFallbackEmpty {
		t.Fatalf("expected fallback_empty, got %s", result.Decision.Outcome)
	}
	if logs.count("shipping_filter_empty_fallback") != 1 {
		t.Fatalf("expected empty fallback to be logged")
	}
}

func TestShippingRateResolver_TextMatchMode(t *testing.T) {
	rules := defaultTestRules()
	rules.ClassMatch = domain.ClassMatchText
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules})

	pkg := ShippingPackage{
		Items: []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
		Rates: []RateOffer{
			freeOffer("free_shipping:1", "1", "Frete grátis"),
			otherOffer("flat_rate:espumas-e-enchimentos", "5", "Transportadora", "40.00"),
			otherOffer("flat_rate:6", "6", "Entrega Espumas-e-Enchimentos", "45.00"),
			otherOffer("correios_pac", "7", "PAC", "20.00"),
		},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})

	want := []string{"free_shipping:1", "flat_rate:espumas-e-enchimentos", "flat_rate:6"}
	if got := result.RateIDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
}

func TestShippingRateResolver_ZoneMethodsFromRepository(t *testing.T) {
	repo := &fakeZoneMethodRepository{methods: map[string][]ZoneMethod{
		"zone_br": {
			{InstanceID: "1", Kind: domain.MethodKindFreeShipping, BoundClass: foamClass},
			{InstanceID: "2", Kind: domain.MethodKindFreeShipping, BoundClass: standardClass},
		},
	}}
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules(), Zones: repo})

	pkg := ShippingPackage{
		ZoneID: "zone_br",
		Items:  []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
		Rates: []RateOffer{
			freeOffer("free_shipping:1", "1", "Frete grátis espumas"),
			freeOffer("free_shipping:2", "2", "Frete grátis"),
		},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if got, want := result.RateIDs(), []string{"free_shipping:1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
	if repo.callCount() != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.callCount())
	}
}

func TestShippingRateResolver_PriorityClassBindings(t *testing.T) {
	cases := []struct {
		name    string
		rates   []RateOffer
		methods []ZoneMethod
		want    []string
	}{
		{
			name: "bound to each class plus unbound",
			rates: []RateOffer{
				freeOffer("fs:1", "1", "Frete grátis espumas"),
				freeOffer("fs:2", "2", "Frete grátis brasil"),
				freeOffer("fs:3", "3", "Frete grátis"),
			},
			methods: []ZoneMethod{
				{InstanceID: "1", Kind: domain.MethodKindFreeShipping, BoundClass: foamClass},
				{InstanceID: "2", Kind: domain.MethodKindFreeShipping, BoundClass: standardClass},
			},
			want: []string{"fs:1", "fs:3"},
		},
		{
			name: "metadata of another kind is ignored",
			rates: []RateOffer{
				freeOffer("fs:1", "1", "Frete grátis"),
				otherOffer("flat:2", "2", "Transportadora", "35.00"),
			},
			methods: []ZoneMethod{
				{InstanceID: "1", Kind: domain.MethodKindOther, BoundClass: standardClass},
				{InstanceID: "2", Kind: domain.MethodKindFreeShipping, BoundClass: standardClass},
			},
			want: []string{"fs:1", "flat:2"},
		},
		{
			name: "metadata without kind applies to any offer",
			rates: []RateOffer{
				freeOffer("fs:1", "1", "Frete grátis"),
				otherOffer("flat:2", "2", "Transportadora", "35.00"),
			},
			methods: []ZoneMethod{
				{InstanceID: "1", BoundClass: standardClass},
				{InstanceID: "2", BoundClass: foamClass},
			},
			want: []string{"flat:2"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules()})
			result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: ShippingPackage{
				Items:       []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
				Rates:       tc.rates,
				ZoneMethods: tc.methods,
			}})
			if got := result.RateIDs(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected rates %v, got %v", tc.want, got)
			}
		})
	}
}

func TestShippingRateResolver_ZoneLookupFailureUnderClassPriority(t *testing.T) {
	logs := &captureLogger{}
	repo := &fakeZoneMethodRepository{err: repositories.NewZoneNotFoundError("zone_missing")}
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules(), Zones: repo, Logger: logs.Log})

	rates := []RateOffer{
		freeOffer("free_shipping:1", "1", "Frete grátis"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	pkg := ShippingPackage{
		ZoneID: "zone_missing",
		Items:  []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
		Rates:  rates,
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if !reflect.DeepEqual(result.Rates, rates) {
		t.Fatalf("expected unbound offers to survive, got %v", result.RateIDs())
	}
	if result.Decision.Outcome != domain.OutcomePassthrough {
		t.Fatalf("expected passthrough, got %s", result.Decision.Outcome)
	}
	if logs.count("shipping_zone_lookup_failed") != 1 {
		t.Fatalf("expected zone lookup failure to be logged")
	}
}

func TestShippingRateResolver_ValueThresholdSelectsStrictestSatisfied(t *testing.T) {
	rules := defaultTestRules()
	rules.Policy = domain.ShippingPolicyValueThreshold
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules})

	rates := []RateOffer{
		thresholdOffer("free_shipping:a", "a", "500"),
		thresholdOffer("free_shipping:b", "b", "800"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	items := []ShippingCartItem{
		{ProductID: "p1", ShippingClass: standardClass, LineTotal: decimal.RequireFromString("850.00"), LineTax: decimal.RequireFromString("50.00")},
	}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: ShippingPackage{Items: items, Rates: rates}})

	if got, want := result.RateIDs(), []string{"free_shipping:b", "flat_rate:3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
	if result.Decision.SelectedFreeShipping != "free_shipping:b" {
		t.Fatalf("expected free_shipping:b to be selected, got %q", result.Decision.SelectedFreeShipping)
	}
	if result.Decision.PackageTotal == nil || !result.Decision.PackageTotal.Equal(decimal.RequireFromString("900")) {
		t.Fatalf("expected package total 900, got %v", result.Decision.PackageTotal)
	}
	if result.Decision.Outcome != domain.OutcomeFiltered {
		t.Fatalf("expected filtered, got %s", result.Decision.Outcome)
	}
}

func TestShippingRateResolver_ValueThresholdUnmetRemovesFreeShipping(t *testing.T) {
	rules := defaultTestRules()
	rules.Policy = domain.ShippingPolicyValueThreshold
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules})

	rates := []RateOffer{
		thresholdOffer("free_shipping:a", "a", "500"),
		thresholdOffer("free_shipping:b", "b", "800"),
		otherOffer("flat_rate:3", "3", "Transportadora", "35.00"),
	}
	items := []ShippingCartItem{standardItem("p1", "700.00")}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: ShippingPackage{Items: items, Rates: rates}})

	if got, want := result.RateIDs(), []string{"flat_rate:3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
	if result.Decision.Outcome != domain.OutcomeFreeShippingRemoved {
		t.Fatalf("expected free_shipping_removed, got %s", result.Decision.Outcome)
	}
	if result.Decision.SelectedFreeShipping != "" {
		t.Fatalf("expected no selected free shipping, got %q", result.Decision.SelectedFreeShipping)
	}
}

func TestShippingRateResolver_ValueThresholdIgnoresIneligibleClasses(t *testing.T) {
	rules := defaultTestRules()
	rules.Policy = domain.ShippingPolicyValueThreshold
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules})

	foamOnly := thresholdOffer("free_shipping:foam", "foam", "1000")
	foamOnly.BoundClass = foamClass
	rates := []RateOffer{
		foamOnly,
		thresholdOffer("free_shipping:std", "std", "300"),
	}
	items := []ShippingCartItem{standardItem("p1", "400.00")}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: ShippingPackage{Items: items, Rates: rates}})

	if got, want := result.RateIDs(), []string{"free_shipping:std"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected rates %v, got %v", want, got)
	}
	if result.Decision.SelectedFreeShipping != "free_shipping:std" {
		t.Fatalf("expected std offer to be selected, got %q", result.Decision.SelectedFreeShipping)
	}
}

func TestShippingRateResolver_ValueThresholdZoneLookupFailure(t *testing.T) {
	rules := defaultTestRules()
	rules.Policy = domain.ShippingPolicyValueThreshold
	repo := &fakeZoneMethodRepository{err: errors.New("catalog offline")}
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules, Zones: repo})

	rates := []RateOffer{thresholdOffer("free_shipping:a", "a", "500")}
	pkg := ShippingPackage{ZoneID: "zone_br", Items: []ShippingCartItem{standardItem("p1", "100")}, Rates: rates}

	result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if !reflect.DeepEqual(result.Rates, rates) {
		t.Fatalf("expected original rates, got %v", result.RateIDs())
	}
	if result.Decision.Outcome != domain.OutcomeFallbackError {
		t.Fatalf("expected fallback_error, got %s", result.Decision.Outcome)
	}
}

func TestShippingRateResolver_InternalFailuresReturnOriginalOffers(t *testing.T) {
	negative := thresholdOffer("free_shipping:neg", "neg", "-1")
	valueRules := defaultTestRules()
	valueRules.Policy = domain.ShippingPolicyValueThreshold

	cases := []struct {
		name  string
		deps  ShippingRateResolverDeps
		cmd   func(ShippingPackage) EvaluateShippingCommand
		rates []RateOffer
	}{
		{
			name:  "duplicate ids",
			deps:  ShippingRateResolverDeps{Rules: defaultTestRules()},
			rates: []RateOffer{freeOffer("free_shipping:1", "1", "A"), freeOffer("free_shipping:1", "1", "B")},
		},
		{
			name:  "empty id",
			deps:  ShippingRateResolverDeps{Rules: defaultTestRules()},
			rates: []RateOffer{freeOffer("", "1", "A")},
		},
		{
			name:  "negative minimum",
			deps:  ShippingRateResolverDeps{Rules: valueRules},
			rates: []RateOffer{negative},
		},
		{
			name:  "panicking repository",
			deps:  ShippingRateResolverDeps{Rules: defaultTestRules(), Zones: panickingZoneMethodRepository{}},
			rates: []RateOffer{freeOffer("free_shipping:1", "1", "A")},
		},
		{
			name:  "invalid command rules",
			deps:  ShippingRateResolverDeps{Rules: defaultTestRules()},
			rates: []RateOffer{freeOffer("free_shipping:1", "1", "A")},
			cmd: func(pkg ShippingPackage) EvaluateShippingCommand {
				return EvaluateShippingCommand{Package: pkg, Rules: &ShippingRules{Policy: "cheapest"}}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			logs := &captureLogger{}
			tc.deps.Logger = logs.Log
			resolver := newTestResolver(t, tc.deps)
			pkg := ShippingPackage{
				ZoneID: "zone_br",
				Items:  []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
				Rates:  tc.rates,
			}
			cmd := EvaluateShippingCommand{Package: pkg}
			if tc.cmd != nil {
				cmd = tc.cmd(pkg)
			}

			result := resolver.Evaluate(context.Background(), cmd)
			if !reflect.DeepEqual(result.Rates, tc.rates) {
				t.Fatalf("expected original rates, got %+v", result.Rates)
			}
			if result.Decision.Outcome != domain.OutcomeFallbackError {
				t.Fatalf("expected fallback_error, got %s", result.Decision.Outcome)
			}
			if logs.count("shipping_filter_failed") != 1 {
				t.Fatalf("expected failure to be logged once, got %d", logs.count("shipping_filter_failed"))
			}
		})
	}
}

func TestShippingRateResolver_RestrictedCategoryNotice(t *testing.T) {
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules()})

	rates := []RateOffer{freeOffer("free_shipping:1", "1", "Frete grátis")}
	cases := []struct {
		name    string
		items   []ShippingCartItem
		chosen  []string
		notices int
	}{
		{
			name:    "over ceiling with free shipping chosen",
			items:   []ShippingCartItem{foamItem("a", "400.00"), foamItem("b", "250.00"), standardItem("c", "900.00")},
			chosen:  []string{"free_shipping:1"},
			notices: 1,
		},
		{
			name:    "exactly at ceiling",
			items:   []ShippingCartItem{foamItem("a", "600.00")},
			chosen:  []string{"free_shipping:1"},
			notices: 0,
		},
		{
			name:    "over ceiling without free shipping chosen",
			items:   []ShippingCartItem{foamItem("a", "650.00")},
			chosen:  []string{"flat_rate:3"},
			notices: 0,
		},
		{
			name:    "unresolvable products are ignored",
			items:   []ShippingCartItem{foamItem("a", "500.00"), foamItem("", "500.00")},
			chosen:  []string{"free_shipping:1"},
			notices: 0,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			result := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: ShippingPackage{
				Items:         tc.items,
				Rates:         rates,
				ChosenMethods: tc.chosen,
			}})
			if len(result.Notices) != tc.notices {
				t.Fatalf("expected %d notices, got %+v", tc.notices, result.Notices)
			}
			if tc.notices == 0 {
				return
			}
			notice := result.Notices[0]
			if notice.Severity != domain.NoticeError {
				t.Fatalf("expected error severity, got %s", notice.Severity)
			}
			for _, fragment := range []string{"R$ 600,00", "R$ 650,00", "Espumas e Enchimentos"} {
				if !strings.Contains(notice.Message, fragment) {
					t.Fatalf("expected notice to contain %q, got %q", fragment, notice.Message)
				}
			}
		})
	}
}

func TestShippingRateResolver_Idempotent(t *testing.T) {
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: defaultTestRules()})

	pkg := ShippingPackage{
		Items: []ShippingCartItem{foamItem("prod_foam", "700.00"), standardItem("prod_std", "50")},
		Rates: []RateOffer{
			freeOffer("free_shipping:1", "1", "Frete grátis espumas"),
			freeOffer("free_shipping:2", "2", "Frete grátis"),
		},
		ZoneMethods:   []ZoneMethod{{InstanceID: "2", BoundClass: standardClass}},
		ChosenMethods: []string{"free_shipping:1"},
	}

	first := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	second := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}

	pkg.Rates = first.Rates
	again := resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	if !reflect.DeepEqual(again.RateIDs(), first.RateIDs()) {
		t.Fatalf("expected filtering to be stable, got %v then %v", first.RateIDs(), again.RateIDs())
	}
}

func TestShippingRateResolver_CacheHitsAndBypass(t *testing.T) {
	current := time.Date(2024, 10, 10, 10, 0, 0, 0, time.UTC)
	repo := &fakeZoneMethodRepository{methods: map[string][]ZoneMethod{
		"zone_br": {{InstanceID: "2", BoundClass: standardClass}},
	}}
	resolver := newTestResolver(t, ShippingRateResolverDeps{
		Rules:    defaultTestRules(),
		Zones:    repo,
		CacheTTL: time.Minute,
		Now:      func() time.Time { return current },
	})

	pkg := ShippingPackage{
		ZoneID: "zone_br",
		Items:  []ShippingCartItem{foamItem("prod_foam", "100"), standardItem("prod_std", "50")},
		Rates: []RateOffer{
			freeOffer("free_shipping:1", "1", "Frete grátis espumas"),
			freeOffer("free_shipping:2", "2", "Frete grátis"),
		},
	}
	ctx := context.Background()

	first := resolver.Evaluate(ctx, EvaluateShippingCommand{Package: pkg})
	first.Rates[0].Label = "mutated"
	*first.Rates[0].Cost = decimal.NewFromInt(99)
	if resolver.cache.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", resolver.cache.Len())
	}

	second := resolver.Evaluate(ctx, EvaluateShippingCommand{Package: pkg})
	if repo.callCount() != 1 {
		t.Fatalf("expected cached evaluation, repository called %d times", repo.callCount())
	}
	if second.Rates[0].Label != "Frete grátis espumas" {
		t.Fatalf("expected cache to be isolated from caller mutation, got %q", second.Rates[0].Label)
	}
	if !second.Rates[0].Cost.IsZero() {
		t.Fatalf("expected cached cost to stay zero, got %s", second.Rates[0].Cost)
	}
	if !pkg.Rates[0].Cost.IsZero() {
		t.Fatalf("expected input offer cost untouched, got %s", pkg.Rates[0].Cost)
	}

	*second.Rates[0].Cost = decimal.NewFromInt(42)
	third := resolver.Evaluate(ctx, EvaluateShippingCommand{Package: pkg})
	if !third.Rates[0].Cost.IsZero() {
		t.Fatalf("expected cache hit to return its own copy, got %s", third.Rates[0].Cost)
	}

	resolver.Evaluate(ctx, EvaluateShippingCommand{Package: pkg, BypassCache: true})
	if repo.callCount() != 2 {
		t.Fatalf("expected bypass to re-evaluate, repository called %d times", repo.callCount())
	}

	current = current.Add(2 * time.Minute)
	resolver.Evaluate(ctx, EvaluateShippingCommand{Package: pkg})
	if repo.callCount() != 3 {
		t.Fatalf("expected expired entry to re-evaluate, repository called %d times", repo.callCount())
	}
}

func TestShippingRateResolver_RecordsMetricsOnCacheHits(t *testing.T) {
	meter := &countingMeter{}
	resolver := newTestResolver(t, ShippingRateResolverDeps{
		Rules:    defaultTestRules(),
		CacheTTL: time.Minute,
		Meter:    meter,
	})
	pkg := ShippingPackage{
		Items: []ShippingCartItem{foamItem("prod_foam", "100")},
		Rates: []RateOffer{otherOffer("flat:1", "1", "Transportadora", "10.00")},
	}

	resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})
	resolver.Evaluate(context.Background(), EvaluateShippingCommand{Package: pkg})

	evaluations := meter.counter("shipping.evaluations")
	if evaluations == nil {
		t.Fatalf("expected evaluations counter to be registered")
	}
	if evaluations.total() != 2 {
		t.Fatalf("expected two recorded evaluations, got %d", evaluations.total())
	}
	if evaluations.hits() != 1 {
		t.Fatalf("expected one evaluation recorded as cache hit, got %d", evaluations.hits())
	}
}

func TestShippingRateResolver_AnnotateLabels(t *testing.T) {
	rules := defaultTestRules()
	rules.FreeLabel = "GRÁTIS"
	resolver := newTestResolver(t, ShippingRateResolverDeps{Rules: rules})

	offers := []RateOffer{
		otherOffer("flat_rate:1", "1", "Retirada", "0"),
		otherOffer("flat_rate:2", "2", "Sedex", "10.00"),
		{ID: "free_shipping:3", Kind: domain.MethodKindFreeShipping, Label: "<b>Frete</b> & PAC"},
	}

	labels := resolver.AnnotateLabels(context.Background(), AnnotateLabelsCommand{Offers: offers})
	want := []AnnotatedLabel{
		{ID: "flat_rate:1", Label: "Retirada: GRÁTIS", Free: true},
		{ID: "flat_rate:2", Label: "Sedex", Free: false},
		{ID: "free_shipping:3", Label: "<b>Frete</b> & PAC: GRÁTIS", Free: true},
	}
	if !reflect.DeepEqual(labels, want) {
		t.Fatalf("expected %+v, got %+v", want, labels)
	}

	htmlLabels := resolver.AnnotateLabels(context.Background(), AnnotateLabelsCommand{Offers: offers[2:], Marker: "FREE", HTML: true})
	if got, want := htmlLabels[0].Label, `Frete &amp; PAC: <strong><span class="shipping-free">FREE</span></strong>`; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNewShippingRateResolver_RejectsInvalidRules(t *testing.T) {
	cases := []ShippingRules{
		{Policy: "cheapest"},
		{ClassMatch: "regex"},
		{RestrictedCategory: RestrictedCategoryRule{CategorySlug: foamClass, Ceiling: decimal.RequireFromString("-1")}},
	}
	for _, rules := range cases {
		if _, err := NewShippingRateResolver(ShippingRateResolverDeps{Rules: rules}); !errors.Is(err, ErrShippingRulesInvalid) {
			t.Fatalf("expected ErrShippingRulesInvalid for %+v, got %v", rules, err)
		}
	}
}

func TestNormalizeShippingRules_Defaults(t *testing.T) {
	rules, err := NormalizeShippingRules(ShippingRules{PriorityClasses: PriorityList{" brasil ", ""}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.Policy != domain.ShippingPolicyClassPriority {
		t.Fatalf("expected class_priority default, got %s", rules.Policy)
	}
	if rules.ClassMatch != domain.ClassMatchDeclared {
		t.Fatalf("expected declared default, got %s", rules.ClassMatch)
	}
	if !reflect.DeepEqual(rules.PriorityClasses, PriorityList{"brasil"}) {
		t.Fatalf("expected trimmed priorities, got %v", rules.PriorityClasses)
	}
	if rules.Locale != "pt-BR" || rules.FreeLabel != DefaultFreeLabel {
		t.Fatalf("expected locale and label defaults, got %+v", rules)
	}
}

func newTestResolver(t *testing.T, deps ShippingRateResolverDeps) *ShippingRateResolver {
	t.Helper()
	resolver, err := NewShippingRateResolver(deps)
	if err != nil {
		t.Fatalf("NewShippingRateResolver error: %v", err)
	}
	return resolver
}

func defaultTestRules() ShippingRules {
	return ShippingRules{
		Policy:          domain.ShippingPolicyClassPriority,
		PriorityClasses: PriorityList{foamClass, standardClass},
		RestrictedCategory: RestrictedCategoryRule{
			CategorySlug:  foamClass,
			CategoryLabel: "Espumas e Enchimentos",
			Ceiling:       decimal.RequireFromString("600"),
		},
		Locale:         "pt-BR",
		CurrencySymbol: "R$",
	}
}

func foamItem(productID, total string) ShippingCartItem {
	return ShippingCartItem{
		ProductID:     productID,
		ShippingClass: foamClass,
		LineTotal:     decimal.RequireFromString(total),
		CategoryTags:  []string{foamClass},
	}
}

func standardItem(productID, total string) ShippingCartItem {
	return ShippingCartItem{
		ProductID:     productID,
		ShippingClass: standardClass,
		LineTotal:     decimal.RequireFromString(total),
	}
}

func freeOffer(id, instanceID, label string) RateOffer {
	return RateOffer{ID: id, Kind: domain.MethodKindFreeShipping, InstanceID: instanceID, Label: label, Cost: decimalPtr(decimal.Zero)}
}

func thresholdOffer(id, instanceID, minimum string) RateOffer {
	offer := freeOffer(id, instanceID, "Frete grátis")
	offer.MinimumAmount = decimalPtr(decimal.RequireFromString(minimum))
	return offer
}

func otherOffer(id, instanceID, label, cost string) RateOffer {
	return RateOffer{ID: id, Kind: domain.MethodKindOther, InstanceID: instanceID, Label: label, Cost: decimalPtr(decimal.RequireFromString(cost))}
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) Log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogger) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeZoneMethodRepository struct {
	mu      sync.Mutex
	methods map[string][]ZoneMethod
	err     error
	calls   int
}

func (f *fakeZoneMethodRepository) ListZoneMethods(_ context.Context, zoneID string) ([]ZoneMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	methods, ok := f.methods[zoneID]
	if !ok {
		return nil, repositories.NewZoneNotFoundError(zoneID)
	}
	return append([]ZoneMethod(nil), methods...), nil
}

func (f *fakeZoneMethodRepository) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type panickingZoneMethodRepository struct{}

func (panickingZoneMethodRepository) ListZoneMethods(context.Context, string) ([]ZoneMethod, error) {
	panic("zone catalog corrupted")
}

func decimalPtr(value decimal.Decimal) *decimal.Decimal {
	return &value
}

type countingMeter struct {
	noop.Meter

	mu       sync.Mutex
	counters map[string]*countingCounter
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]*countingCounter)
	}
	counter := &countingCounter{}
	m.counters[name] = counter
	return counter, nil
}

func (m *countingMeter) counter(name string) *countingCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type countingCounter struct {
	noop.Int64Counter

	mu        sync.Mutex
	sum       int64
	cacheHits int64
}

func (c *countingCounter) Add(_ context.Context, incr int64, opts ...metric.AddOption) {
	attrs := metric.NewAddConfig(opts).Attributes()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum += incr
	if value, ok := attrs.Value(attribute.Key("cache_hit")); ok && value.AsBool() {
		c.cacheHits += incr
	}
}

func (c *countingCounter) total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

func (c *countingCounter) hits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHits
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/shiprate/internal/domain"
	"github.com/hanko-field/shiprate/internal/platform/format"
	"github.com/hanko-field/shiprate/internal/repositories"
)

const shippingInstrumentationName = "github.com/hanko-field/shiprate/internal/services"

// ErrShippingRulesInvalid is returned when the default rules handed to the resolver are unusable.
var ErrShippingRulesInvalid = errors.New("shipping rate resolver: invalid rules")

// ShippingRateResolver filters candidate rate offers and validates free-shipping constraints.
// Evaluations never fail: any internal problem returns the original offers unchanged.
type ShippingRateResolver struct {
	rules   ShippingRules
	zones   repositories.ZoneMethodRepository
	logger  func(context.Context, string, map[string]any)
	cache   *evaluationCache
	tracer  trace.Tracer
	metrics resolverMetrics
	now     func() time.Time
}

// ShippingRateResolverDeps wires the resolver collaborators.
type ShippingRateResolverDeps struct {
	Rules    ShippingRules
	Zones    repositories.ZoneMethodRepository
	CacheTTL time.Duration
	Meter    metric.Meter
	Tracer   trace.Tracer
	Now      func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type resolverMetrics struct {
	evaluations metric.Int64Counter
	notices     metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewShippingRateResolver validates the default rules and constructs the resolver.
func NewShippingRateResolver(deps ShippingRateResolverDeps) (*ShippingRateResolver, error) {
	rules, err := NormalizeShippingRules(deps.Rules)
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(shippingInstrumentationName)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(shippingInstrumentationName)
	}

	resolver := &ShippingRateResolver{
		rules:  rules,
		zones:  deps.Zones,
		logger: logger,
		tracer: tracer,
		now: func() time.Time {
			return now().UTC()
		},
	}
	if deps.CacheTTL > 0 {
		resolver.cache = newEvaluationCache(deps.CacheTTL, resolver.now)
	}
	resolver.metrics = newResolverMetrics(meter, logger)
	return resolver, nil
}

func newResolverMetrics(meter metric.Meter, logger func(context.Context, string, map[string]any)) resolverMetrics {
	var m resolverMetrics
	var err error
	if m.evaluations, err = meter.Int64Counter(
		"shipping.evaluations",
		metric.WithDescription("Count of shipping rate evaluations by policy and outcome"),
	); err != nil {
		logger(context.Background(), "shipping_metric_register_failed", map[string]any{"metric": "shipping.evaluations", "error": err.Error()})
	}
	if m.notices, err = meter.Int64Counter(
		"shipping.notices",
		metric.WithDescription("Count of notices emitted by shipping evaluations"),
	); err != nil {
		logger(context.Background(), "shipping_metric_register_failed", map[string]any{"metric": "shipping.notices", "error": err.Error()})
	}
	if m.latency, err = meter.Float64Histogram(
		"shipping.evaluation.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of shipping rate evaluations"),
	); err != nil {
		logger(context.Background(), "shipping_metric_register_failed", map[string]any{"metric": "shipping.evaluation.latency", "error": err.Error()})
	}
	return m
}

// NormalizeShippingRules fills defaults and rejects unknown policy or match modes.
func NormalizeShippingRules(rules ShippingRules) (ShippingRules, error) {
	out := rules
	out.Policy = domain.ShippingPolicy(strings.ToLower(strings.TrimSpace(string(rules.Policy))))
	switch out.Policy {
	case "":
		out.Policy = domain.ShippingPolicyClassPriority
	case domain.ShippingPolicyClassPriority, domain.ShippingPolicyValueThreshold:
	default:
		return rules, fmt.Errorf("%w: %w %q", ErrShippingRulesInvalid, ErrShippingUnknownPolicy, rules.Policy)
	}
	out.ClassMatch = domain.ClassMatchMode(strings.ToLower(strings.TrimSpace(string(rules.ClassMatch))))
	switch out.ClassMatch {
	case "":
		out.ClassMatch = domain.ClassMatchDeclared
	case domain.ClassMatchDeclared, domain.ClassMatchText:
	default:
		return rules, fmt.Errorf("%w: unknown class match %q", ErrShippingRulesInvalid, rules.ClassMatch)
	}

	priorities := make(PriorityList, 0, len(rules.PriorityClasses))
	for _, class := range rules.PriorityClasses {
		if trimmed := strings.TrimSpace(class); trimmed != "" {
			priorities = append(priorities, trimmed)
		}
	}
	out.PriorityClasses = priorities

	out.RestrictedCategory.CategorySlug = strings.TrimSpace(rules.RestrictedCategory.CategorySlug)
	if out.RestrictedCategory.Ceiling.IsNegative() {
		return rules, fmt.Errorf("%w: restricted category ceiling cannot be negative", ErrShippingRulesInvalid)
	}
	if strings.TrimSpace(out.Locale) == "" {
		out.Locale = format.DefaultLocale
	}
	if strings.TrimSpace(out.FreeLabel) == "" {
		out.FreeLabel = DefaultFreeLabel
	}
	return out, nil
}

// Rules returns the default rules applied when a command carries none.
func (r *ShippingRateResolver) Rules() ShippingRules {
	out := r.rules
	out.PriorityClasses = append(PriorityList(nil), r.rules.PriorityClasses...)
	return out
}

// Evaluate runs class extraction, priority or threshold filtering and constraint validation for one package.
func (r *ShippingRateResolver) Evaluate(ctx context.Context, cmd EvaluateShippingCommand) ShippingEvaluation {
	ctx, span := r.tracer.Start(ctx, "shipping.Evaluate")
	defer span.End()
	start := r.now()

	rules := r.rules
	rulesErr := error(nil)
	if cmd.Rules != nil {
		rules, rulesErr = NormalizeShippingRules(*cmd.Rules)
	}

	var cacheKey string
	if r.cache != nil && rulesErr == nil && !cmd.BypassCache {
		key, err := buildEvaluationCacheKey(rules, cmd.Package)
		if err == nil {
			cacheKey = key
			if cached, ok := r.cache.Get(cacheKey); ok {
				r.record(ctx, cached, r.now().Sub(start), true)
				span.SetAttributes(
					attribute.Bool("shipping.cache_hit", true),
					attribute.String("shipping.policy", string(cached.Decision.Policy)),
					attribute.String("shipping.outcome", string(cached.Decision.Outcome)),
				)
				return cached
			}
		}
	}

	result := r.evaluate(ctx, cmd.Package, rules, rulesErr)

	if r.cache != nil && rulesErr == nil {
		if cacheKey == "" {
			if key, err := buildEvaluationCacheKey(rules, cmd.Package); err == nil {
				cacheKey = key
			}
		}
		if cacheKey != "" {
			r.cache.Put(cacheKey, result)
		}
	}

	r.record(ctx, result, r.now().Sub(start), false)
	span.SetAttributes(
		attribute.String("shipping.policy", string(result.Decision.Policy)),
		attribute.String("shipping.outcome", string(result.Decision.Outcome)),
		attribute.Int("shipping.rates.in", len(cmd.Package.Rates)),
		attribute.Int("shipping.rates.out", len(result.Rates)),
	)
	return result
}

func (r *ShippingRateResolver) evaluate(ctx context.Context, pkg ShippingPackage, rules ShippingRules, rulesErr error) ShippingEvaluation {
	classes := ExtractDeliveryClasses(pkg.Items)
	decision := ShippingDecision{
		Policy:  rules.Policy,
		Classes: classes,
	}

	decision.FreeShippingChosen = IsFreeShippingChosen(pkg.ChosenMethods, pkg.Rates)
	notices := make([]Notice, 0, 1)
	if decision.FreeShippingChosen && rules.RestrictedCategory.Enabled() {
		r.logger(ctx, "shipping_restricted_category_total", map[string]any{
			"category": rules.RestrictedCategory.CategorySlug,
			"total":    RestrictedCategoryTotal(pkg.Items, rules.RestrictedCategory).String(),
			"ceiling":  rules.RestrictedCategory.Ceiling.String(),
		})
		notices = append(notices, ValidateRestrictedCategory(pkg.Items, rules.RestrictedCategory, NoticeFormat{
			Locale:         rules.Locale,
			CurrencySymbol: rules.CurrencySymbol,
		})...)
	}

	if rulesErr != nil {
		r.logger(ctx, "shipping_filter_failed", map[string]any{"error": rulesErr.Error()})
		decision.Outcome = domain.OutcomeFallbackError
		return ShippingEvaluation{Rates: copyRateOffers(pkg.Rates), Notices: notices, Decision: decision}
	}

	out, err := r.filter(ctx, pkg, classes, rules)
	if err != nil {
		r.logger(ctx, "shipping_filter_failed", map[string]any{"policy": string(rules.Policy), "error": err.Error()})
		decision.Outcome = domain.OutcomeFallbackError
		return ShippingEvaluation{Rates: copyRateOffers(pkg.Rates), Notices: notices, Decision: decision}
	}

	decision.Outcome = out.outcome
	decision.PriorityClass = out.priorityClass
	decision.PackageTotal = out.packageTotal
	decision.SelectedFreeShipping = out.selectedFreeShipping
	return ShippingEvaluation{Rates: copyRateOffers(out.rates), Notices: notices, Decision: decision}
}

// filter is the policy boundary: errors and panics below it turn into a pass-through.
func (r *ShippingRateResolver) filter(ctx context.Context, pkg ShippingPackage, classes []string, rules ShippingRules) (out rateFilterOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = rateFilterOutput{}
			err = fmt.Errorf("shipping filter: recovered panic: %v", rec)
		}
	}()

	if len(pkg.Rates) == 0 {
		return rateFilterOutput{outcome: domain.OutcomePassthrough}, nil
	}
	if err := validateOfferSet(pkg.Rates); err != nil {
		return rateFilterOutput{}, err
	}

	methods, lookupErr := r.zoneMethods(ctx, pkg)
	in := rateFilterInput{
		rates:   pkg.Rates,
		items:   pkg.Items,
		classes: classes,
		methods: methods,
		rules:   rules,
	}

	switch rules.Policy {
	case domain.ShippingPolicyValueThreshold:
		if lookupErr != nil {
			return rateFilterOutput{}, lookupErr
		}
		return r.filterByValueThreshold(ctx, in)
	case domain.ShippingPolicyClassPriority:
		if lookupErr != nil {
			// Without zone data every free-shipping instance counts as unrestricted.
			r.logger(ctx, "shipping_zone_lookup_failed", map[string]any{"zoneId": pkg.ZoneID, "error": lookupErr.Error()})
		}
		return r.filterByPriorityClass(ctx, in), nil
	default:
		return rateFilterOutput{}, fmt.Errorf("%w: %q", ErrShippingUnknownPolicy, rules.Policy)
	}
}

// zoneMethods indexes zone method metadata by instance id. Inline metadata takes precedence over the repository.
func (r *ShippingRateResolver) zoneMethods(ctx context.Context, pkg ShippingPackage) (map[string]ZoneMethod, error) {
	source := pkg.ZoneMethods
	if len(source) == 0 && strings.TrimSpace(pkg.ZoneID) != "" && r.zones != nil {
		methods, err := r.zones.ListZoneMethods(ctx, pkg.ZoneID)
		if err != nil {
			return map[string]ZoneMethod{}, err
		}
		source = methods
	}
	indexed := make(map[string]ZoneMethod, len(source))
	for _, method := range source {
		id := strings.TrimSpace(method.InstanceID)
		if id == "" {
			continue
		}
		indexed[id] = method
	}
	return indexed, nil
}

// AnnotateLabels computes display labels for offers using the configured free marker by default.
func (r *ShippingRateResolver) AnnotateLabels(_ context.Context, cmd AnnotateLabelsCommand) []AnnotatedLabel {
	marker := cmd.Marker
	if strings.TrimSpace(marker) == "" {
		marker = r.rules.FreeLabel
	}
	labels := make([]AnnotatedLabel, 0, len(cmd.Offers))
	for _, offer := range cmd.Offers {
		label := AnnotateLabel(offer.Label, offer.Cost, marker)
		if cmd.HTML {
			label = AnnotateLabelHTML(offer.Label, offer.Cost, marker)
		}
		labels = append(labels, AnnotatedLabel{ID: offer.ID, Label: label, Free: IsFreeOfCharge(offer.Cost)})
	}
	return labels
}

func (r *ShippingRateResolver) record(ctx context.Context, result ShippingEvaluation, elapsed time.Duration, cacheHit bool) {
	attrs := metric.WithAttributes(
		attribute.String("policy", string(result.Decision.Policy)),
		attribute.String("outcome", string(result.Decision.Outcome)),
		attribute.Bool("cache_hit", cacheHit),
	)
	if r.metrics.evaluations != nil {
		r.metrics.evaluations.Add(ctx, 1, attrs)
	}
	if r.metrics.latency != nil {
		r.metrics.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
	if r.metrics.notices != nil {
		for _, notice := range result.Notices {
			r.metrics.notices.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", string(notice.Severity))))
		}
	}
}

// copyRateOffers clones the slice and the amounts each offer points to.
func copyRateOffers(rates []RateOffer) []RateOffer {
	out := make([]RateOffer, len(rates))
	for idx, offer := range rates {
		if offer.Cost != nil {
			cost := *offer.Cost
			offer.Cost = &cost
		}
		if offer.MinimumAmount != nil {
			minimum := *offer.MinimumAmount
			offer.MinimumAmount = &minimum
		}
		out[idx] = offer
	}
	return out
}

func copyEvaluation(in ShippingEvaluation) ShippingEvaluation {
	out := in
	out.Rates = copyRateOffers(in.Rates)
	out.Notices = append([]Notice(nil), in.Notices...)
	if out.Notices == nil {
		out.Notices = []Notice{}
	}
	out.Decision.Classes = append(make([]string, 0, len(in.Decision.Classes)), in.Decision.Classes...)
	if in.Decision.PackageTotal != nil {
		total := *in.Decision.PackageTotal
		out.Decision.PackageTotal = &total
	}
	return out
}

type evaluationCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex
	m   map[string]evaluationCacheEntry
}

type evaluationCacheEntry struct {
	result  ShippingEvaluation
	expires time.Time
}

func newEvaluationCache(ttl time.Duration, now func() time.Time) *evaluationCache {
	return &evaluationCache{
		ttl: ttl,
		now: now,
		m:   make(map[string]evaluationCacheEntry),
	}
}

func (c *evaluationCache) Get(key string) (ShippingEvaluation, bool) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return ShippingEvaluation{}, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return ShippingEvaluation{}, false
	}
	return copyEvaluation(entry.result), true
}

func (c *evaluationCache) Put(key string, result ShippingEvaluation) {
	c.mu.Lock()
	c.m[key] = evaluationCacheEntry{result: copyEvaluation(result), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *evaluationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// buildEvaluationCacheKey hashes the canonical JSON form of rules and package.
func buildEvaluationCacheKey(rules ShippingRules, pkg ShippingPackage) (string, error) {
	payload, err := json.Marshal(struct {
		Rules   ShippingRules   `json:"rules"`
		Package ShippingPackage `json:"package"`
	}{Rules: rules, Package: pkg})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

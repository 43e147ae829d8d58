package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/hanko-field/shiprate/internal/domain"
	"github.com/hanko-field/shiprate/internal/repositories"
)

// ErrInvalidRulesFile is returned when the rules document cannot be interpreted.
var ErrInvalidRulesFile = errors.New("rules file: invalid document")

type document struct {
	Rules *rulesDocument `yaml:"rules"`
	Zones []zoneDocument `yaml:"zones"`
}

type rulesDocument struct {
	Policy             string                  `yaml:"policy"`
	PriorityClasses    []string                `yaml:"priority_classes"`
	ClassMatch         string                  `yaml:"class_match"`
	RestrictedCategory *restrictedCategoryNode `yaml:"restricted_category"`
	Locale             string                  `yaml:"locale"`
	CurrencySymbol     string                  `yaml:"currency_symbol"`
	FreeLabel          string                  `yaml:"free_label"`
}

type restrictedCategoryNode struct {
	Slug    string      `yaml:"slug"`
	Label   string      `yaml:"label"`
	Ceiling yamlDecimal `yaml:"ceiling"`
}

type zoneDocument struct {
	ID      string           `yaml:"id"`
	Methods []methodDocument `yaml:"methods"`
}

type methodDocument struct {
	InstanceID    string      `yaml:"instance_id"`
	Kind          string      `yaml:"kind"`
	BoundClass    string      `yaml:"bound_class"`
	MinimumAmount yamlDecimal `yaml:"minimum_amount"`
}

// yamlDecimal accepts both bare and quoted numeric scalars.
type yamlDecimal struct {
	value decimal.Decimal
	set   bool
}

func (d *yamlDecimal) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: amount must be a scalar", ErrInvalidRulesFile)
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" || node.Tag == "!!null" {
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: line %d: amount %q: %v", ErrInvalidRulesFile, node.Line, raw, err)
	}
	d.value = parsed
	d.set = true
	return nil
}

// Catalog is an in-memory zone method catalog, optionally loaded from a YAML rules file.
type Catalog struct {
	mu    sync.RWMutex
	zones map[string][]domain.ZoneMethod
	rules *rulesDocument
}

// NewCatalog builds a catalog from already decoded zone methods.
func NewCatalog(zones map[string][]domain.ZoneMethod) *Catalog {
	copied := make(map[string][]domain.ZoneMethod, len(zones))
	for zoneID, methods := range zones {
		copied[strings.TrimSpace(zoneID)] = append([]domain.ZoneMethod(nil), methods...)
	}
	return &Catalog{zones: copied}
}

// LoadFile reads and parses the YAML rules file at path.
func LoadFile(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rules file: open %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// Load parses a YAML rules document.
func Load(r io.Reader) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return NewCatalog(nil), nil
		}
		if errors.Is(err, ErrInvalidRulesFile) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRulesFile, err)
	}

	zones := make(map[string][]domain.ZoneMethod, len(doc.Zones))
	for _, zone := range doc.Zones {
		zoneID := strings.TrimSpace(zone.ID)
		if zoneID == "" {
			return nil, fmt.Errorf("%w: zone without id", ErrInvalidRulesFile)
		}
		if _, exists := zones[zoneID]; exists {
			return nil, fmt.Errorf("%w: duplicate zone %q", ErrInvalidRulesFile, zoneID)
		}
		methods := make([]domain.ZoneMethod, 0, len(zone.Methods))
		for _, method := range zone.Methods {
			converted, err := method.toDomain()
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", zoneID, err)
			}
			methods = append(methods, converted)
		}
		zones[zoneID] = methods
	}

	catalog := NewCatalog(zones)
	catalog.rules = doc.Rules
	return catalog, nil
}

func (m methodDocument) toDomain() (domain.ZoneMethod, error) {
	instanceID := strings.TrimSpace(m.InstanceID)
	if instanceID == "" {
		return domain.ZoneMethod{}, fmt.Errorf("%w: method without instance_id", ErrInvalidRulesFile)
	}
	kind := domain.MethodKind(strings.ToLower(strings.TrimSpace(m.Kind)))
	switch kind {
	case "", domain.MethodKindFreeShipping, domain.MethodKindOther:
	default:
		return domain.ZoneMethod{}, fmt.Errorf("%w: method %s has unknown kind %q", ErrInvalidRulesFile, instanceID, m.Kind)
	}
	method := domain.ZoneMethod{
		InstanceID: instanceID,
		Kind:       kind,
		BoundClass: strings.TrimSpace(m.BoundClass),
	}
	if m.MinimumAmount.set {
		if m.MinimumAmount.value.IsNegative() {
			return domain.ZoneMethod{}, fmt.Errorf("%w: method %s has negative minimum_amount", ErrInvalidRulesFile, instanceID)
		}
		amount := m.MinimumAmount.value
		method.MinimumAmount = &amount
	}
	return method, nil
}

// ListZoneMethods returns a copy of the methods configured for the zone.
func (c *Catalog) ListZoneMethods(ctx context.Context, zoneID string) ([]domain.ZoneMethod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zoneID = strings.TrimSpace(zoneID)
	c.mu.RLock()
	methods, ok := c.zones[zoneID]
	c.mu.RUnlock()
	if !ok {
		return nil, repositories.NewZoneNotFoundError(zoneID)
	}
	return append([]domain.ZoneMethod(nil), methods...), nil
}

// Ready implements repositories.HealthRepository.
func (c *Catalog) Ready(ctx context.Context) error {
	if c == nil {
		return errors.New("rules file: catalog not loaded")
	}
	return ctx.Err()
}

// ZoneCount reports how many zones the catalog holds.
func (c *Catalog) ZoneCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.zones)
}

// ApplyRules overlays the rules section of the document on top of base.
// Fields absent from the document keep their base value.
func (c *Catalog) ApplyRules(base domain.ShippingRules) (domain.ShippingRules, error) {
	if c == nil || c.rules == nil {
		return base, nil
	}
	doc := c.rules
	out := base
	if policy := strings.TrimSpace(doc.Policy); policy != "" {
		switch p := domain.ShippingPolicy(strings.ToLower(policy)); p {
		case domain.ShippingPolicyClassPriority, domain.ShippingPolicyValueThreshold:
			out.Policy = p
		default:
			return base, fmt.Errorf("%w: unknown policy %q", ErrInvalidRulesFile, doc.Policy)
		}
	}
	if len(doc.PriorityClasses) > 0 {
		classes := make(domain.PriorityList, 0, len(doc.PriorityClasses))
		for _, class := range doc.PriorityClasses {
			if trimmed := strings.TrimSpace(class); trimmed != "" {
				classes = append(classes, trimmed)
			}
		}
		out.PriorityClasses = classes
	}
	if match := strings.TrimSpace(doc.ClassMatch); match != "" {
		switch m := domain.ClassMatchMode(strings.ToLower(match)); m {
		case domain.ClassMatchDeclared, domain.ClassMatchText:
			out.ClassMatch = m
		default:
			return base, fmt.Errorf("%w: unknown class_match %q", ErrInvalidRulesFile, doc.ClassMatch)
		}
	}
	if rc := doc.RestrictedCategory; rc != nil {
		if slug := strings.TrimSpace(rc.Slug); slug != "" {
			out.RestrictedCategory.CategorySlug = slug
		}
		if label := strings.TrimSpace(rc.Label); label != "" {
			out.RestrictedCategory.CategoryLabel = label
		}
		if rc.Ceiling.set {
			out.RestrictedCategory.Ceiling = rc.Ceiling.value
		}
	}
	if locale := strings.TrimSpace(doc.Locale); locale != "" {
		out.Locale = locale
	}
	if symbol := strings.TrimSpace(doc.CurrencySymbol); symbol != "" {
		out.CurrencySymbol = symbol
	}
	if label := strings.TrimSpace(doc.FreeLabel); label != "" {
		out.FreeLabel = label
	}
	return out, nil
}

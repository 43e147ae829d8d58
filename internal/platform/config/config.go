package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/shiprate/internal/domain"
	"github.com/hanko-field/shiprate/internal/platform/format"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultPolicy             = string(domain.ShippingPolicyClassPriority)
	defaultClassMatch         = string(domain.ClassMatchDeclared)
	defaultPriorityClasses    = "espumas-e-enchimentos,brasil"
	defaultRestrictedCategory = "espumas-e-enchimentos"
	defaultRestrictedCeiling  = "600"
	defaultCurrencySymbol     = "R$"
	defaultFreeLabel          = "FREE"
	defaultCacheTTL           = time.Duration(0)
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Shipping ShippingConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LoggingConfig toggles verbose decision logging.
type LoggingConfig struct {
	Debug bool
}

// ShippingConfig holds the default rules applied to every evaluation.
type ShippingConfig struct {
	Policy                 domain.ShippingPolicy
	PriorityClasses        []string
	ClassMatch             domain.ClassMatchMode
	RestrictedCategory     string
	RestrictedCategoryName string
	RestrictedCeiling      decimal.Decimal
	Locale                 string
	CurrencySymbol         string
	FreeLabel              string
	RulesFile              string
	CacheTTL               time.Duration
}

// Rules converts the shipping configuration into evaluation rules.
func (c ShippingConfig) Rules() domain.ShippingRules {
	return domain.ShippingRules{
		Policy:          c.Policy,
		PriorityClasses: append(domain.PriorityList(nil), c.PriorityClasses...),
		ClassMatch:      c.ClassMatch,
		RestrictedCategory: domain.RestrictedCategoryRule{
			CategorySlug:  c.RestrictedCategory,
			CategoryLabel: c.RestrictedCategoryName,
			Ceiling:       c.RestrictedCeiling,
		},
		Locale:         c.Locale,
		CurrencySymbol: c.CurrencySymbol,
		FreeLabel:      c.FreeLabel,
	}
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration by combining defaults, .env overrides and environment variables.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string
	ceiling, err := decimal.NewFromString(stringWithDefault(lookup, "SHIPRATE_RESTRICTED_CEILING", defaultRestrictedCeiling))
	if err != nil || ceiling.IsNegative() {
		invalid = append(invalid, "Shipping.RestrictedCeiling")
	}

	priorities := csvWithDefault(lookup, "SHIPRATE_PRIORITY_CLASSES")
	if len(priorities) == 0 {
		priorities = strings.Split(defaultPriorityClasses, ",")
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "SHIPRATE_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "SHIPRATE_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "SHIPRATE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "SHIPRATE_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Logging: LoggingConfig{
			Debug: boolWithDefault(lookup, "SHIPRATE_DEBUG", false),
		},
		Shipping: ShippingConfig{
			Policy:                 domain.ShippingPolicy(strings.ToLower(stringWithDefault(lookup, "SHIPRATE_POLICY", defaultPolicy))),
			PriorityClasses:        priorities,
			ClassMatch:             domain.ClassMatchMode(strings.ToLower(stringWithDefault(lookup, "SHIPRATE_CLASS_MATCH", defaultClassMatch))),
			RestrictedCategory:     stringWithDefault(lookup, "SHIPRATE_RESTRICTED_CATEGORY", defaultRestrictedCategory),
			RestrictedCategoryName: stringWithDefault(lookup, "SHIPRATE_RESTRICTED_CATEGORY_LABEL", ""),
			RestrictedCeiling:      ceiling,
			Locale:                 stringWithDefault(lookup, "SHIPRATE_LOCALE", format.DefaultLocale),
			CurrencySymbol:         stringWithDefault(lookup, "SHIPRATE_CURRENCY_SYMBOL", defaultCurrencySymbol),
			FreeLabel:              stringWithDefault(lookup, "SHIPRATE_FREE_LABEL", defaultFreeLabel),
			RulesFile:              stringWithDefault(lookup, "SHIPRATE_RULES_FILE", ""),
			CacheTTL:               durationWithDefault(lookup, "SHIPRATE_CACHE_TTL", defaultCacheTTL),
		},
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Shipping.Policy {
	case domain.ShippingPolicyClassPriority, domain.ShippingPolicyValueThreshold:
	default:
		missing = append(missing, "Shipping.Policy")
	}
	switch cfg.Shipping.ClassMatch {
	case domain.ClassMatchDeclared, domain.ClassMatchText:
	default:
		missing = append(missing, "Shipping.ClassMatch")
	}
	if _, err := format.ParseLocale(cfg.Shipping.Locale); err != nil {
		missing = append(missing, "Shipping.Locale")
	}
	if cfg.Shipping.CacheTTL < 0 {
		missing = append(missing, "Shipping.CacheTTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return parsed
		}
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

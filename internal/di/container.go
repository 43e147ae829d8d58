package di

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/shiprate/internal/platform/config"
	"github.com/hanko-field/shiprate/internal/platform/observability"
	"github.com/hanko-field/shiprate/internal/repositories/yamlfile"
	"github.com/hanko-field/shiprate/internal/services"
)

// Container wires the zone catalog and the shipping resolver for runtime use.
type Container struct {
	Config   config.Config
	Catalog  *yamlfile.Catalog
	Shipping *services.ShippingRateResolver
}

// NewContainer loads the optional rules file, merges it over the configured defaults and builds the resolver.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog := yamlfile.NewCatalog(nil)
	if path := strings.TrimSpace(cfg.Shipping.RulesFile); path != "" {
		loaded, err := yamlfile.LoadFile(path)
		if err != nil {
			return nil, err
		}
		catalog = loaded
		logger.Info("rules file loaded", zap.String("path", path), zap.Int("zones", catalog.ZoneCount()))
	}

	rules, err := catalog.ApplyRules(cfg.Shipping.Rules())
	if err != nil {
		return nil, err
	}

	resolver, err := services.NewShippingRateResolver(services.ShippingRateResolverDeps{
		Rules:    rules,
		Zones:    catalog,
		CacheTTL: cfg.Shipping.CacheTTL,
		Logger:   observability.EventLogger(logger.Named("shipping")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build shipping resolver: %w", err)
	}

	return &Container{
		Config:   cfg,
		Catalog:  catalog,
		Shipping: resolver,
	}, nil
}

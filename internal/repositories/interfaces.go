package repositories

import (
	"context"

	domain "github.com/hanko-field/shiprate/internal/domain"
)

// ZoneMethodRepository resolves the shipping method instances configured for a shipping zone.
// Zone matching itself is owned by the host; callers pass the zone id the host selected.
type ZoneMethodRepository interface {
	ListZoneMethods(ctx context.Context, zoneID string) ([]domain.ZoneMethod, error)
}

// HealthRepository reports whether backing data sources are ready to serve.
type HealthRepository interface {
	Ready(ctx context.Context) error
}

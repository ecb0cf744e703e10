// Package discovery serves read-only lookups over the registered
// services: healthy-only resolution, gateway listing and fleet stats.
package discovery

import (
	"context"

	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/metrics"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// Discovery provides read-only derivations over the store.
type Discovery struct {
	store *store.Store
}

// New creates a Discovery.
func New(st *store.Store) *Discovery {
	return &Discovery{store: st}
}

// Discover returns the service iff it is currently healthy.
func (d *Discovery) Discover(ctx context.Context, id string) (*model.Service, error) {
	svc, err := d.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil || svc.Status != model.StatusHealthy {
		return nil, errors.NotFound("service %q does not exist or is not healthy", id)
	}
	return svc, nil
}

// DiscoverAllHealthy returns every healthy service.
func (d *Discovery) DiscoverAllHealthy(ctx context.Context) ([]model.Service, error) {
	status := model.StatusHealthy
	return d.store.ListServices(ctx, store.ServiceFilter{Status: &status})
}

// GetGateways returns every service registered as a gateway.
func (d *Discovery) GetGateways(ctx context.Context) ([]model.Service, error) {
	isGateway := true
	return d.store.ListServices(ctx, store.ServiceFilter{IsGateway: &isGateway})
}

// GetStats counts services by status plus the gateway count and
// refreshes the status gauges.
func (d *Discovery) GetStats(ctx context.Context) (model.Stats, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	metrics.SetServiceCounts(stats.Healthy, stats.Unhealthy, stats.Unknown)
	return stats, nil
}

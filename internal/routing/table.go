// Package routing manages the gateway routing table: route CRUD, glob
// path matching, and the enriched projection the companion gateway
// polls.
package routing

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// Table provides route operations on top of the store.
type Table struct {
	store *store.Store
	log   *zap.Logger
}

// New creates a Table.
func New(st *store.Store) *Table {
	return &Table{store: st, log: logging.With(zap.String("component", "routing"))}
}

// CreateInput carries the fields of a route creation request.
type CreateInput struct {
	GatewayServiceID string
	PathPattern      string
	Methods          string
	TargetServiceID  string
	StripPrefix      bool
	StripPath        *string
	Priority         int
	Enabled          bool
	AuthConfig       model.JSONMap
}

// Create inserts a route. The gateway must exist with is_gateway=true
// and the target must exist; violations fail precondition.
func (t *Table) Create(ctx context.Context, in CreateInput) (*model.Route, error) {
	if in.GatewayServiceID == "" || in.PathPattern == "" || in.TargetServiceID == "" {
		return nil, errors.BadRequest("gateway_service_id, path_pattern and target_service_id are required")
	}
	if in.Priority < 0 {
		return nil, errors.BadRequest("priority must be non-negative")
	}

	gateway, err := t.store.GetService(ctx, in.GatewayServiceID)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, errors.BadRequest("gateway service %q does not exist", in.GatewayServiceID)
	}
	if !gateway.IsGateway {
		return nil, errors.BadRequest("service %q is not a gateway", in.GatewayServiceID)
	}
	target, err := t.store.GetService(ctx, in.TargetServiceID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.BadRequest("target service %q does not exist", in.TargetServiceID)
	}

	methods := in.Methods
	if methods == "" {
		methods = "*"
	}
	route := &model.Route{
		GatewayServiceID: in.GatewayServiceID,
		PathPattern:      in.PathPattern,
		Methods:          methods,
		TargetServiceID:  in.TargetServiceID,
		StripPrefix:      in.StripPrefix,
		StripPath:        in.StripPath,
		Priority:         in.Priority,
		Enabled:          in.Enabled,
		AuthConfig:       in.AuthConfig,
		CreatedAt:        store.Now(),
	}
	if err := t.store.CreateRoute(ctx, route); err != nil {
		return nil, err
	}
	t.log.Info("route created",
		zap.Int64("id", route.ID),
		zap.String("gateway", route.GatewayServiceID),
		zap.String("pattern", route.PathPattern),
		zap.String("target", route.TargetServiceID))
	return route, nil
}

// UpdateInput is a partial route update; nil fields are untouched.
type UpdateInput struct {
	PathPattern     *string
	Methods         *string
	TargetServiceID *string
	StripPrefix     *bool
	StripPath       *string
	Priority        *int
	Enabled         *bool
	AuthConfig      model.JSONMap
}

// Update applies a partial update. A changed target must exist.
func (t *Table) Update(ctx context.Context, id int64, in UpdateInput) (*model.Route, error) {
	route, err := t.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, errors.NotFound("route %d does not exist", id)
	}

	if in.TargetServiceID != nil && *in.TargetServiceID != route.TargetServiceID {
		target, err := t.store.GetService(ctx, *in.TargetServiceID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, errors.BadRequest("target service %q does not exist", *in.TargetServiceID)
		}
		route.TargetServiceID = *in.TargetServiceID
	}
	if in.PathPattern != nil {
		route.PathPattern = *in.PathPattern
	}
	if in.Methods != nil {
		route.Methods = *in.Methods
	}
	if in.StripPrefix != nil {
		route.StripPrefix = *in.StripPrefix
	}
	if in.StripPath != nil {
		route.StripPath = in.StripPath
	}
	if in.Priority != nil {
		if *in.Priority < 0 {
			return nil, errors.BadRequest("priority must be non-negative")
		}
		route.Priority = *in.Priority
	}
	if in.Enabled != nil {
		route.Enabled = *in.Enabled
	}
	if in.AuthConfig != nil {
		route.AuthConfig = in.AuthConfig
	}

	if err := t.store.SaveRoute(ctx, route); err != nil {
		return nil, err
	}
	return route, nil
}

// Delete removes a route by id.
func (t *Table) Delete(ctx context.Context, id int64) error {
	removed, err := t.store.DeleteRoute(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return errors.NotFound("route %d does not exist", id)
	}
	return nil
}

// Get fetches a route by id.
func (t *Table) Get(ctx context.Context, id int64) (*model.Route, error) {
	route, err := t.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if route == nil {
		return nil, errors.NotFound("route %d does not exist", id)
	}
	return route, nil
}

// ListAll returns routes in match order (priority DESC, created_at
// DESC), optionally scoped to one gateway and to enabled routes.
func (t *Table) ListAll(ctx context.Context, gatewayID *string, enabledOnly bool) ([]model.Route, error) {
	return t.store.ListRoutes(ctx, store.RouteFilter{GatewayID: gatewayID, EnabledOnly: enabledOnly})
}

// MatchPath reports whether a request path matches a route pattern.
// Matching is doublestar glob over the ASCII path: `*` matches within a
// single path segment, `**` matches any number of segments including
// none, so a trailing /** also matches the bare prefix.
func MatchPath(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// FindMatch returns the highest-priority enabled route of the gateway
// whose pattern matches the request path, or nil.
func (t *Table) FindMatch(ctx context.Context, gatewayID, requestPath string) (*model.Route, error) {
	routes, err := t.store.ListRoutes(ctx, store.RouteFilter{GatewayID: &gatewayID, EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range routes {
		if MatchPath(routes[i].PathPattern, requestPath) {
			return &routes[i], nil
		}
	}
	return nil, nil
}

// FindRouteForService returns the highest-priority enabled route from
// gateway to target, or nil. The auth-enrichment step uses it to map an
// authentication service back to its gateway prefix.
func (t *Table) FindRouteForService(ctx context.Context, gatewayID, targetID string) (*model.Route, error) {
	return t.store.FindRouteForService(ctx, gatewayID, targetID)
}

// StripPathPrefix drops a route's prefix from a request path, keeping a
// leading slash on the remainder.
func StripPathPrefix(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

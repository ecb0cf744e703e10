package routing

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// service_meta keys consulted during enrichment. CRUD stores the maps
// verbatim; this is the only place they are interpreted.
const (
	metaServiceType  = "service_type"
	metaAuthEndpoint = "auth_endpoint"
	metaLoginPath    = "login_path"

	serviceTypeAuthentication = "authentication"
)

// auth_config keys.
const (
	authKeyServiceID     = "auth_service_id"
	authKeyLoginRedirect = "login_redirect"
)

// GatewayRoutes produces the enriched route list for a calling gateway:
// every enabled route in match order, joined with its target snapshot
// and, when an auth_config names a known authentication service, the
// resolved auth descriptor plus a derived login redirect.
func (t *Table) GatewayRoutes(ctx context.Context, gatewayID string) ([]model.GatewayRoute, error) {
	gateway, err := t.store.GetService(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, errors.NotFound("gateway service %q does not exist", gatewayID)
	}
	if !gateway.IsGateway {
		return nil, errors.Forbidden("service %q is not a gateway", gatewayID)
	}

	routes, err := t.store.ListRoutes(ctx, store.RouteFilter{GatewayID: &gatewayID, EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	// Index every service advertising itself as an authentication
	// service.
	all, err := t.store.ListServices(ctx, store.ServiceFilter{})
	if err != nil {
		return nil, err
	}
	authServices := make(map[string]*model.Service)
	for i := range all {
		if all[i].ServiceMeta.String(metaServiceType) == serviceTypeAuthentication {
			authServices[all[i].ID] = &all[i]
		}
	}

	result := make([]model.GatewayRoute, 0, len(routes))
	for i := range routes {
		route := &routes[i]

		target, err := t.store.GetService(ctx, route.TargetServiceID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			// FK cascade should prevent this; the projection tolerates
			// a concurrently deleted target by skipping the route.
			t.log.Warn("skipping route with missing target",
				zap.Int64("route", route.ID), zap.String("target", route.TargetServiceID))
			continue
		}

		entry := model.GatewayRoute{
			ID:              route.ID,
			PathPattern:     route.PathPattern,
			Methods:         route.Methods,
			TargetServiceID: route.TargetServiceID,
			TargetService: model.TargetServiceInfo{
				ID:       target.ID,
				Name:     target.Name,
				Host:     target.Host,
				Port:     target.Port,
				Protocol: target.Protocol,
				Status:   target.Status,
				BaseURL:  target.BaseURL(),
			},
			StripPrefix: route.StripPrefix,
			StripPath:   route.StripPath,
			Priority:    route.Priority,
			Enabled:     route.Enabled,
		}

		if route.AuthConfig != nil {
			authConfig := route.AuthConfig.Clone()
			if authSvc, ok := authServices[authConfig.String(authKeyServiceID)]; ok {
				entry.AuthService = &model.AuthServiceInfo{
					ID:           authSvc.ID,
					Name:         authSvc.Name,
					BaseURL:      authSvc.BaseURL(),
					AuthEndpoint: authSvc.ServiceMeta.String(metaAuthEndpoint),
				}
				if authConfig.String(authKeyLoginRedirect) == "" {
					redirect, err := t.deriveLoginRedirect(ctx, gatewayID, authSvc)
					if err != nil {
						return nil, err
					}
					if redirect != "" {
						authConfig[authKeyLoginRedirect] = redirect
					}
				}
			}
			entry.AuthConfig = authConfig
		}

		result = append(result, entry)
	}
	return result, nil
}

// deriveLoginRedirect builds the login redirect for an authentication
// service. External clients can only reach the auth service through the
// gateway, so the gateway proxy prefix is preferred: with a route
// /aegis/** -> aegis the redirect becomes /aegis{login_path}. Without
// such a route it falls back to the auth service's absolute base URL.
// Returns "" when the auth service advertises no login path.
func (t *Table) deriveLoginRedirect(ctx context.Context, gatewayID string, authSvc *model.Service) (string, error) {
	loginPath := authSvc.ServiceMeta.String(metaLoginPath)
	if loginPath == "" {
		return "", nil
	}
	if !strings.HasPrefix(loginPath, "/") {
		loginPath = "/" + loginPath
	}

	authRoute, err := t.store.FindRouteForService(ctx, gatewayID, authSvc.ID)
	if err != nil {
		return "", err
	}
	if authRoute != nil && authRoute.StripPrefix {
		gatewayPrefix := "/" + authSvc.ID
		if authRoute.StripPath != nil && *authRoute.StripPath != "" {
			gatewayPrefix = *authRoute.StripPath
		}
		return gatewayPrefix + loginPath, nil
	}
	return strings.TrimRight(authSvc.BaseURL(), "/") + loginPath, nil
}

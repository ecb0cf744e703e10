// Package registry owns the lifecycle of service records: registration
// with ID synthesis, re-registration, partial update, heartbeat and
// unregistration with cascading cleanup.
package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/metrics"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// Default priority of the injected /{id}/** route.
const defaultRoutePriority = 10

// Registry implements the service lifecycle on top of the store.
type Registry struct {
	store *store.Store
	log   *zap.Logger
}

// New creates a Registry.
func New(st *store.Store) *Registry {
	return &Registry{store: st, log: logging.With(zap.String("component", "registry"))}
}

// RegisterInput carries the fields of a registration request. Protocol
// and HealthCheckPath arrive with defaults already applied by the
// caller; pointer fields are only written when supplied.
type RegisterInput struct {
	ID              string
	Name            string
	Host            string
	Port            int
	Protocol        string
	HealthCheckPath string
	IsGateway       bool
	BasePath        *string
	ServiceMeta     model.JSONMap
}

func (in *RegisterInput) validate() error {
	if in.Name == "" {
		return errors.BadRequest("name is required")
	}
	if in.Host == "" {
		return errors.BadRequest("host is required")
	}
	if in.Port < 1 || in.Port > 65535 {
		return errors.BadRequest("port must be in 1..65535")
	}
	if in.Protocol != model.ProtocolHTTP && in.Protocol != model.ProtocolHTTPS {
		return errors.BadRequest("protocol must be http or https")
	}
	if len(in.ID) > 64 {
		return errors.BadRequest("id must be at most 64 characters")
	}
	return nil
}

var (
	idStripRe    = regexp.MustCompile(`[^a-z0-9\s-]`)
	idSeparateRe = regexp.MustCompile(`[\s_]+`)
	idDashRunRe  = regexp.MustCompile(`-+`)
)

// GenerateServiceID synthesizes a unique id from a display name:
// {normalized-name}-{8 hex chars}, e.g. "deckview-a1b2c3d4".
func GenerateServiceID(name string) string {
	normalized := strings.ToLower(name)
	normalized = idStripRe.ReplaceAllString(normalized, "")
	normalized = idSeparateRe.ReplaceAllString(normalized, "-")
	normalized = idDashRunRe.ReplaceAllString(normalized, "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		normalized = "service"
	}
	if len(normalized) > 20 {
		normalized = strings.TrimRight(normalized[:20], "-")
	}
	u := uuid.New()
	return normalized + "-" + hex.EncodeToString(u[:4])
}

// Register creates or re-registers a service. On re-register the
// supplied fields overwrite the stored ones and the lifecycle fields
// reset (status unknown, failure counter zero, heartbeat now). On first
// registration of a non-gateway service a default route is injected
// when a gateway exists. The bool result reports whether a new record
// was created.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*model.Service, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	id := in.ID
	if id == "" {
		id = GenerateServiceID(in.Name)
	}

	existing, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, false, err
	}

	now := store.Now()

	if existing != nil {
		existing.Name = in.Name
		existing.Host = in.Host
		existing.Port = in.Port
		existing.Protocol = in.Protocol
		existing.HealthCheckPath = in.HealthCheckPath
		existing.IsGateway = in.IsGateway
		if in.BasePath != nil {
			existing.BasePath = in.BasePath
		}
		if in.ServiceMeta != nil {
			existing.ServiceMeta = in.ServiceMeta
		}
		existing.LastHeartbeat = now
		existing.Status = model.StatusUnknown
		existing.ConsecutiveFailures = 0

		if err := r.store.SaveService(ctx, existing); err != nil {
			return nil, false, err
		}
		metrics.RegistrationsTotal.WithLabelValues("reregistered").Inc()
		r.log.Info("service re-registered", zap.String("id", id), zap.String("name", in.Name))
		return existing, false, nil
	}

	svc := &model.Service{
		ID:              id,
		Name:            in.Name,
		Host:            in.Host,
		Port:            in.Port,
		Protocol:        in.Protocol,
		HealthCheckPath: in.HealthCheckPath,
		Status:          model.StatusUnknown,
		IsGateway:       in.IsGateway,
		BasePath:        in.BasePath,
		ServiceMeta:     in.ServiceMeta,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}

	var defaultRoute *model.Route
	if !svc.IsGateway {
		defaultRoute, err = r.buildDefaultRoute(ctx, svc)
		if err != nil {
			return nil, false, err
		}
	}

	if err := r.store.CreateService(ctx, svc, defaultRoute); err != nil {
		return nil, false, err
	}
	metrics.RegistrationsTotal.WithLabelValues("registered").Inc()
	r.log.Info("service registered",
		zap.String("id", id),
		zap.String("name", in.Name),
		zap.String("base_url", svc.BaseURL()),
		zap.Bool("default_route", defaultRoute != nil))
	return svc, true, nil
}

// buildDefaultRoute prepares the /{id}/** route injected for a new
// non-gateway service. Among multiple gateways the one with the
// smallest id wins. Returns nil when no gateway exists or a route
// already targets the service.
func (r *Registry) buildDefaultRoute(ctx context.Context, svc *model.Service) (*model.Route, error) {
	gateway, err := r.store.FirstGateway(ctx)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, nil
	}
	targeted, err := r.store.HasRouteTargeting(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	if targeted {
		return nil, nil
	}
	stripPath := "/" + svc.ID
	return &model.Route{
		GatewayServiceID: gateway.ID,
		PathPattern:      fmt.Sprintf("/%s/**", svc.ID),
		Methods:          "*",
		TargetServiceID:  svc.ID,
		StripPrefix:      true,
		StripPath:        &stripPath,
		Priority:         defaultRoutePriority,
		Enabled:          true,
		CreatedAt:        store.Now(),
	}, nil
}

// Unregister deletes a service; its dependencies and routes cascade.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	removed, err := r.store.DeleteService(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return errors.NotFound("service %q does not exist", id)
	}
	r.log.Info("service unregistered", zap.String("id", id))
	return nil
}

// UpdateInput is a partial update; nil fields are left untouched.
// Lifecycle fields (status, heartbeat, failure counter) are never
// touched by Update.
type UpdateInput struct {
	Name            *string
	Host            *string
	Port            *int
	Protocol        *string
	HealthCheckPath *string
	IsGateway       *bool
	BasePath        *string
	ServiceMeta     model.JSONMap
}

// Update applies a partial update to a service.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*model.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.NotFound("service %q does not exist", id)
	}

	if in.Name != nil {
		svc.Name = *in.Name
	}
	if in.Host != nil {
		svc.Host = *in.Host
	}
	if in.Port != nil {
		if *in.Port < 1 || *in.Port > 65535 {
			return nil, errors.BadRequest("port must be in 1..65535")
		}
		svc.Port = *in.Port
	}
	if in.Protocol != nil {
		if *in.Protocol != model.ProtocolHTTP && *in.Protocol != model.ProtocolHTTPS {
			return nil, errors.BadRequest("protocol must be http or https")
		}
		svc.Protocol = *in.Protocol
	}
	if in.HealthCheckPath != nil {
		svc.HealthCheckPath = *in.HealthCheckPath
	}
	if in.IsGateway != nil {
		svc.IsGateway = *in.IsGateway
	}
	if in.BasePath != nil {
		svc.BasePath = in.BasePath
	}
	if in.ServiceMeta != nil {
		svc.ServiceMeta = in.ServiceMeta
	}

	if err := r.store.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Get fetches a service by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.NotFound("service %q does not exist", id)
	}
	return svc, nil
}

// List returns services newest-registered first, optionally filtered.
func (r *Registry) List(ctx context.Context, status *string, isGateway *bool) ([]model.Service, error) {
	return r.store.ListServices(ctx, store.ServiceFilter{Status: status, IsGateway: isGateway})
}

// Heartbeat stamps the heartbeat time and unconditionally marks the
// service healthy with a zeroed failure counter. A heartbeat dominates
// active-probe state.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*model.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.NotFound("service %q does not exist", id)
	}

	svc.LastHeartbeat = store.Now()
	svc.Status = model.StatusHealthy
	svc.ConsecutiveFailures = 0

	if err := r.store.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	metrics.HeartbeatsTotal.Inc()
	return svc, nil
}

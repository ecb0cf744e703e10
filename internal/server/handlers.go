package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/dependency"
	"github.com/wudi/atlas/internal/errors"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/registry"
	"github.com/wudi/atlas/internal/routing"
)

// Handler builds the full route table. Exposed so tests can drive the
// API through httptest without a listener.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	p := s.cfg.APIPrefix

	router.HandlerFunc(http.MethodPost, p+"/services", s.handleRegister)
	router.HandlerFunc(http.MethodGet, p+"/services", s.handleListServices)
	router.HandlerFunc(http.MethodGet, p+"/services/:id", s.handleGetService)
	router.HandlerFunc(http.MethodPut, p+"/services/:id", s.handleUpdateService)
	router.HandlerFunc(http.MethodDelete, p+"/services/:id", s.handleUnregister)
	router.HandlerFunc(http.MethodPost, p+"/services/:id/heartbeat", s.handleHeartbeat)
	router.HandlerFunc(http.MethodGet, p+"/services/:id/dependencies", s.handleServiceDependencies)
	router.HandlerFunc(http.MethodGet, p+"/services/:id/dependents", s.handleServiceDependents)

	router.HandlerFunc(http.MethodGet, p+"/gateways", s.handleListGateways)
	router.HandlerFunc(http.MethodGet, p+"/discover/:id", s.handleDiscover)

	router.HandlerFunc(http.MethodPost, p+"/dependencies", s.handleCreateDependency)
	router.HandlerFunc(http.MethodGet, p+"/dependencies", s.handleListDependencies)
	router.HandlerFunc(http.MethodDelete, p+"/dependencies/:id", s.handleDeleteDependency)
	router.HandlerFunc(http.MethodGet, p+"/topology", s.handleTopology)

	router.HandlerFunc(http.MethodPost, p+"/routes", s.handleCreateRoute)
	router.HandlerFunc(http.MethodGet, p+"/routes", s.handleListRoutes)
	router.HandlerFunc(http.MethodGet, p+"/routes/:id", s.handleGetRoute)
	router.HandlerFunc(http.MethodPut, p+"/routes/:id", s.handleUpdateRoute)
	router.HandlerFunc(http.MethodDelete, p+"/routes/:id", s.handleDeleteRoute)
	router.HandlerFunc(http.MethodGet, p+"/gateway/routes", s.handleGatewayRoutes)

	router.HandlerFunc(http.MethodGet, p+"/monitor/overview", s.handleMonitorOverview)
	router.HandlerFunc(http.MethodPost, p+"/monitor/health-check", s.handleMonitorHealthCheck)

	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return s.accessLog(router)
}

// serviceView is the wire shape of a service: the record plus its
// derived base URL.
type serviceView struct {
	*model.Service
	BaseURL string `json:"base_url"`
}

func viewOf(svc *model.Service) serviceView {
	return serviceView{Service: svc, BaseURL: svc.BaseURL()}
}

func viewsOf(services []model.Service) []serviceView {
	out := make([]serviceView, 0, len(services))
	for i := range services {
		out = append(out, viewOf(&services[i]))
	}
	return out
}

// serviceList is the {total, services} list envelope.
type serviceList struct {
	Total    int           `json:"total"`
	Services []serviceView `json:"services"`
}

type registerRequest struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Protocol        string        `json:"protocol"`
	HealthCheckPath string        `json:"health_check_path"`
	IsGateway       bool          `json:"is_gateway"`
	BasePath        *string       `json:"base_path"`
	ServiceMeta     model.JSONMap `json:"service_meta"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Protocol == "" {
		req.Protocol = model.ProtocolHTTP
	}
	if req.HealthCheckPath == "" {
		req.HealthCheckPath = "/health"
	}

	svc, created, err := s.registry.Register(r.Context(), registry.RegisterInput{
		ID:              req.ID,
		Name:            req.Name,
		Host:            req.Host,
		Port:            req.Port,
		Protocol:        req.Protocol,
		HealthCheckPath: req.HealthCheckPath,
		IsGateway:       req.IsGateway,
		BasePath:        req.BasePath,
		ServiceMeta:     req.ServiceMeta,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, viewOf(svc))
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	status, isGateway, err := serviceFilters(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	services, err := s.registry.List(r.Context(), status, isGateway)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceList{Total: len(services), Services: viewsOf(services)})
}

func serviceFilters(r *http.Request) (*string, *bool, error) {
	var status *string
	var isGateway *bool
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	if v := r.URL.Query().Get("is_gateway"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, nil, errors.BadRequest("is_gateway must be a boolean")
		}
		isGateway = &b
	}
	return status, isGateway, nil
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.registry.Get(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(svc))
}

type updateServiceRequest struct {
	Name            *string       `json:"name"`
	Host            *string       `json:"host"`
	Port            *int          `json:"port"`
	Protocol        *string       `json:"protocol"`
	HealthCheckPath *string       `json:"health_check_path"`
	IsGateway       *bool         `json:"is_gateway"`
	BasePath        *string       `json:"base_path"`
	ServiceMeta     model.JSONMap `json:"service_meta"`
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var req updateServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	svc, err := s.registry.Update(r.Context(), param(r, "id"), registry.UpdateInput{
		Name:            req.Name,
		Host:            req.Host,
		Port:            req.Port,
		Protocol:        req.Protocol,
		HealthCheckPath: req.HealthCheckPath,
		IsGateway:       req.IsGateway,
		BasePath:        req.BasePath,
		ServiceMeta:     req.ServiceMeta,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(svc))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context(), param(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	svc, err := s.registry.Heartbeat(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(svc))
}

func (s *Server) handleServiceDependencies(w http.ResponseWriter, r *http.Request) {
	s.writeServiceEdges(w, r, dependency.Outgoing)
}

func (s *Server) handleServiceDependents(w http.ResponseWriter, r *http.Request) {
	s.writeServiceEdges(w, r, dependency.Incoming)
}

func (s *Server) writeServiceEdges(w http.ResponseWriter, r *http.Request, dir dependency.Direction) {
	id := param(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	deps, err := s.graph.ListForService(r.Context(), id, dir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := s.discovery.GetGateways(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceList{Total: len(gateways), Services: viewsOf(gateways)})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	svc, err := s.discovery.Discover(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(svc))
}

type createDependencyRequest struct {
	SourceServiceID string  `json:"source_service_id"`
	TargetServiceID string  `json:"target_service_id"`
	Description     *string `json:"description"`
}

func (s *Server) handleCreateDependency(w http.ResponseWriter, r *http.Request) {
	var req createDependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	dep, err := s.graph.Create(r.Context(), req.SourceServiceID, req.TargetServiceID, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := s.graph.ListAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleDeleteDependency(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.graph.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo, err := s.graph.Topology(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

type createRouteRequest struct {
	GatewayServiceID string        `json:"gateway_service_id"`
	PathPattern      string        `json:"path_pattern"`
	Methods          string        `json:"methods"`
	TargetServiceID  string        `json:"target_service_id"`
	StripPrefix      bool          `json:"strip_prefix"`
	StripPath        *string       `json:"strip_path"`
	Priority         int           `json:"priority"`
	Enabled          *bool         `json:"enabled"`
	AuthConfig       model.JSONMap `json:"auth_config"`
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req createRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	route, err := s.table.Create(r.Context(), routing.CreateInput{
		GatewayServiceID: req.GatewayServiceID,
		PathPattern:      req.PathPattern,
		Methods:          req.Methods,
		TargetServiceID:  req.TargetServiceID,
		StripPrefix:      req.StripPrefix,
		StripPath:        req.StripPath,
		Priority:         req.Priority,
		Enabled:          enabled,
		AuthConfig:       req.AuthConfig,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	var gatewayID *string
	if v := r.URL.Query().Get("gateway_id"); v != "" {
		gatewayID = &v
	}
	enabledOnly := false
	if v := r.URL.Query().Get("enabled_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, errors.BadRequest("enabled_only must be a boolean"))
			return
		}
		enabledOnly = b
	}
	routes, err := s.table.ListAll(r.Context(), gatewayID, enabledOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	route, err := s.table.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type updateRouteRequest struct {
	PathPattern     *string       `json:"path_pattern"`
	Methods         *string       `json:"methods"`
	TargetServiceID *string       `json:"target_service_id"`
	StripPrefix     *bool         `json:"strip_prefix"`
	StripPath       *string       `json:"strip_path"`
	Priority        *int          `json:"priority"`
	Enabled         *bool         `json:"enabled"`
	AuthConfig      model.JSONMap `json:"auth_config"`
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req updateRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	route, err := s.table.Update(r.Context(), id, routing.UpdateInput{
		PathPattern:     req.PathPattern,
		Methods:         req.Methods,
		TargetServiceID: req.TargetServiceID,
		StripPrefix:     req.StripPrefix,
		StripPath:       req.StripPath,
		Priority:        req.Priority,
		Enabled:         req.Enabled,
		AuthConfig:      req.AuthConfig,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.table.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGatewayRoutes(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.Header.Get("X-Gateway-ID")
	if gatewayID == "" {
		s.writeError(w, errors.BadRequest("X-Gateway-ID header is required"))
		return
	}
	routes, err := s.table.GatewayRoutes(r.Context(), gatewayID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleMonitorOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.discovery.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "running",
		"services": stats,
	})
}

func (s *Server) handleMonitorHealthCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.CheckAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "health check completed",
		"result":  summary,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "atlas",
	})
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func int64Param(r *http.Request, name string) (int64, error) {
	v := param(r, name)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.BadRequest("%s must be an integer id", name)
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.BadRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps business errors to their HTTP shape. Unclassified
// errors surface as a bare 500 with the cause logged, not leaked.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if ae, ok := errors.IsAtlasError(err); ok {
		ae.WriteJSON(w)
		return
	}
	s.log.Error("request failed", zap.Error(err))
	errors.ErrInternal.WriteJSON(w)
}

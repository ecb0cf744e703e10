// Package model holds the persistent entities of the registry and the
// derived views served to clients.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Service status values.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Supported service protocols.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// JSONMap is an open-ended structured map persisted as a JSON blob.
// service_meta and auth_config use it; known keys are only extracted
// where they are needed.
type JSONMap map[string]any

// Value implements driver.Valuer. A nil map is stored as SQL NULL.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(data, m)
}

// String extracts a string-typed key, returning "" when absent or of
// another type.
func (m JSONMap) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Clone returns a shallow copy so callers can rewrite keys without
// mutating the stored map.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Service is a registered HTTP endpoint.
type Service struct {
	ID                  string     `db:"id" json:"id"`
	Name                string     `db:"name" json:"name"`
	Host                string     `db:"host" json:"host"`
	Port                int        `db:"port" json:"port"`
	Protocol            string     `db:"protocol" json:"protocol"`
	HealthCheckPath     string     `db:"health_check_path" json:"health_check_path"`
	Status              string     `db:"status" json:"status"`
	IsGateway           bool       `db:"is_gateway" json:"is_gateway"`
	BasePath            *string    `db:"base_path" json:"base_path,omitempty"`
	ServiceMeta         JSONMap    `db:"service_meta" json:"service_meta,omitempty"`
	RegisteredAt        time.Time  `db:"registered_at" json:"registered_at"`
	LastHeartbeat       time.Time  `db:"last_heartbeat" json:"last_heartbeat"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
}

// BaseURL returns protocol://host:port.
func (s *Service) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", s.Protocol, s.Host, s.Port)
}

// HealthURL returns the absolute URL of the service's health endpoint.
func (s *Service) HealthURL() string {
	path := s.HealthCheckPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.BaseURL() + path
}

// Dependency is a directed edge between two services.
type Dependency struct {
	ID              int64     `db:"id" json:"id"`
	SourceServiceID string    `db:"source_service_id" json:"source_service_id"`
	TargetServiceID string    `db:"target_service_id" json:"target_service_id"`
	Description     *string   `db:"description" json:"description,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Route is a pattern-to-target mapping owned by a gateway service.
type Route struct {
	ID               int64      `db:"id" json:"id"`
	GatewayServiceID string     `db:"gateway_service_id" json:"gateway_service_id"`
	PathPattern      string     `db:"path_pattern" json:"path_pattern"`
	Methods          string     `db:"methods" json:"methods"`
	TargetServiceID  string     `db:"target_service_id" json:"target_service_id"`
	StripPrefix      bool       `db:"strip_prefix" json:"strip_prefix"`
	StripPath        *string    `db:"strip_path" json:"strip_path,omitempty"`
	Priority         int        `db:"priority" json:"priority"`
	Enabled          bool       `db:"enabled" json:"enabled"`
	AuthConfig       JSONMap    `db:"auth_config" json:"auth_config,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// TopologyNode is a service projected into the dependency graph view.
type TopologyNode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	IsGateway bool   `json:"is_gateway"`
}

// TopologyEdge is a dependency projected into the graph view.
type TopologyEdge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Description *string `json:"description,omitempty"`
}

// Topology is the materialized dependency graph.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// TargetServiceInfo is the target snapshot embedded in a gateway route.
type TargetServiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	BaseURL  string `json:"base_url"`
}

// AuthServiceInfo describes the resolved authentication service of an
// enriched route.
type AuthServiceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	AuthEndpoint string `json:"auth_endpoint,omitempty"`
}

// GatewayRoute is the enriched per-call projection consumed by the
// companion gateway: route fields joined with the target snapshot and,
// when configured, the resolved authentication service.
type GatewayRoute struct {
	ID              int64             `json:"id"`
	PathPattern     string            `json:"path_pattern"`
	Methods         string            `json:"methods"`
	TargetServiceID string            `json:"target_service_id"`
	TargetService   TargetServiceInfo `json:"target_service"`
	StripPrefix     bool              `json:"strip_prefix"`
	StripPath       *string           `json:"strip_path,omitempty"`
	Priority        int               `json:"priority"`
	Enabled         bool              `json:"enabled"`
	AuthConfig      JSONMap           `json:"auth_config,omitempty"`
	AuthService     *AuthServiceInfo  `json:"auth_service,omitempty"`
}

// Stats counts services by status plus the gateway count.
type Stats struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
	Gateways  int `json:"gateways"`
}

// Package bootstrap performs the one-shot startup preload from the
// declarative services document and registers the registry itself.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/config"
	"github.com/wudi/atlas/internal/dependency"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/registry"
	"github.com/wudi/atlas/internal/routing"
)

// Document is the declarative bootstrap schema (services.yaml).
type Document struct {
	Services     []ServiceEntry    `yaml:"services"`
	Dependencies []DependencyEntry `yaml:"dependencies"`
	Routes       []RouteEntry      `yaml:"routes"`
}

// ServiceEntry preregisters one service.
type ServiceEntry struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Protocol        string        `yaml:"protocol"`
	HealthCheckPath string        `yaml:"health_check_path"`
	IsGateway       bool          `yaml:"is_gateway"`
	Metadata        model.JSONMap `yaml:"metadata"`
}

// DependencyEntry predeclares one edge.
type DependencyEntry struct {
	Source      string  `yaml:"source"`
	Target      string  `yaml:"target"`
	Description *string `yaml:"description"`
}

// RouteEntry predeclares one route.
type RouteEntry struct {
	Gateway     string        `yaml:"gateway"`
	PathPattern string        `yaml:"path_pattern"`
	Target      string        `yaml:"target"`
	Methods     string        `yaml:"methods"`
	StripPrefix bool          `yaml:"strip_prefix"`
	StripPath   *string       `yaml:"strip_path"`
	Priority    int           `yaml:"priority"`
	AuthConfig  model.JSONMap `yaml:"auth_config"`
}

// LoadDocument reads the bootstrap document. A missing file yields an
// empty document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bootstrap document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bootstrap document: %w", err)
	}
	return &doc, nil
}

// Preloader drives the bootstrap entries through the regular service
// operations.
type Preloader struct {
	registry *registry.Registry
	graph    *dependency.Graph
	table    *routing.Table
	log      *zap.Logger
}

// NewPreloader creates a Preloader.
func NewPreloader(reg *registry.Registry, graph *dependency.Graph, table *routing.Table) *Preloader {
	return &Preloader{
		registry: reg,
		graph:    graph,
		table:    table,
		log:      logging.With(zap.String("component", "bootstrap")),
	}
}

// Run applies every entry of the document. Per-entry failures are
// logged and skipped; the bootstrap never aborts.
func (p *Preloader) Run(ctx context.Context, doc *Document) {
	var services, deps, routes int

	for _, svc := range doc.Services {
		protocol := svc.Protocol
		if protocol == "" {
			protocol = model.ProtocolHTTP
		}
		healthPath := svc.HealthCheckPath
		if healthPath == "" {
			healthPath = "/health"
		}
		_, _, err := p.registry.Register(ctx, registry.RegisterInput{
			ID:              svc.ID,
			Name:            svc.Name,
			Host:            svc.Host,
			Port:            svc.Port,
			Protocol:        protocol,
			HealthCheckPath: healthPath,
			IsGateway:       svc.IsGateway,
			ServiceMeta:     svc.Metadata,
		})
		if err != nil {
			p.log.Warn("preload service failed",
				zap.String("id", svc.ID), zap.String("name", svc.Name), zap.Error(err))
			continue
		}
		services++
	}

	for _, dep := range doc.Dependencies {
		if _, err := p.graph.Create(ctx, dep.Source, dep.Target, dep.Description); err != nil {
			p.log.Warn("preload dependency failed",
				zap.String("source", dep.Source), zap.String("target", dep.Target), zap.Error(err))
			continue
		}
		deps++
	}

	for _, route := range doc.Routes {
		_, err := p.table.Create(ctx, routing.CreateInput{
			GatewayServiceID: route.Gateway,
			PathPattern:      route.PathPattern,
			Methods:          route.Methods,
			TargetServiceID:  route.Target,
			StripPrefix:      route.StripPrefix,
			StripPath:        route.StripPath,
			Priority:         route.Priority,
			Enabled:          true,
			AuthConfig:       route.AuthConfig,
		})
		if err != nil {
			p.log.Warn("preload route failed",
				zap.String("gateway", route.Gateway), zap.String("pattern", route.PathPattern), zap.Error(err))
			continue
		}
		routes++
	}

	if services > 0 || deps > 0 || routes > 0 {
		p.log.Info("bootstrap preload complete",
			zap.Int("services", services), zap.Int("dependencies", deps), zap.Int("routes", routes))
	}
}

// SelfRegister registers the registry itself as a plain (non-gateway)
// service so that it shows up in discovery and flows through the
// default-route injector like any other service.
func (p *Preloader) SelfRegister(ctx context.Context, cfg *config.Config, version string) error {
	var basePath *string
	if cfg.BasePath != "" {
		bp := cfg.BasePath
		basePath = &bp
	}
	_, _, err := p.registry.Register(ctx, registry.RegisterInput{
		ID:              cfg.ServiceID,
		Name:            cfg.ServiceName,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Protocol:        model.ProtocolHTTP,
		HealthCheckPath: "/health",
		IsGateway:       false,
		BasePath:        basePath,
		ServiceMeta: model.JSONMap{
			"version":      version,
			"service_type": "infrastructure",
			"auth_config": map[string]any{
				"require_auth": false,
			},
		},
	})
	if err != nil {
		return err
	}
	// The first heartbeat; the engine keeps it fresh afterwards.
	_, err = p.registry.Heartbeat(ctx, cfg.ServiceID)
	return err
}

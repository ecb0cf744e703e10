// Package server exposes the registry over HTTP: the versioned API
// surface, the monitor endpoints, /health and /metrics. It also owns
// the process lifecycle of the store and the health engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/bootstrap"
	"github.com/wudi/atlas/internal/config"
	"github.com/wudi/atlas/internal/dependency"
	"github.com/wudi/atlas/internal/discovery"
	"github.com/wudi/atlas/internal/health"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/registry"
	"github.com/wudi/atlas/internal/routing"
	"github.com/wudi/atlas/internal/store"
)

// Server wires the registry components behind one HTTP listener.
type Server struct {
	cfg     *config.Config
	version string

	store     *store.Store
	registry  *registry.Registry
	graph     *dependency.Graph
	table     *routing.Table
	discovery *discovery.Discovery
	engine    *health.Engine
	preloader *bootstrap.Preloader

	httpServer *http.Server
	log        *zap.Logger
}

// New opens the store and assembles the components. The returned
// server is not yet listening; call Run.
func New(cfg *config.Config, version string) (*Server, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(st)
	graph := dependency.New(st)
	table := routing.New(st)
	disc := discovery.New(st)

	engineCfg := health.Config{
		Interval:           cfg.ProbeInterval(),
		Timeout:            cfg.ProbeTimeout(),
		UnhealthyThreshold: cfg.UnhealthyThreshold,
		HeartbeatTimeout:   cfg.HeartbeatWindow(),
	}
	if cfg.SelfRegister {
		engineCfg.SelfID = cfg.ServiceID
	}

	s := &Server{
		cfg:       cfg,
		version:   version,
		store:     st,
		registry:  reg,
		graph:     graph,
		table:     table,
		discovery: disc,
		engine:    health.New(st, reg, engineCfg),
		preloader: bootstrap.NewPreloader(reg, graph, table),
		log:       logging.With(zap.String("component", "server")),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start runs the bootstrap sequence and begins listening.
func (s *Server) Start() error {
	ctx := context.Background()

	doc, err := bootstrap.LoadDocument(s.cfg.BootstrapPath)
	if err != nil {
		// A malformed bootstrap document must not keep the registry down.
		s.log.Error("bootstrap document unreadable, skipping preload",
			zap.String("path", s.cfg.BootstrapPath), zap.Error(err))
	} else {
		s.preloader.Run(ctx, doc)
	}

	if s.cfg.SelfRegister {
		if err := s.preloader.SelfRegister(ctx, s.cfg, s.version); err != nil {
			return fmt.Errorf("self-register: %w", err)
		}
	}

	s.engine.Start()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.log.Info("shutting down gracefully")
	return s.Shutdown(30 * time.Second)
}

// Shutdown stops the listener, the health engine and the store.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("http shutdown error", zap.Error(err))
	}
	s.engine.Stop()

	if err := s.store.Close(); err != nil {
		s.log.Error("store close error", zap.Error(err))
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

// Close releases resources without draining; tests use it.
func (s *Server) Close() error {
	s.engine.Stop()
	return s.store.Close()
}

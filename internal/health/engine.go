// Package health runs the registry's liveness machinery: the periodic
// active probe over every registered service, the heartbeat-timeout
// sweep, and the registry's own self-heartbeat.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/metrics"
	"github.com/wudi/atlas/internal/model"
	"github.com/wudi/atlas/internal/store"
)

// maxConcurrentProbes bounds the fan-out of one probe sweep.
const maxConcurrentProbes = 8

// Heartbeater is the slice of the registry the self-heartbeat job needs.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id string) (*model.Service, error)
}

// Config tunes the engine.
type Config struct {
	Interval           time.Duration // probe + sweep period
	Timeout            time.Duration // per-probe timeout
	UnhealthyThreshold int           // consecutive failures before unhealthy
	HeartbeatTimeout   time.Duration // max silence before the sweep flips a service
	SelfID             string        // when set, a 30s in-process heartbeat keeps it healthy
}

// Summary reports one full probe sweep.
type Summary struct {
	Checked   int       `json:"checked"`
	Healthy   int       `json:"healthy"`
	Unhealthy int       `json:"unhealthy"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine owns the periodic jobs. Probe results and heartbeats race by
// design; both write through the store and the last writer wins.
type Engine struct {
	store  *store.Store
	hb     Heartbeater
	cfg    Config
	client *http.Client
	log    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. hb may be nil when self-heartbeat is disabled.
func New(st *store.Store, hb Heartbeater, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	return &Engine{
		store: st,
		hb:    hb,
		cfg:   cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logging.With(zap.String("component", "health")),
	}
}

// Start launches the periodic jobs.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.probeLoop(ctx)
	go e.sweepLoop(ctx)

	if e.cfg.SelfID != "" && e.hb != nil {
		e.wg.Add(1)
		go e.selfHeartbeatLoop(ctx)
	}

	e.log.Info("health engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("timeout", e.cfg.Timeout),
		zap.Int("unhealthy_threshold", e.cfg.UnhealthyThreshold),
		zap.Duration("heartbeat_timeout", e.cfg.HeartbeatTimeout))
}

// Stop cancels the jobs cooperatively and waits for in-flight probes.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("health engine stopped")
}

func (e *Engine) probeLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CheckAll(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("probe sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepHeartbeats(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Error("heartbeat sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.log.Warn("services timed out without heartbeat", zap.Int64("count", n))
			}
		}
	}
}

func (e *Engine) selfHeartbeatLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.hb.Heartbeat(ctx, e.cfg.SelfID); err != nil && ctx.Err() == nil {
				e.log.Warn("self heartbeat failed", zap.Error(err))
			}
		}
	}
}

// CheckAll probes every registered service once and applies the
// results. Transport failures are expected and only drive the failure
// counters; storage errors are returned.
func (e *Engine) CheckAll(ctx context.Context) (Summary, error) {
	services, err := e.store.ListServices(ctx, store.ServiceFilter{})
	if err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Timestamp: store.Now()}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i := range services {
		svc := services[i]
		g.Go(func() error {
			healthy := e.probe(gctx, &svc)
			if err := e.store.ApplyProbeResult(gctx, svc.ID, healthy, e.cfg.UnhealthyThreshold); err != nil {
				return err
			}
			mu.Lock()
			summary.Checked++
			if healthy {
				summary.Healthy++
			} else {
				summary.Unhealthy++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// probe issues one GET against the service's health endpoint. Any 2xx
// within the timeout counts as healthy.
func (e *Engine) probe(ctx context.Context, svc *model.Service) bool {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.HealthURL(), nil)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.ProbesTotal.WithLabelValues("healthy").Inc()
		return true
	}
	metrics.ProbesTotal.WithLabelValues("unhealthy").Inc()
	return false
}

// SweepHeartbeats flips services that have been silent longer than the
// heartbeat timeout to unhealthy. Services that never heartbeat carry
// their registration time, so the predicate quiesces naturally.
func (e *Engine) SweepHeartbeats(ctx context.Context) (int64, error) {
	cutoff := store.Now().Add(-e.cfg.HeartbeatTimeout)
	n, err := e.store.SweepHeartbeats(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.HeartbeatTimeoutsTotal.Add(float64(n))
	}
	return n, nil
}

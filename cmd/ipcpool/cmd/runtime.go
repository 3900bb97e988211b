package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msto63/ipcpool/internal/ipc/builtin"
	"github.com/msto63/ipcpool/internal/ipc/engine"
	"github.com/msto63/ipcpool/internal/ipc/metrics"
	"github.com/msto63/ipcpool/internal/ipc/pool"
	"github.com/msto63/ipcpool/internal/ipc/procmgr"
	"github.com/msto63/ipcpool/pkg/core/config"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

// shutdownTimeout bounds how long closing waits for in-flight calls
const shutdownTimeout = 10 * time.Second

// poolRuntime is a started worker pool with its engine and metrics
type poolRuntime struct {
	manager  *procmgr.Manager
	engine   *engine.Engine
	registry *prometheus.Registry
	logger   *logging.Logger
}

// startPool launches cfg.Pool.MaxWorkers workers through launcher
func startPool(ctx context.Context, cfg *config.Config, launcher procmgr.Launcher) (*poolRuntime, error) {
	mgr := procmgr.New(pool.New(cfg.Pool.MaxWorkers), launcher, procmgr.Config{
		SpawnAttempts: cfg.Pool.SpawnAttempts,
		RetryDelay:    cfg.Pool.RetryDelay.Duration,
	})
	if err := mgr.Initialize(ctx, cfg.Pool.MaxWorkers); err != nil {
		_ = mgr.Shutdown(context.Background())
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry, cfg.Pool.Label)
	metrics.RegisterPool(registry, cfg.Pool.Label, mgr.Pool())

	eng := engine.New(mgr.Pool(), mgr, engine.ConfigFrom(cfg, builtin.Name),
		engine.WithRecorder(collector),
		engine.WithRateLimit(cfg.Pool.RateLimit, cfg.Pool.RateBurst),
	)

	return &poolRuntime{
		manager:  mgr,
		engine:   eng,
		registry: registry,
		logger:   logging.New("cli").With("vo", cfg.Pool.Label),
	}, nil
}

// startExecPool starts a pool of real worker processes as configured
func startExecPool(ctx context.Context, cfg *config.Config) (*poolRuntime, error) {
	execCfg, err := procmgr.ExecConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	return startPool(ctx, cfg, procmgr.NewExecLauncher(execCfg))
}

// Close terminates every worker
func (r *poolRuntime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.manager.Shutdown(ctx)
}

// serveMetrics exposes the runtime's metrics on addr until Shutdown
func (r *poolRuntime) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(r.registry))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Metrics server failed", "address", addr, "error", err)
		}
	}()
	r.logger.Info("Serving metrics", "address", addr)
	return srv
}

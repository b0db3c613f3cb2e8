package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/runlocal/infergate/internal/api"
	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/downloader"
	"github.com/runlocal/infergate/internal/health"
	"github.com/runlocal/infergate/internal/llmruntime"
	"github.com/runlocal/infergate/internal/logging"
	"github.com/runlocal/infergate/internal/metrics"
	"github.com/runlocal/infergate/internal/pool"
	"github.com/runlocal/infergate/internal/store"
)

// Daemon is the gateway's long-lived process: it owns the pool, the
// model-file cache index, and the HTTP server, and wires them
// together: runtime adapter, pool, API server, store, health checker.
type Daemon struct {
	Config Config
	Logger zerolog.Logger

	Store   *store.Store
	Pool    *pool.Pool
	Server  *api.Server
	Health  *health.Checker
	Metrics *metrics.Metrics

	cancel context.CancelFunc
}

// New loads configuration from disk and builds a Daemon.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from an already-loaded Config: opens the
// model-file cache index, resolves (or downloads) the llama-server
// binary, constructs the pool over every configured model, and mounts
// the HTTP API in front of it.
func NewWithConfig(cfg Config) (*Daemon, error) {
	logger := logging.New(cfg.Logging.File, cfg.Logging.Level)

	st, err := store.Open(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("open model-file store: %w", err)
	}

	dl := downloader.New()
	rt, err := resolveRuntime(dl, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	configs := make(map[string]domain.ModelConfig, len(cfg.Models))
	for name, mc := range cfg.Models {
		configs[name] = mc.ToDomain(name, cfg.ModelsDir)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	p := pool.New(rt, dl, configs, cfg.Concurrency, logger, m)
	p.SetFileStore(st)

	srv := api.NewServer(p, st, logger)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	checker := health.NewChecker(st, cfg.ModelsDir)

	return &Daemon{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Pool:    p,
		Server:  srv,
		Health:  checker,
		Metrics: m,
	}, nil
}

// resolveRuntime finds (or auto-downloads) the llama-server binary
// and wraps it in a domain.Runtime. The binary archive is fetched
// through the same downloader the pool uses for model weights. Tests
// construct llmruntime.NewMockRuntime directly instead of going
// through this path.
func resolveRuntime(dl domain.Downloader, logger zerolog.Logger) (domain.Runtime, error) {
	rt, err := llmruntime.NewSubprocessRuntime(GatewayHome())
	if err == nil {
		rt.SetProgress(func(msg string) { logger.Info().Msg(msg) })
		return rt, nil
	}

	logger.Warn().Err(err).Msg("llama-server not found; attempting auto-download")
	if _, dlErr := llmruntime.DownloadLlamaServer(context.Background(), GatewayHome(), dl, func(status string, pct float64) {
		logger.Info().Float64("pct", pct).Msg(status)
	}); dlErr != nil {
		return nil, fmt.Errorf("llama-server unavailable: %w (auto-download also failed: %v)", err, dlErr)
	}

	rt, err = llmruntime.NewSubprocessRuntime(GatewayHome())
	if err != nil {
		return nil, fmt.Errorf("llama-server downloaded but still unusable: %w", err)
	}
	rt.SetProgress(func(msg string) { logger.Info().Msg(msg) })
	return rt, nil
}

// Serve starts the HTTP server and the health-check loop, blocking
// until ctx is cancelled or a termination signal arrives, then drains
// the pool and closes the store.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.Pool.Dispose()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.Store.Close()
	}()

	d.Logger.Info().Str("addr", addr).Msg("infergate serving")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources without waiting for a signal,
// used by tests and by callers embedding the daemon programmatically.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Pool != nil {
		d.Pool.Dispose()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
}

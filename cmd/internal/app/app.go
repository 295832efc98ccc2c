// Package app wires the waplex runtime: config, logging, persistence backends, the session
// manager and the ops HTTP surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"waplex/cmd/internal/archive"
	"waplex/cmd/internal/bridge"
	"waplex/cmd/internal/metrics"
	"waplex/cmd/internal/persist"
	"waplex/cmd/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the waplex runtime: it owns the backends, the session manager and the ops server.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client

	manager   *session.Manager
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// New constructs a fully wired App. Backends left unconfigured are skipped: without a
// database nothing survives the process, without Redis there is no metadata cache.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.closeBackends()
		}
	}()

	durable, err := a.openDurable(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	sealer, err := newSealer(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := archive.New(archive.Config{
		Root:     cfg.SessionsDir,
		MaxBytes: cfg.ArchiveMaxBytes,
		Sealer:   sealer,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	factory, err := bridge.NewFactory(bridge.Config{
		URL:                cfg.BridgeURL,
		MaxCredentialBytes: cfg.ArchiveMaxBytes,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	a.collector = metrics.New(metrics.Config{})
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		a.collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw := persist.NewGateway(persist.GatewayConfig{
		Durable: durable,
		Cache:   cache,
		Timeout: cfg.StoreTimeout,
		Logger:  log,
	})

	a.manager, err = session.New(session.Options{
		Codec:              codec,
		Gateway:            gw,
		Factory:            factory,
		Observer:           a.collector,
		Logger:             log,
		DefaultWebhookURL:  cfg.DefaultWebhookURL,
		DefaultProxyURL:    cfg.DefaultProxyURL,
		ReapInterval:       cfg.ReapInterval,
		ReapTimeout:        cfg.ReapTimeout,
		BackupDelay:        cfg.BackupDelay,
		StoreTimeout:       cfg.StoreTimeout,
		RestoreConcurrency: cfg.RestoreConcurrency,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Manager exposes the session manager to embedding callers.
func (a *App) Manager() *session.Manager { return a.manager }

// Handler returns the ops HTTP handler with request ids and request logging applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	rt := routes{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		collector: a.collector,
		registry:  a.registry,
	}
	if a.redis != nil {
		rt.redis = a.redis
	}
	registerHTTP(mux, rt)
	return WithRequestID(WithRequestLogging(mux, a.log))
}

// Run restores this node's sessions, starts the reaper and serves the ops HTTP surface
// until ctx is cancelled or the server fails. Sessions are shut down before returning.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"node_id", a.cfg.NodeID,
		"db_enabled", a.dbPool != nil,
		"cache_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.manager.Start(ctx)
	rep := a.manager.RestoreSessions(ctx)
	a.log.Info("session.restore.done",
		"source", rep.Source,
		"restored", len(rep.Restored),
		"skipped", len(rep.Skipped),
		"failed", len(rep.Failures),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	// Shutdown closes the gateway; the pool and client are owned here.
	if d := a.manager.Shutdown(shutdownCtx); !d.OK() {
		a.log.Warn("session.shutdown.partial", "err", d.Err())
	}
	a.closeBackends()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) openDurable(ctx context.Context) (persist.Durable, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled", "note", "sessions will not survive a restart")
		return nil, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.dbPool = pool

	store, err := persist.NewPostgresStore(pool, a.cfg.NodeID, persist.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if a.cfg.DBAutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return store, nil
}

func (a *App) openCache(ctx context.Context) (persist.Cache, error) {
	if a.cfg.RedisURL == "" {
		a.log.Info("cache.disabled")
		return nil, nil
	}

	client, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.redis = client

	cache, err := persist.NewRedisCache(client,
		persist.WithPrefix(a.cfg.CachePrefix),
		persist.WithTTL(a.cfg.CacheTTL),
	)
	if err != nil {
		return nil, err
	}

	a.log.Info("cache.enabled.redis", "prefix", a.cfg.CachePrefix)
	return cache, nil
}

func (a *App) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("cache.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

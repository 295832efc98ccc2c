package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds each backend call made through a Gateway.
const DefaultTimeout = 5 * time.Second

// GatewayConfig wires the backends. Either may be nil.
type GatewayConfig struct {
	Durable Durable
	Cache   Cache
	// Timeout bounds each backend call. Defaults to DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gateway fronts the durable store and the cache.
//
// Unconfigured backends are skipped on writes and reported as ErrUnavailable on reads.
// Backend failures are wrapped with ErrUnavailable; callers decide whether they are fatal.
type Gateway struct {
	durable Durable
	cache   Cache
	timeout time.Duration
	log     *slog.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		durable: cfg.Durable,
		cache:   cfg.Cache,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.log == nil {
		g.log = slog.New(slog.DiscardHandler)
	}
	return g
}

// HasDurable reports whether a durable store is configured.
func (g *Gateway) HasDurable() bool { return g.durable != nil }

// HasCache reports whether a cache is configured.
func (g *Gateway) HasCache() bool { return g.cache != nil }

func (g *Gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func backendErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, backend, op, err)
}

// RecordTransient caches metadata of a session that is not yet authenticated.
// Nothing is written durably until the session connects.
func (g *Gateway) RecordTransient(ctx context.Context, m Metadata) error {
	if g.cache == nil {
		return nil
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return backendErr("cache", "put", g.cache.Put(ctx, m))
}

// RecordConnected writes metadata to both backends.
func (g *Gateway) RecordConnected(ctx context.Context, m Metadata) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	var errs []error
	if g.durable != nil {
		errs = append(errs, backendErr("durable", "save metadata", g.durable.SaveMetadata(ctx, m)))
	}
	if g.cache != nil {
		errs = append(errs, backendErr("cache", "put", g.cache.Put(ctx, m)))
	}
	return errors.Join(errs...)
}

// UpdateStatus updates the status in both backends. Missing rows and entries are fine.
func (g *Gateway) UpdateStatus(ctx context.Context, id, status string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	var errs []error
	if g.durable != nil {
		errs = append(errs, backendErr("durable", "update status", g.durable.UpdateStatus(ctx, id, status)))
	}
	if g.cache != nil {
		errs = append(errs, backendErr("cache", "set status", g.cache.SetStatus(ctx, id, status, time.Now())))
	}
	return errors.Join(errs...)
}

// SaveArchive stores the archive durably. Without a durable store there is nothing to do.
func (g *Gateway) SaveArchive(ctx context.Context, id, blob, digest string) error {
	if g.durable == nil {
		return nil
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return backendErr("durable", "save archive", g.durable.SaveArchive(ctx, id, blob, digest))
}

// ClearArchive drops the archive so the session is never restored again.
func (g *Gateway) ClearArchive(ctx context.Context, id string) error {
	if g.durable == nil {
		return nil
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return backendErr("durable", "clear archive", g.durable.ClearArchive(ctx, id))
}

// Forget removes the cache entry and its hash index.
func (g *Gateway) Forget(ctx context.Context, id, hash string) error {
	if g.cache == nil {
		return nil
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return backendErr("cache", "delete", g.cache.Delete(ctx, id, hash))
}

// Purge deletes the durable row of a session that never produced an archive.
func (g *Gateway) Purge(ctx context.Context, id string) error {
	if g.durable == nil {
		return nil
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return backendErr("durable", "purge", g.durable.Purge(ctx, id))
}

// Restorable lists durable rows eligible for restore.
func (g *Gateway) Restorable(ctx context.Context) ([]Record, error) {
	if g.durable == nil {
		return nil, fmt.Errorf("%w: no durable store configured", ErrUnavailable)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()

	rows, err := g.durable.ListRestorable(ctx)
	if err != nil {
		return nil, backendErr("durable", "list restorable", err)
	}
	return rows, nil
}

// CachedMetadata reads cached metadata. Returns ErrNotFound for missing entries.
func (g *Gateway) CachedMetadata(ctx context.Context, id string) (Metadata, error) {
	if g.cache == nil {
		return Metadata{}, fmt.Errorf("%w: no cache configured", ErrUnavailable)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()

	m, err := g.cache.Get(ctx, id)
	if err != nil {
		return Metadata{}, backendErr("cache", "get", err)
	}
	return m, nil
}

// ResolveHash maps a hash to its session id through the cache index.
func (g *Gateway) ResolveHash(ctx context.Context, hash string) (string, error) {
	if g.cache == nil {
		return "", fmt.Errorf("%w: no cache configured", ErrUnavailable)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()

	id, err := g.cache.ResolveHash(ctx, hash)
	if err != nil {
		return "", backendErr("cache", "resolve hash", err)
	}
	return id, nil
}

// Ping checks every configured backend.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	var errs []error
	if g.durable != nil {
		errs = append(errs, backendErr("durable", "ping", g.durable.Ping(ctx)))
	}
	if g.cache != nil {
		errs = append(errs, backendErr("cache", "ping", g.cache.Ping(ctx)))
	}
	return errors.Join(errs...)
}

// Close closes both backends.
func (g *Gateway) Close() error {
	var errs []error
	if g.durable != nil {
		errs = append(errs, g.durable.Close())
	}
	if g.cache != nil {
		errs = append(errs, g.cache.Close())
	}
	if err := errors.Join(errs...); err != nil {
		g.log.Warn("persist.close.fail", "err", err)
		return err
	}
	return nil
}

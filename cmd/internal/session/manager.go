package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"waplex/cmd/internal/archive"
	"waplex/cmd/internal/persist"
)

// Manager owns every live session of this process.
type Manager struct {
	opts     Options
	log      *slog.Logger
	codec    *archive.Codec
	gw       *persist.Gateway
	factory  ClientFactory
	observer Observer

	reg    *registry
	reaper *Reaper

	// ctx outlives individual sessions and is cancelled at the end of Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	closed       atomic.Bool
	shutdownOnce sync.Once
	actors       sync.WaitGroup
}

// New constructs a Manager. Call Start to run the reaper.
func New(opts Options) (*Manager, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		log:      opts.Logger,
		codec:    opts.Codec,
		gw:       opts.Gateway,
		factory:  opts.Factory,
		observer: opts.Observer,
		reg:      newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.reaper = NewReaper(opts.ReapInterval, m.sweepTick, opts.Logger)
	return m, nil
}

// Start runs the stale-session reaper until Shutdown or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	m.reaper.Start(ctx)
}

// CreateSession registers a new session and starts connecting it in the background.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Created, error) {
	const op = "session.CreateSession"

	if m.closed.Load() {
		return Created{}, OpError{Op: op, SessionID: req.ID, Kind: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Created{}, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := archive.ValidID(id); err != nil {
		return Created{}, OpError{Op: op, SessionID: id, Kind: ErrInvalidInput, Err: err}
	}

	webhook := strings.TrimSpace(req.WebhookURL)
	if webhook == "" {
		webhook = m.opts.DefaultWebhookURL
	}
	proxy := strings.TrimSpace(req.ProxyURL)
	if proxy == "" {
		proxy = m.opts.DefaultProxyURL
	}

	now := m.opts.Now().UTC()
	e := m.newEntry(id, strings.TrimSpace(req.TenantID), webhook, proxy)
	e.status = StatusConnecting
	e.registeredAt = now
	e.createdAt = now
	e.updatedAt = now

	if err := m.attachClient(e); err != nil {
		return Created{}, OpError{Op: op, SessionID: id, Kind: ErrProtocolFailure, Err: err}
	}
	if !m.reg.insert(e) {
		e.retire()
		return Created{}, OpError{Op: op, SessionID: id, Kind: ErrAlreadyExists}
	}
	if m.closed.Load() {
		// Lost a race with Shutdown; its snapshot may not include e.
		m.reg.remove(e)
		e.retire()
		return Created{}, OpError{Op: op, SessionID: id, Kind: ErrClosed}
	}

	m.startActor(e)
	m.observer.StatusChanged(id, StatusConnecting, now)
	m.log.Info("session.create", "session_id", id, "hash", e.hash, "tenant_id", e.tenantID)

	e.Emit(connectRequested{})
	return Created{ID: id, Hash: e.hash}, nil
}

func (m *Manager) newEntry(id, tenantID, webhook, proxy string) *entry {
	ctx, cancel := context.WithCancel(m.ctx)
	return &entry{
		id:         id,
		hash:       HashID(id),
		tenantID:   tenantID,
		webhookURL: webhook,
		proxyURL:   proxy,
		limiter:    newRateLimiter(m.opts.ReconnectLimit, m.opts.ReconnectWindow),
		retryDelay: m.opts.ReconnectBackoff,
		events:     make(chan Event, m.opts.MailboxSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Manager) attachClient(e *entry) error {
	c, err := m.factory.NewClient(ClientOptions{
		SessionID:  e.id,
		Hash:       e.hash,
		Dir:        m.codec.Dir(e.id),
		WebhookURL: e.webhookURL,
		ProxyURL:   e.proxyURL,
		Events:     e,
	})
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("client factory returned nil client")
	}
	e.client = c
	return nil
}

// DeleteSession logs the session out and erases every trace of it: durable archive,
// cache entry, local credentials and the in-memory indices. Unknown ids are a no-op.
// Steps are best-effort; failures are reported in the returned Diagnostics.
func (m *Manager) DeleteSession(ctx context.Context, id string) Diagnostics {
	e := m.reg.get(id)
	if e == nil {
		return Diagnostics{}
	}

	e.ops.Lock()
	defer e.ops.Unlock()

	return m.deleteLocked(ctx, e, true)
}

// deleteLocked tears e down. The caller holds e.ops.
func (m *Manager) deleteLocked(ctx context.Context, e *entry, logout bool) Diagnostics {
	var d Diagnostics
	if !e.retire() {
		// Already deleted, reaped or shut down.
		return d
	}

	if logout {
		if err := e.client.Logout(ctx); err != nil {
			d.add(e.id, "logout", err)
		}
	} else {
		_ = e.client.Disconnect(ctx)
	}

	d.add(e.id, "clear_archive", m.gw.ClearArchive(ctx, e.id))
	d.add(e.id, "cache_delete", m.gw.Forget(ctx, e.id, e.hash))
	d.add(e.id, "remove_dir", m.codec.Remove(e.id))

	m.reg.remove(e)
	m.observer.SessionRemoved(e.id)

	if d.OK() {
		m.log.Info("session.delete", "session_id", e.id, "logout", logout)
	} else {
		m.log.Warn("session.delete.partial", "session_id", e.id, "logout", logout, "err", d.Err())
	}
	return d
}

// DisconnectSession closes the connection and keeps credentials. Unknown ids are a no-op.
func (m *Manager) DisconnectSession(ctx context.Context, id string) error {
	const op = "session.DisconnectSession"

	e := m.reg.get(id)
	if e == nil {
		return nil
	}

	e.ops.Lock()
	defer e.ops.Unlock()
	if e.retired() {
		return nil
	}

	m.cancelTimers(e)
	err := e.client.Disconnect(ctx)

	now := m.opts.Now().UTC()
	e.mu.Lock()
	e.connectedSince = time.Time{}
	e.mu.Unlock()
	e.setStatus(StatusDisconnected, now)
	m.observer.StatusChanged(id, StatusDisconnected, now)

	if perr := m.gw.UpdateStatus(ctx, id, string(StatusDisconnected)); perr != nil {
		m.log.Warn("session.disconnect.persist.fail", "session_id", id, "err", perr)
	}
	if err != nil {
		return OpError{Op: op, SessionID: id, Kind: ErrProtocolFailure, Err: err}
	}
	m.log.Info("session.disconnect", "session_id", id)
	return nil
}

// ReconnectSession drops the current connection and connects again. Unknown ids are a
// no-op. Reconnects are limited per session; excess calls fail with ErrRateLimited.
func (m *Manager) ReconnectSession(ctx context.Context, id string) error {
	const op = "session.ReconnectSession"

	e := m.reg.get(id)
	if e == nil {
		return nil
	}

	now := m.opts.Now().UTC()
	if ok, retry := e.limiter.allow(now); !ok {
		return OpError{Op: op, SessionID: id, Kind: ErrRateLimited, Err: RateLimitError{SessionID: id, RetryAfter: retry}}
	}

	e.ops.Lock()
	defer e.ops.Unlock()
	if e.retired() {
		return nil
	}

	m.cancelTimers(e)
	if err := m.reconnectLocked(ctx, e); err != nil {
		return OpError{Op: op, SessionID: id, Kind: ErrProtocolFailure, Err: err}
	}
	return nil
}

// reconnectLocked cycles the connection. The caller holds e.ops.
func (m *Manager) reconnectLocked(ctx context.Context, e *entry) error {
	now := m.opts.Now().UTC()
	m.observer.ReconnectAttempt(e.id, now)

	_ = e.client.Disconnect(ctx)

	e.mu.Lock()
	e.reconnecting = true
	e.connectedSince = time.Time{}
	e.mu.Unlock()
	e.setStatus(StatusConnecting, now)
	m.observer.StatusChanged(e.id, StatusConnecting, now)

	if err := m.connectLocked(ctx, e); err != nil {
		return err
	}
	m.log.Info("session.reconnect", "session_id", e.id)
	return nil
}

// connectLocked runs Client.Connect bounded by ConnectTimeout and by the session lifetime.
func (m *Manager) connectLocked(ctx context.Context, e *entry) error {
	cctx, cancel := context.WithTimeout(e.ctx, m.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := e.client.Connect(cctx); err != nil {
		now := m.opts.Now().UTC()
		e.setStatus(StatusDisconnected, now)
		m.observer.StatusChanged(e.id, StatusDisconnected, now)
		m.observer.Error(e.id, err, now)
		m.log.Warn("session.connect.fail", "session_id", e.id, "err", err)
		return err
	}
	return nil
}

// ListSessions returns a snapshot of every registered session, in no particular order.
func (m *Manager) ListSessions() []Session {
	entries := m.reg.snapshot()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int { return m.reg.len() }

// GetSession returns the live session with id.
func (m *Manager) GetSession(id string) (Session, error) {
	e := m.reg.get(id)
	if e == nil {
		return Session{}, OpError{Op: "session.GetSession", SessionID: id, Kind: ErrNotFound}
	}
	return e.snapshot(), nil
}

// GetSessionByHash returns the live session whose hash is hash.
func (m *Manager) GetSessionByHash(hash string) (Session, error) {
	e := m.reg.getByHash(hash)
	if e == nil {
		return Session{}, OpError{Op: "session.GetSessionByHash", Kind: ErrNotFound}
	}
	return e.snapshot(), nil
}

// ResolveHash maps a routing hash to a session id, falling back to the cache index for
// sessions owned by another process.
func (m *Manager) ResolveHash(ctx context.Context, hash string) (string, error) {
	const op = "session.ResolveHash"

	if e := m.reg.getByHash(hash); e != nil {
		return e.id, nil
	}
	if !m.gw.HasCache() {
		return "", OpError{Op: op, Kind: ErrNotFound}
	}
	id, err := m.gw.ResolveHash(ctx, hash)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, persist.ErrNotFound):
		return "", OpError{Op: op, Kind: ErrNotFound}
	default:
		return "", OpError{Op: op, Kind: ErrBackendUnavailable, Err: err}
	}
}

// SessionInfo returns the live snapshot, or the cached metadata of a session that is not
// registered here.
func (m *Manager) SessionInfo(ctx context.Context, id string) (Session, error) {
	const op = "session.SessionInfo"

	if e := m.reg.get(id); e != nil {
		return e.snapshot(), nil
	}
	if !m.gw.HasCache() {
		return Session{}, OpError{Op: op, SessionID: id, Kind: ErrNotFound}
	}
	meta, err := m.gw.CachedMetadata(ctx, id)
	switch {
	case err == nil:
		return fromMetadata(meta), nil
	case errors.Is(err, persist.ErrNotFound):
		return Session{}, OpError{Op: op, SessionID: id, Kind: ErrNotFound}
	default:
		return Session{}, OpError{Op: op, SessionID: id, Kind: ErrBackendUnavailable, Err: err}
	}
}

// Shutdown stops the reaper, retires every session and disconnects its client, then closes
// the persistence backends. Credentials are kept. Only the first call does anything.
func (m *Manager) Shutdown(ctx context.Context) Diagnostics {
	var out Diagnostics
	m.shutdownOnce.Do(func() {
		m.closed.Store(true)
		m.reaper.Stop()

		entries := m.reg.snapshot()
		var (
			mu sync.Mutex
			d  Diagnostics
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(m.opts.RestoreConcurrency, 8))
		for _, e := range entries {
			g.Go(func() error {
				first := e.retire()
				e.ops.Lock()
				defer e.ops.Unlock()

				if first {
					if err := e.client.Disconnect(gctx); err != nil {
						mu.Lock()
						d.add(e.id, "disconnect", err)
						mu.Unlock()
					}
				}
				m.reg.remove(e)
				return nil
			})
		}
		_ = g.Wait()

		d.add("", "close_backends", m.gw.Close())
		m.cancel()
		m.actors.Wait()

		m.log.Info("session.shutdown", "sessions", len(entries), "failures", len(d.Failures))
		out = d
	})
	return out
}

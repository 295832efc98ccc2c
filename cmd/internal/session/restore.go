package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"waplex/cmd/internal/persist"
)

const (
	restoreSourceDurable    = "durable"
	restoreSourceFilesystem = "filesystem"
)

var errAlreadyRegistered = errors.New("already registered")

// seed is what restore knows about a session before registering it.
type seed struct {
	id         string
	tenantID   string
	webhookURL string
	proxyURL   string
	digest     string
	createdAt  time.Time
}

// RestoreSessions re-registers and reconnects the sessions owned by this node.
//
// The durable store is the source of truth: every restorable row is unpacked into the
// sessions directory and connected. When the store is unreachable or holds no rows, the
// sessions directory is scanned instead and enriched with cached metadata. A session that
// fails is reported and skipped; the others proceed.
func (m *Manager) RestoreSessions(ctx context.Context) RestoreReport {
	rows, err := m.gw.Restorable(ctx)
	switch {
	case err != nil:
		m.log.Warn("session.restore.durable.unavailable", "err", err)
	case len(rows) == 0:
		m.log.Info("session.restore.durable.empty")
	default:
		return m.restoreDurable(ctx, rows)
	}
	return m.restoreFilesystem(ctx)
}

func (m *Manager) restoreDurable(ctx context.Context, rows []persist.Record) RestoreReport {
	rep := RestoreReport{Source: restoreSourceDurable}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(m.opts.RestoreConcurrency)

	for _, row := range rows {
		g.Go(func() error {
			id := row.SessionID
			if m.reg.get(id) != nil {
				mu.Lock()
				rep.Skipped = append(rep.Skipped, id)
				mu.Unlock()
				return nil
			}

			if err := m.codec.Unpack(id, row.Archive); err != nil {
				m.log.Error("session.restore.unpack.fail", "session_id", id, "err", err)
				mu.Lock()
				rep.add(id, "unpack", OpError{Op: "session.RestoreSessions", SessionID: id, Kind: classify(err), Err: err})
				mu.Unlock()
				return nil
			}

			err := m.restoreOne(ctx, seed{
				id:         id,
				tenantID:   row.TenantID,
				webhookURL: row.WebhookURL,
				proxyURL:   row.ProxyURL,
				digest:     row.Digest,
			})
			m.recordRestore(&mu, &rep, id, err)
			return nil
		})
	}
	_ = g.Wait()

	return m.finishRestore(rep)
}

func (m *Manager) restoreFilesystem(ctx context.Context) RestoreReport {
	rep := RestoreReport{Source: restoreSourceFilesystem}

	ids, err := m.codec.Scan()
	if err != nil {
		m.log.Error("session.restore.scan.fail", "err", err)
		rep.add("", "scan", err)
		return rep
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.opts.RestoreConcurrency)

	for _, id := range ids {
		g.Go(func() error {
			if m.reg.get(id) != nil {
				mu.Lock()
				rep.Skipped = append(rep.Skipped, id)
				mu.Unlock()
				return nil
			}

			s := seed{id: id}
			if m.gw.HasCache() {
				if meta, err := m.gw.CachedMetadata(ctx, id); err == nil {
					s.tenantID = meta.TenantID
					s.webhookURL = meta.WebhookURL
					s.proxyURL = meta.ProxyURL
					s.createdAt = meta.CreatedAt
				} else if !errors.Is(err, persist.ErrNotFound) {
					m.log.Debug("session.restore.cache.miss", "session_id", id, "err", err)
				}
			}

			m.recordRestore(&mu, &rep, id, m.restoreOne(ctx, s))
			return nil
		})
	}
	_ = g.Wait()

	return m.finishRestore(rep)
}

func (m *Manager) recordRestore(mu *sync.Mutex, rep *RestoreReport, id string, err error) {
	mu.Lock()
	defer mu.Unlock()

	switch {
	case err == nil:
		rep.Restored = append(rep.Restored, id)
	case errors.Is(err, errAlreadyRegistered):
		rep.Skipped = append(rep.Skipped, id)
	default:
		m.log.Error("session.restore.fail", "session_id", id, "err", err)
		rep.add(id, "connect", err)
	}
}

func (m *Manager) finishRestore(rep RestoreReport) RestoreReport {
	sort.Strings(rep.Restored)
	sort.Strings(rep.Skipped)
	m.log.Info("session.restore",
		"source", rep.Source,
		"restored", len(rep.Restored),
		"skipped", len(rep.Skipped),
		"failed", len(rep.Failures),
	)
	return rep
}

// restoreOne registers a session whose credentials are already on disk and connects it.
// A session that registers but fails to connect stays registered as disconnected and is
// retried automatically.
func (m *Manager) restoreOne(ctx context.Context, s seed) error {
	const op = "session.RestoreSessions"

	if m.closed.Load() {
		return OpError{Op: op, SessionID: s.id, Kind: ErrClosed}
	}

	webhook := s.webhookURL
	if webhook == "" {
		webhook = m.opts.DefaultWebhookURL
	}
	proxy := s.proxyURL
	if proxy == "" {
		proxy = m.opts.DefaultProxyURL
	}

	now := m.opts.Now().UTC()
	e := m.newEntry(s.id, s.tenantID, webhook, proxy)
	e.status = StatusConnecting
	e.registeredAt = now
	if !s.createdAt.IsZero() {
		e.registeredAt = s.createdAt
	}
	e.updatedAt = now
	e.lastDigest = s.digest

	if err := m.attachClient(e); err != nil {
		return OpError{Op: op, SessionID: s.id, Kind: ErrProtocolFailure, Err: err}
	}
	if !m.reg.insert(e) {
		e.retire()
		return errAlreadyRegistered
	}
	if m.closed.Load() {
		m.reg.remove(e)
		e.retire()
		return OpError{Op: op, SessionID: s.id, Kind: ErrClosed}
	}

	m.startActor(e)
	m.observer.StatusChanged(s.id, StatusConnecting, now)

	e.ops.Lock()
	defer e.ops.Unlock()
	if e.retired() {
		return nil
	}
	if err := m.connectLocked(ctx, e); err != nil {
		if !m.opts.DisableAutoReconnect {
			m.scheduleReconnect(e)
		}
		return OpError{Op: op, SessionID: s.id, Kind: ErrProtocolFailure, Err: err}
	}

	m.log.Info("session.restore.connect", "session_id", s.id)
	return nil
}

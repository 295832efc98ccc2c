package session

import (
	"fmt"
	"runtime/debug"
	"time"

	"waplex/cmd/internal/persist"
)

// startActor runs the goroutine that serves e's mailbox until e is retired.
func (m *Manager) startActor(e *entry) {
	m.actors.Add(1)
	go func() {
		defer m.actors.Done()
		for {
			select {
			case <-e.done:
				return
			case ev := <-e.events:
				m.handle(e, ev)
			}
		}
	}()
}

// handle processes one event under e's lifecycle lock. A panicking handler is logged and
// the mailbox keeps being served.
func (m *Manager) handle(e *entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session.event.panic",
				"session_id", e.id,
				"event", fmt.Sprintf("%T", ev),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	e.ops.Lock()
	defer e.ops.Unlock()
	if e.retired() {
		return
	}

	switch ev := ev.(type) {
	case connectRequested:
		m.onConnectRequested(e)
	case FirstFactorChallenge:
		m.onChallenge(e, ev)
	case Authenticated:
		m.onAuthenticated(e, ev)
	case Disconnected:
		m.onDisconnected(e, ev)
	case CredentialsUpdated:
		if e.currentStatus() == StatusConnected {
			m.scheduleBackup(e)
		}
	case MessageReceived:
		m.observer.MessageReceived(e.id, ev)
	case CallReceived:
		m.observer.CallReceived(e.id, ev)
	case ProtocolError:
		now := m.opts.Now().UTC()
		if ev.MessageID != "" {
			m.observer.MessageFailed(e.id, now)
		}
		m.observer.Error(e.id, ev, now)
		m.log.Warn("session.protocol.error", "session_id", e.id, "code", ev.Code, "err", ev.Message)
	case backupDue:
		m.backup(e, ev.gen)
	case reconnectDue:
		m.onReconnectDue(e, ev.gen)
	default:
		m.log.Warn("session.event.unknown", "session_id", e.id, "event", fmt.Sprintf("%T", ev))
	}
}

func (m *Manager) metadata(e *entry) persist.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()

	md := persist.Metadata{
		ID:         e.id,
		Hash:       e.hash,
		Status:     string(e.status),
		Phone:      e.phone,
		Name:       e.name,
		WebhookURL: e.webhookURL,
		TenantID:   e.tenantID,
		ProxyURL:   e.proxyURL,
		CreatedAt:  e.registeredAt,
		UpdatedAt:  e.updatedAt,
	}
	if !e.lastConnected.IsZero() {
		t := e.lastConnected
		md.LastConnected = &t
	}
	return md
}

func (m *Manager) onConnectRequested(e *entry) {
	if err := m.gw.RecordTransient(m.ctx, m.metadata(e)); err != nil {
		m.log.Warn("session.cache.fail", "session_id", e.id, "err", err)
	}
	if err := m.connectLocked(m.ctx, e); err == nil {
		m.log.Debug("session.connect", "session_id", e.id)
	}
}

func (m *Manager) onChallenge(e *entry, ev FirstFactorChallenge) {
	now := m.opts.Now().UTC()
	e.setStatus(StatusAwaitingConfirmation, now)
	e.mu.Lock()
	e.qr = ev.Code
	e.mu.Unlock()

	m.observer.StatusChanged(e.id, StatusAwaitingConfirmation, now)
	if err := m.gw.UpdateStatus(m.ctx, e.id, string(StatusAwaitingConfirmation)); err != nil {
		m.log.Warn("session.cache.fail", "session_id", e.id, "err", err)
	}
	m.log.Info("session.challenge", "session_id", e.id, "expires_in", ev.ExpiresIn)
}

func (m *Manager) onAuthenticated(e *entry, ev Authenticated) {
	now := m.opts.Now().UTC()

	info := ev
	if info.Phone == "" && info.Name == "" {
		ci := e.client.Info()
		info = Authenticated{Phone: ci.Phone, Name: ci.Name}
	}

	e.mu.Lock()
	e.createdAt = time.Time{}
	e.connectedSince = now
	e.lastConnected = now
	e.phone = info.Phone
	e.name = info.Name
	e.retryDelay = m.opts.ReconnectBackoff
	wasReconnecting := e.reconnecting
	e.reconnecting = false
	e.mu.Unlock()
	e.setStatus(StatusConnected, now)

	m.observer.StatusChanged(e.id, StatusConnected, now)
	if wasReconnecting {
		m.observer.ReconnectSucceeded(e.id, now)
	}

	if err := m.gw.RecordConnected(m.ctx, m.metadata(e)); err != nil {
		m.log.Warn("session.persist.fail", "session_id", e.id, "err", err)
	}
	m.scheduleBackup(e)

	m.log.Info("session.connected", "session_id", e.id, "phone", info.Phone)
}

func (m *Manager) onDisconnected(e *entry, ev Disconnected) {
	if ev.Reason == ReasonLoggedOut {
		m.log.Info("session.logged_out", "session_id", e.id)
		// The account revoked this device; the credentials are void.
		m.deleteLocked(m.ctx, e, false)
		return
	}

	now := m.opts.Now().UTC()
	m.cancelTimers(e)

	e.mu.Lock()
	authenticated := e.createdAt.IsZero()
	e.connectedSince = time.Time{}
	e.mu.Unlock()
	e.setStatus(StatusDisconnected, now)

	m.observer.StatusChanged(e.id, StatusDisconnected, now)
	if err := m.gw.UpdateStatus(m.ctx, e.id, string(StatusDisconnected)); err != nil {
		m.log.Warn("session.persist.fail", "session_id", e.id, "err", err)
	}
	m.log.Info("session.disconnected", "session_id", e.id, "reason", string(ev.Reason), "code", ev.Code)

	// Dropped connections of authenticated sessions come back on their own. A session that
	// never authenticated keeps its reap deadline and is removed by the reaper once it
	// expires, unless an operator reconnects it and pairing completes first.
	retryable := ev.Reason == ReasonConnectionLost || ev.Reason == ReasonRestartRequired
	if retryable && authenticated && !m.opts.DisableAutoReconnect {
		m.scheduleReconnect(e)
	}
}

func (m *Manager) onReconnectDue(e *entry, gen uint64) {
	e.mu.Lock()
	current := gen == e.retryGen
	e.mu.Unlock()
	if !current || e.currentStatus() != StatusDisconnected {
		return
	}

	if err := m.reconnectLocked(m.ctx, e); err != nil {
		// connectLocked already marked the session disconnected; try again later.
		m.scheduleReconnect(e)
	}
}

// scheduleBackup (re)arms the debounced backup timer. The caller holds e.ops.
func (m *Manager) scheduleBackup(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.backupGen++
	gen := e.backupGen
	if e.backupTimer != nil {
		e.backupTimer.Stop()
	}
	e.backupTimer = time.AfterFunc(m.opts.BackupDelay, func() { e.Emit(backupDue{gen: gen}) })
}

// scheduleReconnect arms the automatic reconnect timer with exponential backoff.
func (m *Manager) scheduleReconnect(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.retryGen++
	gen := e.retryGen
	delay := e.retryDelay
	e.retryDelay = min(e.retryDelay*2, m.opts.ReconnectBackoffMax)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, func() { e.Emit(reconnectDue{gen: gen}) })

	m.log.Debug("session.reconnect.scheduled", "session_id", e.id, "delay", delay)
}

// cancelTimers invalidates pending backups and reconnects.
func (m *Manager) cancelTimers(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.backupGen++
	if e.backupTimer != nil {
		e.backupTimer.Stop()
	}
	e.retryGen++
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
}

// backup packs the credential directory and stores it durably, unless a newer backup was
// scheduled, the session is no longer connected, or the content did not change.
func (m *Manager) backup(e *entry, gen uint64) {
	e.mu.Lock()
	stale := gen != e.backupGen || e.status != StatusConnected
	lastDigest := e.lastDigest
	e.mu.Unlock()
	if stale {
		return
	}
	if m.reg.get(e.id) != e {
		return
	}

	a, ok, err := m.codec.Pack(e.id)
	if err != nil {
		m.observer.Error(e.id, err, m.opts.Now().UTC())
		m.log.Error("session.backup.fail", "session_id", e.id, "err", err)
		return
	}
	if !ok {
		m.log.Warn("session.backup.skip", "session_id", e.id, "reason", "no credential directory")
		return
	}
	if a.Digest == lastDigest {
		m.log.Debug("session.backup.unchanged", "session_id", e.id)
		return
	}

	if err := m.gw.SaveArchive(m.ctx, e.id, a.Blob, a.Digest); err != nil {
		m.log.Error("session.backup.fail", "session_id", e.id, "err", err)
		return
	}

	e.mu.Lock()
	e.lastDigest = a.Digest
	e.mu.Unlock()
	m.log.Info("session.backup", "session_id", e.id, "bytes", a.Size)
}

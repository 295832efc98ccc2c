package session

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const reapParallelism = 8

// Reaper calls a sweep function on a fixed interval until stopped.
// A panicking or slow sweep never stops the loop; the next tick runs as scheduled.
type Reaper struct {
	interval time.Duration
	sweep    func(ctx context.Context, now time.Time)
	log      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReaper constructs a stopped Reaper.
func NewReaper(interval time.Duration, sweep func(ctx context.Context, now time.Time), log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reaper{
		interval: interval,
		sweep:    sweep,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Subsequent calls are no-ops.
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.loop(ctx)
		r.log.Info("session.reaper.start", "interval", r.interval)
	})
}

// Stop ends the loop and waits for an in-flight sweep. Safe to call more than once and
// before Start.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		<-r.done
	}
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case now := <-t.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Reaper) tick(ctx context.Context, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session.reaper.panic", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	r.sweep(ctx, now)
}

func (m *Manager) sweepTick(ctx context.Context, now time.Time) {
	res := m.Sweep(ctx, now)
	if len(res.Reaped) > 0 || len(res.Busy) > 0 {
		m.log.Info("session.reaper.sweep", "examined", res.Examined, "reaped", len(res.Reaped), "busy", len(res.Busy))
	}
}

// Sweep removes sessions that have stayed unauthenticated for longer than ReapTimeout.
// Each candidate is handled in isolation: a busy session is skipped until the next tick and
// a failing one does not affect the others.
func (m *Manager) Sweep(ctx context.Context, now time.Time) SweepResult {
	entries := m.reg.snapshot()
	res := SweepResult{Examined: len(entries)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(reapParallelism)

	for _, e := range entries {
		if !m.stale(e, now) {
			continue
		}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("session.reap.panic", "session_id", e.id, "panic", p, "stack", string(debug.Stack()))
				}
			}()

			reaped, busy := m.reapOne(ctx, e, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case reaped:
				res.Reaped = append(res.Reaped, e.id)
			case busy:
				res.Busy = append(res.Busy, e.id)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Reaped)
	sort.Strings(res.Busy)
	return res
}

// stale reports whether e never authenticated and outlived ReapTimeout. A pairing session
// whose connection dropped, or whose first Connect failed, sits in disconnected and is
// reaped the same way.
func (m *Manager) stale(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createdAt.IsZero() || now.Sub(e.createdAt) <= m.opts.ReapTimeout {
		return false
	}
	return e.status.transient() || e.status == StatusDisconnected
}

func (m *Manager) reapOne(ctx context.Context, e *entry, now time.Time) (reaped, busy bool) {
	if !e.ops.TryLock() {
		return false, true
	}
	defer e.ops.Unlock()

	// Re-check under the lock: the session may have authenticated or been deleted since
	// the snapshot.
	if e.retired() || !m.stale(e, now) {
		return false, false
	}
	// An authentication still waiting in the mailbox wins over the timeout.
	if e.client.Status() == StatusConnected {
		return false, false
	}

	e.mu.Lock()
	age := now.Sub(e.createdAt)
	e.mu.Unlock()

	e.retire()
	if err := e.client.Disconnect(ctx); err != nil {
		m.log.Debug("session.reap.disconnect.fail", "session_id", e.id, "err", err)
	}
	if !m.reg.remove(e) {
		return false, false
	}

	if err := m.gw.Forget(ctx, e.id, e.hash); err != nil {
		m.log.Warn("session.reap.cache.fail", "session_id", e.id, "err", err)
	}
	if err := m.gw.Purge(ctx, e.id); err != nil {
		m.log.Warn("session.reap.purge.fail", "session_id", e.id, "err", err)
	}
	// Partial pairing state must not be picked up by a filesystem restore.
	if err := m.codec.Remove(e.id); err != nil {
		m.log.Warn("session.reap.remove_dir.fail", "session_id", e.id, "err", err)
	}
	m.observer.SessionRemoved(e.id)

	m.log.Info("session.reap", "session_id", e.id, "age", age.Round(time.Second))
	return true, false
}

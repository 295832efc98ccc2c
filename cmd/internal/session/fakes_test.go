package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waplex/cmd/internal/archive"
	"waplex/cmd/internal/persist"
)

type fakeClient struct {
	opts ClientOptions

	mu          sync.Mutex
	status      Status
	connects    int
	disconnects int
	logouts     int
	connectErr  error
	logoutErr   error

	// autoAuth writes credentials and reports authentication on Connect.
	autoAuth bool
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	auto := c.autoAuth
	if err == nil {
		c.status = StatusConnecting
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		c.authenticate()
	}
	return nil
}

func (c *fakeClient) authenticate() {
	_ = os.MkdirAll(c.opts.Dir, 0o700)
	_ = os.WriteFile(filepath.Join(c.opts.Dir, "creds.json"), []byte(`{"me":{"id":"`+c.opts.SessionID+`"}}`), 0o600)
	c.setStatus(StatusConnected)
	c.opts.Events.Emit(Authenticated{Phone: "+15550001", Name: c.opts.SessionID})
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.status = StatusDisconnected
	return nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	c.status = StatusLoggedOut
	return c.logoutErr
}

func (c *fakeClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeClient) Info() ClientInfo { return ClientInfo{Phone: "+15550001"} }

func (c *fakeClient) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *fakeClient) emit(ev Event) { c.opts.Events.Emit(ev) }

func (c *fakeClient) counts() (connects, disconnects, logouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, c.logouts
}

type fakeFactory struct {
	mu        sync.Mutex
	clients   map[string]*fakeClient
	created   int
	configure func(*fakeClient)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient)}
}

func (f *fakeFactory) NewClient(opts ClientOptions) (Client, error) {
	c := &fakeClient{opts: opts, status: StatusDisconnected}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configure != nil {
		f.configure(c)
	}
	f.created++
	// Keep the first client of an id; duplicates are discarded by the manager.
	if _, ok := f.clients[opts.SessionID]; !ok {
		f.clients[opts.SessionID] = c
	}
	return c, nil
}

func (f *fakeFactory) client(t *testing.T, id string) *fakeClient {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	require.True(t, ok, "no client for %s", id)
	return c
}

func (f *fakeFactory) forget(id string) {
	f.mu.Lock()
	delete(f.clients, id)
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	NopObserver

	mu        sync.Mutex
	removed   map[string]int
	attempts  int
	successes int
	statuses  []Status
	received  int
	failed    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{removed: make(map[string]int)}
}

func (o *countingObserver) StatusChanged(_ string, s Status, _ time.Time) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.mu.Unlock()
}

func (o *countingObserver) SessionRemoved(id string) {
	o.mu.Lock()
	o.removed[id]++
	o.mu.Unlock()
}

func (o *countingObserver) ReconnectAttempt(string, time.Time) {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()
}

func (o *countingObserver) ReconnectSucceeded(string, time.Time) {
	o.mu.Lock()
	o.successes++
	o.mu.Unlock()
}

func (o *countingObserver) MessageReceived(string, MessageReceived) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *countingObserver) MessageFailed(string, time.Time) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func (o *countingObserver) removedCount(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removed[id]
}

// countingDurable counts archive writes and can simulate an outage.
type countingDurable struct {
	*persist.MemoryDurable

	mu    sync.Mutex
	saves int
	down  bool
}

func (d *countingDurable) SaveArchive(ctx context.Context, id, blob, digest string) error {
	d.mu.Lock()
	d.saves++
	d.mu.Unlock()
	return d.MemoryDurable.SaveArchive(ctx, id, blob, digest)
}

func (d *countingDurable) ListRestorable(ctx context.Context) ([]persist.Record, error) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		return nil, errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
	}
	return d.MemoryDurable.ListRestorable(ctx)
}

func (d *countingDurable) saveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saves
}

type testEnv struct {
	m        *Manager
	factory  *fakeFactory
	codec    *archive.Codec
	durable  *countingDurable
	cache    *persist.MemoryCache
	clock    *fakeClock
	observer *countingObserver
}

func newTestEnv(t *testing.T, mut func(*Options)) *testEnv {
	t.Helper()

	codec, err := archive.New(archive.Config{Root: t.TempDir()})
	require.NoError(t, err)

	env := &testEnv{
		factory:  newFakeFactory(),
		codec:    codec,
		durable:  &countingDurable{MemoryDurable: persist.NewMemoryDurable()},
		cache:    persist.NewMemoryCache(time.Hour),
		clock:    newFakeClock(),
		observer: newCountingObserver(),
	}

	opts := Options{
		Codec:                codec,
		Gateway:              persist.NewGateway(persist.GatewayConfig{Durable: env.durable, Cache: env.cache, Timeout: time.Second}),
		Factory:              env.factory,
		Observer:             env.observer,
		BackupDelay:          10 * time.Millisecond,
		ReconnectBackoff:     10 * time.Millisecond,
		ReconnectBackoffMax:  50 * time.Millisecond,
		DisableAutoReconnect: true,
		Now:                  env.clock.Now,
	}
	if mut != nil {
		mut(&opts)
	}

	env.m, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { env.m.Shutdown(context.Background()) })
	return env
}

// writeCredentials creates a usable credential directory for id.
func writeCredentials(t *testing.T, codec *archive.Codec, id string) {
	t.Helper()
	dir := codec.Dir(id)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "creds.json"), []byte(`{"me":{"id":"`+id+`"}}`), 0o600))
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := m.GetSession(id)
		return err == nil && s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func waitGone(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := m.GetSession(id)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond, "session %s was never removed", id)
}

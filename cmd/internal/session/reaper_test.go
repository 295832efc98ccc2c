package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waplex/cmd/internal/persist"
)

func createPairing(t *testing.T, env *testEnv, id string) *fakeClient {
	t.Helper()
	_, err := env.m.CreateSession(context.Background(), CreateRequest{ID: id})
	require.NoError(t, err)
	c := env.factory.client(t, id)
	require.Eventually(t, func() bool {
		n, _, _ := c.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	return c
}

func TestSweep_ReapsStalePairingSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	c := createPairing(t, env, "acct-2")
	writeCredentials(t, env.codec, "acct-2")

	res := env.m.Sweep(ctx, env.clock.Now().Add(5*time.Minute))
	assert.Empty(t, res.Reaped, "not stale yet")

	env.clock.Advance(11 * time.Minute)
	res = env.m.Sweep(ctx, env.clock.Now())
	assert.Equal(t, []string{"acct-2"}, res.Reaped)
	assert.Equal(t, 1, res.Examined)

	_, err := env.m.GetSession("acct-2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.m.GetSessionByHash(HashID("acct-2"))
	require.ErrorIs(t, err, ErrNotFound)

	_, disconnects, logouts := c.counts()
	assert.Equal(t, 1, disconnects)
	assert.Zero(t, logouts)

	_, err = env.cache.Get(ctx, "acct-2")
	require.ErrorIs(t, err, persist.ErrNotFound)
	assert.Empty(t, mustScan(t, env))
	assert.Equal(t, 1, env.observer.removedCount("acct-2"))

	// A second sweep finds nothing.
	res = env.m.Sweep(ctx, env.clock.Now())
	assert.Empty(t, res.Reaped)
	assert.Zero(t, res.Examined)
}

func TestSweep_ReapsPairingSessionAfterDroppedConnection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	c := createPairing(t, env, "acct-2")
	c.emit(FirstFactorChallenge{Code: "2@abc", ExpiresIn: time.Minute})
	waitStatus(t, env.m, "acct-2", StatusAwaitingConfirmation)
	c.setStatus(StatusDisconnected)
	c.emit(Disconnected{Reason: ReasonConnectionLost})
	waitStatus(t, env.m, "acct-2", StatusDisconnected)

	res := env.m.Sweep(ctx, env.clock.Now())
	assert.Empty(t, res.Reaped, "not stale yet")

	env.clock.Advance(11 * time.Minute)
	res = env.m.Sweep(ctx, env.clock.Now())
	assert.Equal(t, []string{"acct-2"}, res.Reaped)

	_, err := env.m.GetSession("acct-2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.m.GetSessionByHash(HashID("acct-2"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = env.cache.Get(ctx, "acct-2")
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestSweep_ReapsSessionWhoseFirstConnectFailed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.factory.configure = func(c *fakeClient) { c.connectErr = errors.New("dial refused") }
	ctx := context.Background()

	_, err := env.m.CreateSession(ctx, CreateRequest{ID: "acct-5"})
	require.NoError(t, err)
	c := env.factory.client(t, "acct-5")
	require.Eventually(t, func() bool {
		n, _, _ := c.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	waitStatus(t, env.m, "acct-5", StatusDisconnected)

	env.clock.Advance(11 * time.Minute)
	res := env.m.Sweep(ctx, env.clock.Now())
	assert.Equal(t, []string{"acct-5"}, res.Reaped)

	_, err = env.m.GetSession("acct-5")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, env.m.Len())
}

func TestSweep_KeepsAuthenticatedSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.factory.configure = func(c *fakeClient) { c.autoAuth = true }

	_, err := env.m.CreateSession(context.Background(), CreateRequest{ID: "acct-1"})
	require.NoError(t, err)
	waitStatus(t, env.m, "acct-1", StatusConnected)

	// Disconnected later on; still never a reaper candidate.
	env.factory.client(t, "acct-1").emit(Disconnected{Reason: ReasonConnectionLost})
	waitStatus(t, env.m, "acct-1", StatusDisconnected)

	env.clock.Advance(time.Hour)
	res := env.m.Sweep(context.Background(), env.clock.Now())
	assert.Empty(t, res.Reaped)

	_, err = env.m.GetSession("acct-1")
	require.NoError(t, err)
}

func TestSweep_PendingAuthenticationWins(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	c := createPairing(t, env, "acct-1")
	// The client is already connected but the manager has not seen the event yet.
	c.setStatus(StatusConnected)

	env.clock.Advance(11 * time.Minute)
	res := env.m.Sweep(context.Background(), env.clock.Now())
	assert.Empty(t, res.Reaped)
	assert.Equal(t, 1, env.m.Len())
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	createPairing(t, env, "acct-1")
	env.clock.Advance(11 * time.Minute)

	e := env.m.reg.get("acct-1")
	require.NotNil(t, e)
	e.ops.Lock()
	res := env.m.Sweep(context.Background(), env.clock.Now())
	e.ops.Unlock()

	assert.Equal(t, []string{"acct-1"}, res.Busy)
	assert.Empty(t, res.Reaped)

	res = env.m.Sweep(context.Background(), env.clock.Now())
	assert.Equal(t, []string{"acct-1"}, res.Reaped)
}

func TestSweep_ConcurrentDeleteRemovesOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		env := newTestEnv(t, nil)
		createPairing(t, env, "acct-2")
		env.clock.Advance(11 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.m.Sweep(context.Background(), env.clock.Now())
		}()
		go func() {
			defer wg.Done()
			env.m.DeleteSession(context.Background(), "acct-2")
		}()
		wg.Wait()

		assert.Equal(t, 1, env.observer.removedCount("acct-2"))
		assert.Zero(t, env.m.Len())
		_, err := env.m.GetSessionByHash(HashID("acct-2"))
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestIndexConsistency(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.m.CreateSession(ctx, CreateRequest{ID: id})
			if id < "e" {
				env.m.DeleteSession(ctx, id)
			}
		}()
	}
	wg.Wait()

	sessions := env.m.ListSessions()
	require.Len(t, sessions, 4)
	for _, s := range sessions {
		byHash, err := env.m.GetSessionByHash(s.Hash)
		require.NoError(t, err)
		assert.Equal(t, s.ID, byHash.ID)
		assert.Equal(t, HashID(s.ID), s.Hash)
	}
	for _, id := range ids[:4] {
		_, err := env.m.GetSessionByHash(HashID(id))
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestReaper_SurvivesPanicsAndStopsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := NewReaper(5*time.Millisecond, func(context.Context, time.Time) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}, nil)

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	r.Stop()
	r.Stop()
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestReaper_StopBeforeStart(t *testing.T) {
	t.Parallel()

	r := NewReaper(time.Millisecond, func(context.Context, time.Time) { t.Error("sweep ran") }, nil)
	r.Stop()
	r.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
}

func mustScan(t *testing.T, env *testEnv) []string {
	t.Helper()
	ids, err := env.codec.Scan()
	require.NoError(t, err)
	return ids
}

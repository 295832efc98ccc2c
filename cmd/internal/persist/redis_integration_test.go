package persist

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when WAPLEX_TEST_REDIS_URL is set.

func TestRedisCache_Lifecycle(t *testing.T) {
	t.Parallel()

	client := mustOpenTestRedis(t)
	defer client.Close()

	prefix := "waplex_it_" + randomSuffix(t)
	c, err := NewRedisCache(client, WithPrefix(prefix+":"), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := testMeta("acct-1")
	if err := c.Put(ctx, m); err != nil {
		t.Fatalf("put: %v", err)
	}

	ttl, err := client.TTL(ctx, prefix+":session:acct-1").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	got, err := c.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != m.Hash || got.TenantID != m.TenantID {
		t.Fatalf("unexpected metadata: %+v", got)
	}

	id, err := c.ResolveHash(ctx, m.Hash)
	if err != nil || id != "acct-1" {
		t.Fatalf("resolve hash: id=%q err=%v", id, err)
	}

	if err := c.SetStatus(ctx, "acct-1", StatusConnected, time.Now()); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = c.Get(ctx, "acct-1")
	if got.Status != StatusConnected || got.LastConnected == nil {
		t.Fatalf("status not updated: %+v", got)
	}
	ttl, _ = client.TTL(ctx, prefix+":session:acct-1").Result()
	if ttl <= 0 {
		t.Fatalf("set status dropped the ttl: %v", ttl)
	}

	if err := c.SetStatus(ctx, "ghost", StatusConnected, time.Now()); err != nil {
		t.Fatalf("set status on missing key: %v", err)
	}
	if n, _ := client.Exists(ctx, prefix+":session:ghost").Result(); n != 0 {
		t.Fatalf("set status must not create entries")
	}

	if err := c.Delete(ctx, "acct-1", m.Hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get(ctx, "acct-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := c.ResolveHash(ctx, m.Hash); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for hash after delete, got %v", err)
	}
}

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("WAPLEX_TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: WAPLEX_TEST_REDIS_URL is not set")
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse WAPLEX_TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCacheTTL is how long cached session metadata lives without a refresh.
	DefaultCacheTTL = 30 * 24 * time.Hour

	// DefaultCachePrefix keeps keys compatible with existing webhook routers.
	DefaultCachePrefix = "whatsapp"

	maxWatchRetries = 3
)

// RedisCache implements Cache over Redis.
//
// Keys:
//
//	<prefix>:session:<id>  JSON Metadata
//	<prefix>:hash:<hash>   id
//
// Both keys are written in one MULTI/EXEC and deleted in one DEL.
// The client is owned by the caller; Close does not close it.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures the cache.
type RedisOption func(*RedisCache)

// WithPrefix sets the key prefix (default "whatsapp").
func WithPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			c.prefix = p
		}
	}
}

// WithTTL sets the entry lifetime (default 30 days).
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRedisCache constructs a RedisCache.
func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("persist: nil redis client")
	}
	c := &RedisCache{
		client: client,
		prefix: DefaultCachePrefix,
		ttl:    DefaultCacheTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *RedisCache) sessionKey(id string) string { return c.prefix + ":session:" + id }
func (c *RedisCache) hashKey(hash string) string  { return c.prefix + ":hash:" + hash }

// Put writes both keys with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, m Metadata) error {
	if m.ID == "" || m.Hash == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("persist: marshal metadata: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.sessionKey(m.ID), data, c.ttl)
		p.Set(ctx, c.hashKey(m.Hash), m.ID, c.ttl)
		return nil
	})
	return err
}

// Get reads the metadata of id.
func (c *RedisCache) Get(ctx context.Context, id string) (Metadata, error) {
	val, err := c.client.Get(ctx, c.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, err
	}

	var m Metadata
	if err := json.Unmarshal(val, &m); err != nil {
		return Metadata{}, fmt.Errorf("persist: unmarshal metadata: %w", err)
	}
	return m, nil
}

// ResolveHash returns the id indexed under hash.
func (c *RedisCache) ResolveHash(ctx context.Context, hash string) (string, error) {
	id, err := c.client.Get(ctx, c.hashKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

// SetStatus rewrites the status under WATCH so a concurrent Put or Delete is never undone.
// The remaining TTL is kept.
func (c *RedisCache) SetStatus(ctx context.Context, id, status string, now time.Time) error {
	key := c.sessionKey(id)

	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var m Metadata
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("persist: unmarshal metadata: %w", err)
		}
		m.Status = status
		m.UpdatedAt = now.UTC()
		if status == StatusConnected {
			ts := m.UpdatedAt
			m.LastConnected = &ts
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("persist: set status %s: %w", id, redis.TxFailedErr)
}

// Delete removes both keys in one command.
func (c *RedisCache) Delete(ctx context.Context, id, hash string) error {
	return c.client.Del(ctx, c.sessionKey(id), c.hashKey(hash)).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the caller.
func (c *RedisCache) Close() error { return nil }

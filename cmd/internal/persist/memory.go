package persist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDurable is a dev/test Durable backed by a map.
type MemoryDurable struct {
	mu   sync.Mutex
	rows map[string]*memRow
}

type memRow struct {
	meta    Metadata
	archive *string
	digest  string
}

// NewMemoryDurable constructs an empty MemoryDurable.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{rows: make(map[string]*memRow)}
}

func (s *MemoryDurable) row(id string) *memRow {
	r := s.rows[id]
	if r == nil {
		now := time.Now().UTC()
		r = &memRow{meta: Metadata{ID: id, CreatedAt: now, UpdatedAt: now}}
		s.rows[id] = r
	}
	return r
}

func (s *MemoryDurable) SaveMetadata(ctx context.Context, m Metadata) error {
	if m.ID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.rows[m.ID]
	r := s.row(m.ID)
	created := r.meta.CreatedAt
	r.meta = m
	if existed || m.CreatedAt.IsZero() {
		// Upserts keep the original creation time.
		r.meta.CreatedAt = created
	}
	if r.meta.UpdatedAt.IsZero() {
		r.meta.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryDurable) SaveArchive(ctx context.Context, id, blob, digest string) error {
	if id == "" || blob == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.rows[id]
	r := s.row(id)
	if !existed {
		r.meta.Status = StatusConnected
	}
	r.archive = &blob
	r.digest = digest
	r.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryDurable) ClearArchive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.rows[id]; r != nil {
		r.archive = nil
		r.digest = ""
		r.meta.Status = StatusLoggedOut
		r.meta.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryDurable) UpdateStatus(ctx context.Context, id, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.rows[id]; r != nil {
		r.meta.Status = status
		r.meta.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryDurable) ListRestorable(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.rows))
	for id, r := range s.rows {
		if r.archive == nil {
			continue
		}
		if r.meta.Status != StatusConnected && r.meta.Status != StatusDisconnected {
			continue
		}
		out = append(out, Record{
			SessionID:  id,
			TenantID:   r.meta.TenantID,
			WebhookURL: r.meta.WebhookURL,
			ProxyURL:   r.meta.ProxyURL,
			Status:     r.meta.Status,
			Archive:    *r.archive,
			Digest:     r.digest,
			UpdatedAt:  r.meta.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *MemoryDurable) Purge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.rows[id]; r != nil && r.archive == nil {
		delete(s.rows, id)
	}
	return nil
}

// Row returns a copy of the stored metadata and archive, for tests and diagnostics.
func (s *MemoryDurable) Row(id string) (Metadata, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rows[id]
	if r == nil {
		return Metadata{}, "", false
	}
	blob := ""
	if r.archive != nil {
		blob = *r.archive
	}
	return r.meta, blob, true
}

func (s *MemoryDurable) Ping(context.Context) error { return nil }
func (s *MemoryDurable) Close() error               { return nil }

// MemoryCache is a dev/test Cache with lazy TTL expiry.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
	hashes  map[string]memHash
}

type memEntry struct {
	meta    Metadata
	expires time.Time
}

type memHash struct {
	id      string
	expires time.Time
}

// NewMemoryCache constructs a MemoryCache; ttl <= 0 uses DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memEntry),
		hashes:  make(map[string]memHash),
	}
}

func (c *MemoryCache) Put(ctx context.Context, m Metadata) error {
	if m.ID == "" || m.Hash == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.now().Add(c.ttl)
	c.entries[m.ID] = memEntry{meta: m, expires: exp}
	c.hashes[m.Hash] = memHash{id: m.ID, expires: exp}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, id string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, id)
		return Metadata{}, ErrNotFound
	}
	return e.meta, nil
}

func (c *MemoryCache) ResolveHash(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hashes[hash]
	if !ok || !c.now().Before(h.expires) {
		delete(c.hashes, hash)
		return "", ErrNotFound
	}
	return h.id, nil
}

func (c *MemoryCache) SetStatus(ctx context.Context, id, status string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	e.meta.Status = status
	e.meta.UpdatedAt = now.UTC()
	if status == StatusConnected {
		ts := e.meta.UpdatedAt
		e.meta.LastConnected = &ts
	}
	c.entries[id] = e
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, id, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	delete(c.hashes, hash)
	return nil
}

// Len returns the number of metadata entries and hash index entries.
func (c *MemoryCache) Len() (entries, hashes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), len(c.hashes)
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
func (c *MemoryCache) Close() error               { return nil }

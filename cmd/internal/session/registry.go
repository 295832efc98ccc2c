package session

import (
	"context"
	"sync"
	"time"
)

const shardCount = 32

// registry indexes live sessions by id and by hash. A session's id and hash always land
// in the same shard, so both indices change under one lock.
type registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu     sync.RWMutex
	byID   map[string]*entry
	byHash map[string]string
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].byID = make(map[string]*entry)
		r.shards[i].byHash = make(map[string]string)
	}
	return r
}

// shardOf picks the shard from the first two hex digits of the hash.
func (r *registry) shardOf(hash string) *shard {
	var n byte
	for i := 0; i < 2 && i < len(hash); i++ {
		n = n<<4 | hexNibble(hash[i])
	}
	return &r.shards[int(n)%shardCount]
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return c
}

// insert adds e unless its id or hash is already indexed.
func (r *registry) insert(e *entry) bool {
	s := r.shardOf(e.hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.id]; ok {
		return false
	}
	if _, ok := s.byHash[e.hash]; ok {
		return false
	}
	s.byID[e.id] = e
	s.byHash[e.hash] = e.id
	return true
}

func (r *registry) get(id string) *entry {
	s := r.shardOf(HashID(id))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (r *registry) getByHash(hash string) *entry {
	s := r.shardOf(hash)
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil
	}
	return s.byID[id]
}

// remove drops e from both indices if e is still the registered entry for its id.
// It reports whether this call removed it, so concurrent removers agree on exactly one winner.
func (r *registry) remove(e *entry) bool {
	s := r.shardOf(e.hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byID[e.id] != e {
		return false
	}
	delete(s.byID, e.id)
	if s.byHash[e.hash] == e.id {
		delete(s.byHash, e.hash)
	}
	return true
}

func (r *registry) snapshot() []*entry {
	out := make([]*entry, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.byID {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.byID)
		s.mu.RUnlock()
	}
	return n
}

// entry is one registered session.
//
// Lock order: ops before mu before shard locks. ops is held for every lifecycle step;
// mu guards the fields below it for snapshot readers.
type entry struct {
	id   string
	hash string

	ops sync.Mutex

	mu             sync.Mutex
	client         Client
	status         Status
	tenantID       string
	webhookURL     string
	proxyURL       string
	phone          string
	name           string
	qr             string
	registeredAt   time.Time
	createdAt      time.Time // zero once authenticated; the reaper only looks at non-zero values
	updatedAt      time.Time
	connectedSince time.Time
	lastConnected  time.Time
	lastDigest     string
	backupTimer    *time.Timer
	backupGen      uint64
	retryTimer     *time.Timer
	retryGen       uint64
	retryDelay     time.Duration
	reconnecting   bool

	limiter *rateLimiter

	events     chan Event
	done       chan struct{}
	retireOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// Emit implements EventSink.
func (e *entry) Emit(ev Event) {
	if ev == nil {
		return
	}
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// retire stops event delivery, cancels in-flight connects and stops timers.
// It reports whether this call did the retiring.
func (e *entry) retire() bool {
	first := false
	e.retireOnce.Do(func() {
		first = true
		close(e.done)
		e.cancel()

		e.mu.Lock()
		if e.backupTimer != nil {
			e.backupTimer.Stop()
		}
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
		e.mu.Unlock()
	})
	return first
}

func (e *entry) retired() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *entry) setStatus(s Status, now time.Time) {
	e.mu.Lock()
	e.status = s
	e.updatedAt = now
	if s != StatusAwaitingConfirmation {
		e.qr = ""
	}
	e.mu.Unlock()
}

func (e *entry) currentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Session{
		ID:         e.id,
		Hash:       e.hash,
		Status:     e.status,
		TenantID:   e.tenantID,
		WebhookURL: e.webhookURL,
		ProxyURL:   e.proxyURL,
		Phone:      e.phone,
		Name:       e.name,
		QRCode:     e.qr,
		CreatedAt:  e.registeredAt,
		UpdatedAt:  e.updatedAt,
	}
	if !e.connectedSince.IsZero() {
		t := e.connectedSince
		s.ConnectedSince = &t
	}
	if !e.lastConnected.IsZero() {
		t := e.lastConnected
		s.LastConnected = &t
	}
	return s
}

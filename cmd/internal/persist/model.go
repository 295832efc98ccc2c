package persist

import (
	"context"
	"time"
)

// Session statuses as stored by both backends.
const (
	StatusDisconnected         = "disconnected"
	StatusConnecting           = "connecting"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusConnected            = "connected"
	StatusLoggedOut            = "logged_out"
)

// Metadata is the per-session record shared by the durable row and the cache entry.
// The JSON shape is the cache wire format and must stay stable.
type Metadata struct {
	ID            string     `json:"id"`
	Hash          string     `json:"hash"`
	Status        string     `json:"status"`
	Phone         string     `json:"phone,omitempty"`
	Name          string     `json:"name,omitempty"`
	WebhookURL    string     `json:"webhookUrl,omitempty"`
	TenantID      string     `json:"tenantId,omitempty"`
	ProxyURL      string     `json:"proxyUrl,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastConnected *time.Time `json:"lastConnected,omitempty"`
}

// Record is a durable row eligible for restore.
type Record struct {
	SessionID  string
	TenantID   string
	WebhookURL string
	ProxyURL   string
	Status     string
	Archive    string
	Digest     string
	UpdatedAt  time.Time
}

// Durable is the relational store. All queries are scoped to the implementation's node.
type Durable interface {
	// SaveMetadata upserts the session row without touching the archive.
	SaveMetadata(ctx context.Context, m Metadata) error
	// SaveArchive upserts the archive blob and its digest.
	SaveArchive(ctx context.Context, id, blob, digest string) error
	// ClearArchive nulls the archive and marks the row logged out.
	ClearArchive(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status string) error
	// ListRestorable returns rows with an archive and status connected or disconnected.
	ListRestorable(ctx context.Context) ([]Record, error)
	// Purge deletes the row only if it never received an archive.
	Purge(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache holds metadata with a TTL and the hash -> id index.
type Cache interface {
	// Put writes the metadata and the hash index together.
	Put(ctx context.Context, m Metadata) error
	// Get returns ErrNotFound for missing entries.
	Get(ctx context.Context, id string) (Metadata, error)
	// ResolveHash returns ErrNotFound for unknown hashes.
	ResolveHash(ctx context.Context, hash string) (string, error)
	// SetStatus rewrites the status of an existing entry. Missing entries are left alone.
	SetStatus(ctx context.Context, id, status string, now time.Time) error
	// Delete removes the metadata and the hash index together.
	Delete(ctx context.Context, id, hash string) error
	Ping(ctx context.Context) error
	Close() error
}

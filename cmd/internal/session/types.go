package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"waplex/cmd/internal/persist"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDisconnected         Status = persist.StatusDisconnected
	StatusConnecting           Status = persist.StatusConnecting
	StatusAwaitingConfirmation Status = persist.StatusAwaitingConfirmation
	StatusConnected            Status = persist.StatusConnected
	StatusLoggedOut            Status = persist.StatusLoggedOut
)

// transient reports whether the status precedes authentication.
func (s Status) transient() bool {
	return s == StatusConnecting || s == StatusAwaitingConfirmation
}

// HashID returns the public routing hash of a session id: the first 16 hex characters of
// SHA-256(id). It is embedded in webhook URLs and cache keys and must never change.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

// Session is a point-in-time snapshot of a registered session.
type Session struct {
	ID         string    `json:"id"`
	Hash       string    `json:"hash"`
	Status     Status    `json:"status"`
	TenantID   string    `json:"tenantId,omitempty"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	ProxyURL   string    `json:"proxyUrl,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Name       string    `json:"name,omitempty"`
	QRCode     string    `json:"qr,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	ConnectedSince *time.Time `json:"connectedSince,omitempty"`
	LastConnected  *time.Time `json:"lastConnected,omitempty"`
}

// CreateRequest describes a new session. An empty ID is replaced by a random UUID.
// Empty WebhookURL/ProxyURL fall back to the manager defaults.
type CreateRequest struct {
	ID         string
	WebhookURL string
	TenantID   string
	ProxyURL   string
}

// Created is returned by CreateSession.
type Created struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// RestoreReport summarizes a startup restore.
type RestoreReport struct {
	// Source is "durable" or "filesystem".
	Source   string
	Restored []string
	Skipped  []string
	Diagnostics
}

// SweepResult summarizes one reaper tick.
type SweepResult struct {
	Examined int
	Reaped   []string
	// Busy lists candidates whose lifecycle lock was held; they are re-examined next tick.
	Busy []string
}

func fromMetadata(m persist.Metadata) Session {
	return Session{
		ID:            m.ID,
		Hash:          m.Hash,
		Status:        Status(m.Status),
		TenantID:      m.TenantID,
		WebhookURL:    m.WebhookURL,
		ProxyURL:      m.ProxyURL,
		Phone:         m.Phone,
		Name:          m.Name,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		LastConnected: m.LastConnected,
	}
}

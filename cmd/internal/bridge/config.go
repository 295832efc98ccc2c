package bridge

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	maxPingFailures         = 3

	// Credential files travel inside frames; keep both directions bounded.
	defaultMaxCredentialBytes = 50 << 20
	frameOverhead             = 1 << 20
)

// Config configures every client built by a Factory.
type Config struct {
	// URL of the sidecar, ws:// or wss://.
	URL string

	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// MaxCredentialBytes caps the credential files sent in hello. Keep it equal to the
	// archive size limit so anything that was archived can be restored.
	MaxCredentialBytes int64

	// MaxFrameBytes is raised to fit MaxCredentialBytes when set lower.
	MaxFrameBytes int64

	// HTTPClient is used for the upgrade request. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) normalize() error {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return errors.New("bridge: missing sidecar URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.New("bridge: sidecar URL must be ws:// or wss://")
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxCredentialBytes <= 0 {
		c.MaxCredentialBytes = defaultMaxCredentialBytes
	}
	if c.MaxFrameBytes < c.MaxCredentialBytes+frameOverhead {
		c.MaxFrameBytes = c.MaxCredentialBytes + frameOverhead
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

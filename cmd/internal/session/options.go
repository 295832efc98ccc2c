package session

import (
	"errors"
	"log/slog"
	"time"

	"waplex/cmd/internal/archive"
	"waplex/cmd/internal/persist"
)

// Defaults.
const (
	DefaultReapInterval        = 60 * time.Second
	DefaultReapTimeout         = 10 * time.Minute
	DefaultBackupDelay         = 5 * time.Second
	DefaultStoreTimeout        = 5 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultRestoreConcurrency  = 4
	DefaultReconnectLimit      = 5
	DefaultReconnectWindow     = time.Minute
	DefaultReconnectBackoff    = 2 * time.Second
	DefaultReconnectBackoffMax = time.Minute
	DefaultMailboxSize         = 64
)

// Options configures a Manager. Codec and Factory are required.
type Options struct {
	Codec    *archive.Codec
	Gateway  *persist.Gateway
	Factory  ClientFactory
	Observer Observer
	Logger   *slog.Logger

	// Defaults applied to CreateRequest fields left empty.
	DefaultWebhookURL string
	DefaultProxyURL   string

	// ReapInterval is the reaper tick; ReapTimeout is how long a session may stay
	// unauthenticated after creation.
	ReapInterval time.Duration
	ReapTimeout  time.Duration

	// BackupDelay debounces archive backups after authentication and credential updates.
	BackupDelay time.Duration

	// StoreTimeout bounds each persistence call when the gateway is built by New.
	StoreTimeout   time.Duration
	ConnectTimeout time.Duration

	RestoreConcurrency int

	// Manual reconnects allowed per session per window.
	ReconnectLimit  int
	ReconnectWindow time.Duration

	// Automatic reconnect after a dropped connection, with exponential backoff.
	DisableAutoReconnect bool
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration

	MailboxSize int

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) normalize() error {
	if o.Codec == nil {
		return errors.New("session: nil archive codec")
	}
	if o.Factory == nil {
		return errors.New("session: nil client factory")
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Gateway == nil {
		o.Gateway = persist.NewGateway(persist.GatewayConfig{Timeout: o.StoreTimeout, Logger: o.Logger})
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.ReapTimeout <= 0 {
		o.ReapTimeout = DefaultReapTimeout
	}
	if o.BackupDelay <= 0 {
		o.BackupDelay = DefaultBackupDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RestoreConcurrency <= 0 {
		o.RestoreConcurrency = DefaultRestoreConcurrency
	}
	if o.ReconnectLimit <= 0 {
		o.ReconnectLimit = DefaultReconnectLimit
	}
	if o.ReconnectWindow <= 0 {
		o.ReconnectWindow = DefaultReconnectWindow
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.ReconnectBackoffMax < o.ReconnectBackoff {
		o.ReconnectBackoffMax = max(DefaultReconnectBackoffMax, o.ReconnectBackoff)
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

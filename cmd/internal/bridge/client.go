package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"waplex/cmd/internal/ids"
	"waplex/cmd/internal/session"
	v1 "waplex/contracts/bridge/v1"
)

// ErrNotConnected is returned by Logout when there is no live connection to the sidecar.
var ErrNotConnected = errors.New("bridge: not connected")

// Factory builds bridge clients. It implements session.ClientFactory.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

// NewClient returns a disconnected client. It performs no I/O.
func (f *Factory) NewClient(opts session.ClientOptions) (session.Client, error) {
	if opts.SessionID == "" || opts.Dir == "" {
		return nil, errors.New("bridge: session id and dir are required")
	}
	if opts.Events == nil {
		return nil, errors.New("bridge: event sink is required")
	}
	return &Client{
		cfg:    f.cfg,
		opts:   opts,
		log:    f.cfg.Logger.With("session_id", opts.SessionID),
		status: session.StatusDisconnected,
	}, nil
}

// Client is a session.Client backed by a sidecar connection.
type Client struct {
	cfg  Config
	opts session.ClientOptions
	log  *slog.Logger

	mu     sync.Mutex
	status session.Status
	info   session.ClientInfo
	cur    *link
}

// link is one sidecar connection and its goroutines.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// local is set once this side decided to end the link; the reader then exits quietly.
	local     atomic.Bool
	closeOnce sync.Once
}

func (l *link) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.conn.Close(code, reason)
	})
}

// Connect dials the sidecar and opens the session with the credential files currently on
// disk. Authentication progress is reported through events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	prev := c.cur
	c.cur = nil
	c.mu.Unlock()
	if prev != nil {
		prev.local.Store(true)
		prev.close(websocket.StatusNormalClosure, "reconnect")
	}

	files, err := readFiles(c.opts.Dir, c.cfg.MaxCredentialBytes)
	if err != nil {
		return fmt.Errorf("bridge: read credentials: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient:   c.cfg.HTTPClient,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("bridge: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return fmt.Errorf("bridge: sidecar negotiated subprotocol %q", sp)
	}
	conn.SetReadLimit(c.cfg.MaxFrameBytes)

	// The link outlives the Connect call.
	lctx, lcancel := context.WithCancel(context.Background())
	l := &link{conn: conn, ctx: lctx, cancel: lcancel}

	hello := v1.HelloPayload{
		SessionID:  c.opts.SessionID,
		Hash:       c.opts.Hash,
		WebhookURL: c.opts.WebhookURL,
		ProxyURL:   c.opts.ProxyURL,
		Files:      files,
	}
	if err := c.send(dctx, l, v1.TypeHello, hello); err != nil {
		l.close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("bridge: hello: %w", err)
	}

	c.mu.Lock()
	c.cur = l
	c.status = session.StatusConnecting
	c.mu.Unlock()

	go c.readLoop(l)
	go c.heartbeat(l)

	c.log.Debug("bridge.connect", "url", c.cfg.URL, "files", len(files))
	return nil
}

// Disconnect asks the sidecar to close the network connection and drops the link.
// It never waits for the reader goroutine.
func (c *Client) Disconnect(ctx context.Context) error {
	l := c.detach(session.StatusDisconnected)
	if l == nil {
		return nil
	}
	err := c.send(ctx, l, v1.TypeDisconnect, v1.EmptyPayload{})
	l.close(websocket.StatusNormalClosure, "disconnect")
	if err != nil && !isClosed(err) {
		return fmt.Errorf("bridge: disconnect: %w", err)
	}
	return nil
}

// Logout asks the sidecar to unlink the device and drops the link.
func (c *Client) Logout(ctx context.Context) error {
	l := c.detach(session.StatusLoggedOut)
	if l == nil {
		return ErrNotConnected
	}
	err := c.send(ctx, l, v1.TypeLogout, v1.EmptyPayload{})
	l.close(websocket.StatusNormalClosure, "logout")
	if err != nil {
		return fmt.Errorf("bridge: logout: %w", err)
	}
	return nil
}

func (c *Client) Status() session.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Info() session.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// detach takes the current link out of the client and marks it locally closed.
func (c *Client) detach(status session.Status) *link {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.status = status
	c.mu.Unlock()
	if l != nil {
		l.local.Store(true)
	}
	return l
}

// current runs fn under the client lock when l is still the active link.
func (c *Client) current(l *link, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != l {
		return false
	}
	fn()
	return true
}

func (c *Client) send(ctx context.Context, l *link, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, ids.MustULID(time.Now()), time.Now(), payload)
	if err != nil {
		return err
	}
	frame, err := v1.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return l.conn.Write(wctx, websocket.MessageBinary, frame)
}

func (c *Client) heartbeat(l *link) {
	t := time.NewTicker(c.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(l.ctx, c.cfg.HeartbeatTimeout)
			err := l.conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			failures++
			c.log.Info("bridge.ping.fail", "failures", failures, "err", err)
			if failures >= maxPingFailures {
				// The reader sees the closed conn and reports the lost connection.
				_ = l.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

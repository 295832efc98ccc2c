package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"waplex/cmd/internal/session"
	v1 "waplex/contracts/bridge/v1"
)

// readLoop serves one link until it ends. When the link ends without this side asking for
// it, the session is told the connection was lost.
func (c *Client) readLoop(l *link) {
	defer l.close(websocket.StatusNormalClosure, "bye")

	for {
		env, err := readEnvelope(l.ctx, l.conn)
		if err != nil {
			if l.local.Load() {
				return
			}
			var ce *decodeError
			if errors.As(err, &ce) {
				c.log.Warn("bridge.read.bad_frame", "err", err)
				continue
			}

			lost := c.current(l, func() {
				c.cur = nil
				c.status = session.StatusDisconnected
			})
			if lost {
				c.log.Info("bridge.connection.lost", "close_status", websocket.CloseStatus(err), "err", err)
				c.opts.Events.Emit(session.Disconnected{
					Reason: session.ReasonConnectionLost,
					Code:   int(websocket.CloseStatus(err)),
				})
			}
			return
		}

		if done := c.dispatch(l, env); done {
			return
		}
	}
}

// dispatch handles one envelope and reports whether the link is finished.
func (c *Client) dispatch(l *link, env v1.Envelope) bool {
	if l.local.Load() {
		return true
	}

	switch env.Type {
	case v1.TypeQR:
		var p v1.QRPayload
		if !c.decode(env, &p) {
			return false
		}
		c.current(l, func() { c.status = session.StatusAwaitingConfirmation })
		c.opts.Events.Emit(session.FirstFactorChallenge{
			Code:      p.Code,
			ExpiresIn: time.Duration(p.ExpiresIn) * time.Second,
		})

	case v1.TypeCredsUpdate:
		var p v1.CredsUpdatePayload
		if !c.decode(env, &p) {
			return false
		}
		if err := writeFiles(c.opts.Dir, p.Files); err != nil {
			c.log.Error("bridge.creds.write.fail", "err", err)
			c.opts.Events.Emit(session.ProtocolError{Code: "creds_write_failed", Message: err.Error()})
			return false
		}
		c.opts.Events.Emit(session.CredentialsUpdated{})

	case v1.TypeOpen:
		var p v1.OpenPayload
		if !c.decode(env, &p) {
			return false
		}
		c.current(l, func() {
			c.status = session.StatusConnected
			c.info = session.ClientInfo{Phone: p.Phone, Name: p.Name}
		})
		c.opts.Events.Emit(session.Authenticated{Phone: p.Phone, Name: p.Name})

	case v1.TypeClose:
		var p v1.ClosePayload
		if !c.decode(env, &p) {
			return false
		}
		reason := session.DisconnectReason(p.Reason)
		if reason == "" {
			reason = session.ReasonConnectionLost
		}
		l.local.Store(true)
		ours := c.current(l, func() {
			c.cur = nil
			c.status = session.StatusDisconnected
			if reason == session.ReasonLoggedOut {
				c.status = session.StatusLoggedOut
			}
		})
		if ours {
			c.opts.Events.Emit(session.Disconnected{Reason: reason, Code: p.Code})
		}
		return true

	case v1.TypeMessage:
		var p v1.MessagePayload
		if !c.decode(env, &p) {
			return false
		}
		c.opts.Events.Emit(session.MessageReceived{
			MessageID: p.MessageID,
			From:      p.From,
			FromName:  p.FromName,
			FromMe:    p.FromMe,
			IsGroup:   p.IsGroup,
			Type:      p.Type,
			Timestamp: unixOrZero(p.Timestamp),
		})

	case v1.TypeCall:
		var p v1.CallPayload
		if !c.decode(env, &p) {
			return false
		}
		c.opts.Events.Emit(session.CallReceived{
			CallID:    p.CallID,
			From:      p.From,
			IsVideo:   p.IsVideo,
			Status:    p.Status,
			Timestamp: unixOrZero(p.Timestamp),
		})

	case v1.TypeError:
		var p v1.ErrorPayload
		if !c.decode(env, &p) {
			return false
		}
		c.opts.Events.Emit(session.ProtocolError{Code: p.Code, Message: p.Message, MessageID: p.MessageID})

	default:
		c.log.Warn("bridge.read.unexpected", "type", env.Type)
	}
	return false
}

func (c *Client) decode(env v1.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		c.log.Warn("bridge.read.bad_payload", "type", env.Type, "err", err)
		return false
	}
	return true
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// decodeError marks a frame that arrived intact but could not be decoded.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageBinary {
		return v1.Envelope{}, &decodeError{err: errors.New("text frames are not part of the protocol")}
	}
	env, err := v1.Unmarshal(data)
	if err != nil {
		return v1.Envelope{}, &decodeError{err: err}
	}
	return env, nil
}

// isClosed reports whether err means the connection is already gone.
func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled)
}

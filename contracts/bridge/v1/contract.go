package v1

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = 1

// Subprotocol is the WebSocket subprotocol negotiated by both peers.
const Subprotocol = "waplex.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a session on the sidecar (handle -> sidecar).
	TypeHello = "hello"
	// TypeDisconnect closes the network connection but keeps credentials (handle -> sidecar).
	TypeDisconnect = "disconnect"
	// TypeLogout revokes the linked device on the network (handle -> sidecar).
	TypeLogout = "logout"

	// TypeQR carries a first-factor pairing challenge (sidecar -> handle).
	TypeQR = "qr"
	// TypeCredsUpdate carries credential files to persist locally (sidecar -> handle).
	TypeCredsUpdate = "creds_update"
	// TypeOpen reports a successful authentication (sidecar -> handle).
	TypeOpen = "open"
	// TypeClose reports that the network connection ended (sidecar -> handle).
	TypeClose = "close"
	// TypeMessage reports an inbound message (sidecar -> handle).
	TypeMessage = "message"
	// TypeCall reports an inbound call (sidecar -> handle).
	TypeCall = "call"

	// TypeError is a generic error envelope (either direction).
	TypeError = "error"
)

// AllowedTypes is the closed set of envelope types accepted by Validate.
var AllowedTypes = map[string]struct{}{
	TypeHello:       {},
	TypeDisconnect:  {},
	TypeLogout:      {},
	TypeQR:          {},
	TypeCredsUpdate: {},
	TypeOpen:        {},
	TypeClose:       {},
	TypeMessage:     {},
	TypeCall:        {},
	TypeError:       {},
}

// Close reasons carried by ClosePayload.Reason.
const (
	// ReasonLoggedOut means the account unlinked this device; credentials are void.
	ReasonLoggedOut = "logged_out"
	// ReasonConnectionLost means the network connection dropped; credentials stay valid.
	ReasonConnectionLost = "connection_lost"
	// ReasonRestartRequired means the sidecar asks for a fresh connection.
	ReasonRestartRequired = "restart_required"
	// ReasonClosedByClient acknowledges a disconnect request.
	ReasonClosedByClient = "closed_by_client"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `cbor:"v"`
	Type    string          `cbor:"type"`
	ID      string          `cbor:"id"`
	TS      time.Time       `cbor:"ts"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Validate checks the envelope header. Payload shape is validated by the decoder of each type.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload opens a session. Files carries the credential files already present locally,
// keyed by file name relative to the session directory.
type HelloPayload struct {
	SessionID  string            `cbor:"session_id"`
	Hash       string            `cbor:"hash"`
	WebhookURL string            `cbor:"webhook_url,omitempty"`
	ProxyURL   string            `cbor:"proxy_url,omitempty"`
	Files      map[string][]byte `cbor:"files,omitempty"`
}

// QRPayload carries a pairing challenge.
type QRPayload struct {
	Code      string `cbor:"code"`
	ExpiresIn int    `cbor:"expires_in,omitempty"`
}

// CredsUpdatePayload carries credential files. A nil value deletes the file.
type CredsUpdatePayload struct {
	Files map[string][]byte `cbor:"files"`
}

// OpenPayload reports the authenticated account.
type OpenPayload struct {
	Phone string `cbor:"phone,omitempty"`
	Name  string `cbor:"name,omitempty"`
}

// ClosePayload reports why the network connection ended.
type ClosePayload struct {
	Reason string `cbor:"reason"`
	Code   int    `cbor:"code,omitempty"`
}

// MessagePayload is the minimal message header. Bodies are not parsed by waplex.
// FromMe marks messages sent by the linked account (from another device or the API).
type MessagePayload struct {
	MessageID string `cbor:"message_id"`
	From      string `cbor:"from"`
	FromName  string `cbor:"from_name,omitempty"`
	FromMe    bool   `cbor:"from_me,omitempty"`
	IsGroup   bool   `cbor:"is_group,omitempty"`
	Type      string `cbor:"type,omitempty"`
	Timestamp int64  `cbor:"timestamp"`
}

// CallPayload is the minimal inbound call header.
type CallPayload struct {
	CallID    string `cbor:"call_id"`
	From      string `cbor:"from"`
	IsVideo   bool   `cbor:"is_video,omitempty"`
	Status    string `cbor:"status,omitempty"`
	Timestamp int64  `cbor:"timestamp"`
}

// EmptyPayload is used by commands without arguments.
type EmptyPayload struct{}

// ErrorPayload is a generic error body. MessageID is set when an outbound message failed.
type ErrorPayload struct {
	Code      string `cbor:"code"`
	Message   string `cbor:"message"`
	MessageID string `cbor:"message_id,omitempty"`
}

package session

import "time"

// Event is emitted by a protocol client into its session's EventSink.
type Event interface {
	sessionEvent()
}

// EventSink receives client events. Emit blocks while the session mailbox is full and
// returns immediately once the session is retired.
type EventSink interface {
	Emit(Event)
}

// DisconnectReason tells a revoked session apart from a dropped connection.
type DisconnectReason string

const (
	ReasonLoggedOut       DisconnectReason = "logged_out"
	ReasonConnectionLost  DisconnectReason = "connection_lost"
	ReasonRestartRequired DisconnectReason = "restart_required"
	ReasonClosedByClient  DisconnectReason = "closed_by_client"
)

// FirstFactorChallenge carries a pairing code the account owner must confirm.
type FirstFactorChallenge struct {
	Code      string
	ExpiresIn time.Duration
}

// Authenticated reports a successful login.
type Authenticated struct {
	Phone string
	Name  string
}

// Disconnected reports that the network connection ended.
type Disconnected struct {
	Reason DisconnectReason
	Code   int
}

// CredentialsUpdated reports that the client rewrote files in its credential directory.
type CredentialsUpdated struct{}

// MessageReceived reports a message header. FromMe marks messages sent by the account.
type MessageReceived struct {
	MessageID string
	From      string
	FromName  string
	FromMe    bool
	IsGroup   bool
	Type      string
	Timestamp time.Time
}

// CallReceived reports an inbound call.
type CallReceived struct {
	CallID    string
	From      string
	IsVideo   bool
	Status    string
	Timestamp time.Time
}

// ProtocolError reports an error raised by the protocol engine. MessageID is set when an
// outbound message failed.
type ProtocolError struct {
	Code      string
	Message   string
	MessageID string
}

func (e ProtocolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (FirstFactorChallenge) sessionEvent() {}
func (Authenticated) sessionEvent()        {}
func (Disconnected) sessionEvent()         {}
func (CredentialsUpdated) sessionEvent()   {}
func (MessageReceived) sessionEvent()      {}
func (CallReceived) sessionEvent()         {}
func (ProtocolError) sessionEvent()        {}

// Internal events posted by the manager itself.
type (
	connectRequested struct{}
	backupDue        struct{ gen uint64 }
	reconnectDue     struct{ gen uint64 }
)

func (connectRequested) sessionEvent() {}
func (backupDue) sessionEvent()        {}
func (reconnectDue) sessionEvent()     {}

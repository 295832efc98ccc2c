package session

import "context"

// Client is one protocol connection. The manager guarantees calls for one session are never
// concurrent, but Status and Info may be called from any goroutine.
//
// Disconnect and Logout must not wait for the client's own pending Emit calls: the manager
// may hold the session lock while the mailbox is full.
type Client interface {
	// Connect starts the connection and returns once it is underway. Progress is reported
	// through events.
	Connect(ctx context.Context) error
	// Disconnect closes the connection and keeps credentials.
	Disconnect(ctx context.Context) error
	// Logout revokes the credentials on the network and closes the connection.
	Logout(ctx context.Context) error
	Status() Status
	Info() ClientInfo
}

// ClientInfo describes the authenticated account, if any.
type ClientInfo struct {
	Phone string
	Name  string
}

// ClientOptions configures a new client. Dir is the session's credential directory; the
// client reads and writes its credential files there.
type ClientOptions struct {
	SessionID  string
	Hash       string
	Dir        string
	WebhookURL string
	ProxyURL   string
	Events     EventSink
}

// ClientFactory builds clients. NewClient must not perform I/O.
type ClientFactory interface {
	NewClient(opts ClientOptions) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(opts ClientOptions) (Client, error)

func (f ClientFactoryFunc) NewClient(opts ClientOptions) (Client, error) { return f(opts) }

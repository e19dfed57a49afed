// Package transport defines the message contract shared by every RPC transport.
package transport

import "errors"

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrNotStarted is returned when a listener is stopped before it started.
	ErrNotStarted = errors.New("listener not started")
)

// EndpointID identifies a logical peer on a multiplexed transport.
// It is empty on point-to-point transports.
type EndpointID string

// Message pairs a payload with its routing endpoints.
type Message struct {
	To      EndpointID
	ReplyTo EndpointID
	Data    []byte
}

// Reply returns a message addressed back to the sender of m.
func (m Message) Reply(data []byte) Message {
	return Message{To: m.ReplyTo, Data: data}
}

// MessageHandler receives each whole inbound message together with the
// connection it arrived on.
type MessageHandler func(conn Connection, msg Message)

// Connection sends and receives already-demarcated messages.
type Connection interface {
	// ID is unique per connection for the life of the process.
	ID() string
	// OnMessage registers a handler; handlers must be registered before Start.
	OnMessage(fn MessageHandler)
	// Start begins delivering inbound messages.
	Start() error
	Send(msg Message) error
	IsOpen() bool
	Close() error
	ConnectionString() string
}

// Listener accepts connections from clients.
type Listener interface {
	OnNewConnection(fn func(Connection))
	Start() error
	Stop() error
	ConnectionString() string
}

// Package session is the boundary to the chat-protocol connection.
//
// The dispatcher and the correlator only ever see a Session handle: a send
// capability, an optional existence probe and a channel of typed events.
// Connecting, authentication and wire encoding belong to the transports under
// internal/transport.
package session

import (
	"context"
	"time"
)

// Session is one live connection to the transport.
type Session interface {
	// Send makes at most one delivery attempt. Retrying is the caller's business.
	Send(ctx context.Context, addr, text string) (MessageID, error)
	// Events is closed when the session is closed.
	Events() <-chan Event
	Close(ctx context.Context) error
}

// Prober is implemented by sessions that can check whether an address exists
// on the transport before sending.
type Prober interface {
	ProbeExists(ctx context.Context, addr string) (bool, error)
}

// Connector opens sessions. Implementations own their reconnect policy.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

type MessageID string

type EventType string

const (
	EventConnection EventType = "connection"
	EventReceipt    EventType = "receipt"
	EventMessage    EventType = "message"
)

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateLoggedOut  ConnectionState = "logged_out"
)

type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Event is one inbound signal. Exactly one of the payload pointers is set,
// matching Type.
type Event struct {
	Type       EventType
	Connection *ConnectionStateChanged
	Receipt    *DeliveryReceipt
	Message    *InboundMessage
}

type ConnectionStateChanged struct {
	State ConnectionState
	Err   error
}

type DeliveryReceipt struct {
	Address   string
	Kind      ReceiptKind
	MessageID MessageID
	At        time.Time
}

// InboundMessage is a message received from Address. For group traffic
// Address is the participant and GroupID the group.
type InboundMessage struct {
	Address string
	Text    string
	Media   bool
	IsGroup bool
	GroupID string
	At      time.Time
}

// Address returns the remote address an event refers to, or "".
func (e Event) Address() string {
	switch {
	case e.Receipt != nil:
		return e.Receipt.Address
	case e.Message != nil:
		return e.Message.Address
	default:
		return ""
	}
}

func ConnectionEvent(state ConnectionState, err error) Event {
	return Event{Type: EventConnection, Connection: &ConnectionStateChanged{State: state, Err: err}}
}

func ReceiptEvent(addr string, kind ReceiptKind, at time.Time) Event {
	return Event{Type: EventReceipt, Receipt: &DeliveryReceipt{Address: addr, Kind: kind, At: at}}
}

func MessageEvent(m InboundMessage) Event {
	return Event{Type: EventMessage, Message: &m}
}

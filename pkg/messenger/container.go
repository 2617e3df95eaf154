package messenger

import (
	"crypto/tls"
	"fmt"
)

// Container is the entry point a handler uses to open a connection during
// Start, inspired by the Container exposed by the qpid proton libraries.
type Container interface {
	// Connect requests a connection to url. Establishment failures are
	// reported later through TransportError and Disconnected events. Returns
	// nil when the request cannot be made at all.
	Connect(url string, opts ConnectOptions) Connection
}

type Connection interface {
	NewSender(address string) SenderLink
	NewReceiver(address string) ReceiverLink
	Close()
	State() ConnectionState
}

type SenderLink interface {
	// Credit is the number of messages the link can transmit right now.
	Credit() int
	Send(Message) Delivery
	Close()
}

type ReceiverLink interface {
	Close()
}

type ConnectOptions struct {
	// Credentials is nil for anonymous authentication.
	Credentials *Credentials
	TLSConfig   *tls.Config
}

type Credentials struct {
	Username string
	Password string
}

// Delivery identifies a transmitted message on its link.
type Delivery struct {
	Tag uint64
}

func (d Delivery) String() string {
	return fmt.Sprintf("%d", d.Tag)
}

// Message is the body of an AMQP message together with the properties the
// sessions care about. An ID of zero means the message carries no identifier.
type Message struct {
	ID      uint64
	Body    any
	Durable bool
}

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

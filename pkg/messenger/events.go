package messenger

// Event is one of Start, Sendable, Accepted, Rejected, MessageReceived,
// TransportError or Disconnected.
type Event interface {
	isEvent()
}

// Handler receives events from a Container. Handle must run to completion
// before the next event is dispatched.
type Handler interface {
	Handle(Event)
}

// Start is the first event of every run.
type Start struct {
	Container Container
}

// Sendable signals that the sender link may have transmit credit.
type Sendable struct {
	Connection Connection
	Sender     SenderLink
}

// Accepted reports a delivery the peer settled as accepted.
type Accepted struct {
	Connection Connection
	Delivery   Delivery
}

// Rejected reports a delivery the peer settled as rejected.
type Rejected struct {
	Connection Connection
	Delivery   Delivery
	Condition  error
}

// MessageReceived carries one inbound message.
type MessageReceived struct {
	Connection Connection
	Receiver   ReceiverLink
	Message    Message
}

// TransportError reports a socket or authentication failure.
type TransportError struct {
	Connection Connection
	Condition  error
}

// Disconnected is emitted when the transport goes away. Condition is nil for
// a clean remote close.
type Disconnected struct {
	Connection Connection
	Condition  error
}

func (Start) isEvent()           {}
func (Sendable) isEvent()        {}
func (Accepted) isEvent()        {}
func (Rejected) isEvent()        {}
func (MessageReceived) isEvent() {}
func (TransportError) isEvent()  {}
func (Disconnected) isEvent()    {}

// DefaultTransportError is the handling every driver applies to a transport
// failure: the connection is closed unless it already is.
func DefaultTransportError(e TransportError) {
	if e.Connection == nil {
		return
	}
	if e.Connection.State() != StateClosed {
		e.Connection.Close()
	}
}

// connectionState reads the state of a possibly nil connection.
func connectionState(c Connection) ConnectionState {
	if c == nil {
		return StateIdle
	}
	return c.State()
}

// messenger implements the delivery tracking for a minimal AMQP 1.0 client
// with two roles: a SendSession that delivers a fixed batch of messages to an
// address and a ReceiveSession that consumes a bounded or unbounded number of
// messages from one.
//
// Sessions perform no I/O. They are driven by a Container (see the reactor
// package) that owns the event loop and calls Handle once per lifecycle
// event, always from the same goroutine.
package messenger

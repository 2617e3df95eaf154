// messaging defines the transport used by the reactor to move AMQP messages
// and provides two implementations: one backed by github.com/Azure/go-amqp and
// an in-memory broker for tests.
package messaging

import (
	"context"
	"fmt"

	amqp "github.com/Azure/go-amqp"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

type Transport interface {
	Dial(ctx context.Context, url string, opts messenger.ConnectOptions) (Connection, error)
}

type Connection interface {
	Sender(ctx context.Context, address string) (Sender, error)
	Receiver(ctx context.Context, address string, credit uint32) (Receiver, error)
	Close() error
}

// Sender transmits one message at a time. Send blocks until the peer has
// settled the delivery and returns a *RejectedError when it was rejected.
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

type Receiver interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	Accept(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

// RejectedError is the outcome of a delivery the peer rejected. It does not
// affect the link.
type RejectedError struct {
	Condition error
}

func (e *RejectedError) Error() string {
	if e.Condition == nil {
		return "message rejected"
	}
	return fmt.Sprintf("message rejected: %s", e.Condition)
}

func (e *RejectedError) Unwrap() error {
	return e.Condition
}

package messaging

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

type AMQPConfig struct {
	// ContainerID defaults to a random identifier per connection.
	ContainerID  string
	MaxFrameSize uint32
}

// NewAMQPTransport returns a Transport that dials AMQP 1.0 peers. The PLAIN
// mechanism is offered whenever credentials are supplied, including over
// unencrypted connections, otherwise ANONYMOUS.
func NewAMQPTransport(cfg AMQPConfig) Transport {
	return &amqpTransport{config: cfg}
}

type amqpTransport struct {
	config AMQPConfig
}

func (t *amqpTransport) connOptions(opts messenger.ConnectOptions) *amqp.ConnOptions {
	result := &amqp.ConnOptions{
		ContainerID:  t.config.ContainerID,
		MaxFrameSize: t.config.MaxFrameSize,
		TLSConfig:    opts.TLSConfig,
	}
	if result.ContainerID == "" {
		result.ContainerID = uuid.NewString()
	}
	if opts.Credentials != nil {
		result.SASLType = amqp.SASLTypePlain(opts.Credentials.Username, opts.Credentials.Password)
	} else {
		result.SASLType = amqp.SASLTypeAnonymous()
	}
	return result
}

func (t *amqpTransport) Dial(ctx context.Context, url string, opts messenger.ConnectOptions) (Connection, error) {
	client, err := amqp.Dial(ctx, url, t.connOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	session, err := client.NewSession(ctx, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("session create error: %w", err)
	}
	return &amqpConnection{client: client, session: session}, nil
}

type amqpConnection struct {
	client  *amqp.Conn
	session *amqp.Session
}

func (c *amqpConnection) Sender(ctx context.Context, address string) (Sender, error) {
	mode := amqp.SenderSettleModeUnsettled
	sender, err := c.session.NewSender(ctx, address, &amqp.SenderOptions{
		SettlementMode: &mode,
	})
	if err != nil {
		return nil, fmt.Errorf("sender create error: %w", err)
	}
	return &amqpSender{sender: sender}, nil
}

func (c *amqpConnection) Receiver(ctx context.Context, address string, credit uint32) (Receiver, error) {
	receiver, err := c.session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		Credit: int32(credit),
	})
	if err != nil {
		return nil, fmt.Errorf("receiver create error: %w", err)
	}
	return &amqpReceiver{receiver: receiver}, nil
}

func (c *amqpConnection) Close() error {
	return c.client.Close()
}

type amqpSender struct {
	sender *amqp.Sender
}

func (s *amqpSender) Send(ctx context.Context, msg *amqp.Message) error {
	err := s.sender.Send(ctx, msg, nil)
	if err == nil || ctx.Err() != nil || isTransportError(err) {
		return err
	}
	// anything else is the settlement of this delivery
	return &RejectedError{Condition: err}
}

func (s *amqpSender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

type amqpReceiver struct {
	receiver *amqp.Receiver
}

func (r *amqpReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	return r.receiver.Receive(ctx, nil)
}

func (r *amqpReceiver) Accept(ctx context.Context, msg *amqp.Message) error {
	return r.receiver.AcceptMessage(ctx, msg)
}

func (r *amqpReceiver) Close(ctx context.Context) error {
	return r.receiver.Close(ctx)
}

func isTransportError(err error) bool {
	var (
		connErr    *amqp.ConnError
		sessionErr *amqp.SessionError
		linkErr    *amqp.LinkError
	)
	return errors.As(err, &connErr) || errors.As(err, &sessionErr) || errors.As(err, &linkErr)
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/Azure/go-amqp"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

var errConnectionClosed = errors.New("connection closed")

// SettleFunc decides the outcome of a message sent to the in-memory broker.
// Returning nil accepts it, a *RejectedError rejects it and any other error
// drops every connection to the broker with that error.
type SettleFunc func(address string, msg *amqp.Message) error

// Broker is an in-memory message broker. Each address is a queue: accepted
// messages are buffered until a receiver takes them.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	users    map[string]string
	settle   SettleFunc
	failed   chan struct{}
	failure  error
	dialErr  error
	stalled  bool
	accepted []*amqp.Message
}

func NewBroker() *Broker {
	return &Broker{
		queues: map[string]*queue{},
		failed: make(chan struct{}),
	}
}

// Transport returns a Transport whose connections all reach this broker.
func (b *Broker) Transport() Transport {
	return brokerTransport{broker: b}
}

// RequireUser makes the broker refuse connections that do not present the
// given credentials.
func (b *Broker) RequireUser(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.users == nil {
		b.users = map[string]string{}
	}
	b.users[username] = password
}

func (b *Broker) OnSettle(fn SettleFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle = fn
}

// Stall makes the broker stop settling: later sends block until their
// context ends.
func (b *Broker) Stall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled = true
}

// RefuseConnections makes every subsequent dial fail with err.
func (b *Broker) RefuseConnections(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Fail drops every open connection with err.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return
	}
	b.failure = err
	close(b.failed)
}

// Publish places a message on an address as if a peer had sent it.
func (b *Broker) Publish(address string, msg *amqp.Message) {
	b.get(address).push(msg)
}

// Queued returns the messages waiting on an address.
func (b *Broker) Queued(address string) []*amqp.Message {
	return b.get(address).snapshot()
}

// Accepted returns every message the broker accepted, in order.
func (b *Broker) Accepted() []*amqp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*amqp.Message(nil), b.accepted...)
}

func (b *Broker) get(address string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[address]
	if !ok {
		q = newQueue()
		b.queues[address] = q
	}
	return q
}

func (b *Broker) authenticate(opts messenger.ConnectOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return b.dialErr
	}
	if b.users == nil {
		return nil
	}
	if opts.Credentials == nil {
		return fmt.Errorf("authentication failed: anonymous access denied")
	}
	if password, ok := b.users[opts.Credentials.Username]; !ok || password != opts.Credentials.Password {
		return fmt.Errorf("authentication failed for %q", opts.Credentials.Username)
	}
	return nil
}

// broken returns the channel closed on failure and the failure, if any.
func (b *Broker) broken() (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed, b.failure
}

func (b *Broker) send(ctx context.Context, address string, msg *amqp.Message) error {
	b.mu.Lock()
	settle, stalled := b.settle, b.stalled
	b.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return ctx.Err()
	}
	var err error
	if settle != nil {
		err = settle(address, msg)
	}
	var rejected *RejectedError
	switch {
	case err == nil:
		b.mu.Lock()
		b.accepted = append(b.accepted, msg)
		b.mu.Unlock()
		b.get(address).push(msg)
		return nil
	case errors.As(err, &rejected):
		return err
	default:
		b.Fail(err)
		return fmt.Errorf("connection lost: %w", err)
	}
}

type brokerTransport struct {
	broker *Broker
}

func (t brokerTransport) Dial(ctx context.Context, url string, opts messenger.ConnectOptions) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.broker.authenticate(opts); err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	return &memoryConnection{broker: t.broker, done: make(chan struct{})}, nil
}

type memoryConnection struct {
	broker    *Broker
	closeOnce sync.Once
	done      chan struct{}
}

// check reports why the connection can no longer be used.
func (c *memoryConnection) check() error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	if _, err := c.broker.broken(); err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	return nil
}

func (c *memoryConnection) Sender(ctx context.Context, address string) (Sender, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &memorySender{address: address, connection: c, done: make(chan struct{})}, nil
}

func (c *memoryConnection) Receiver(ctx context.Context, address string, credit uint32) (Receiver, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &memoryReceiver{connection: c, queue: c.broker.get(address), done: make(chan struct{})}, nil
}

func (c *memoryConnection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type memorySender struct {
	connection *memoryConnection
	address    string
	closeOnce  sync.Once
	done       chan struct{}
}

func (s *memorySender) Send(ctx context.Context, msg *amqp.Message) error {
	select {
	case <-s.done:
		return fmt.Errorf("sender closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := s.connection.check(); err != nil {
		return err
	}
	return s.connection.broker.send(ctx, s.address, msg)
}

func (s *memorySender) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type memoryReceiver struct {
	connection *memoryConnection
	queue      *queue
	closeOnce  sync.Once
	done       chan struct{}
}

func (r *memoryReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	failed, _ := r.connection.broker.broken()
	for {
		if err := r.connection.check(); err != nil {
			return nil, err
		}
		msg, ready := r.queue.pop()
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, fmt.Errorf("receiver closed")
		case <-r.connection.done:
			return nil, errConnectionClosed
		case <-failed:
		case <-ready:
		}
	}
}

func (r *memoryReceiver) Accept(context.Context, *amqp.Message) error {
	return r.connection.check()
}

func (r *memoryReceiver) Close(context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

type queue struct {
	mu       sync.Mutex
	messages []*amqp.Message
	ready    chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{})}
}

func (q *queue) push(msg *amqp.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	close(q.ready)
	q.ready = make(chan struct{})
}

// pop returns the next message, or nil and a channel closed when one
// arrives.
func (q *queue) pop() (*amqp.Message, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, q.ready
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, nil
}

func (q *queue) snapshot() []*amqp.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*amqp.Message(nil), q.messages...)
}

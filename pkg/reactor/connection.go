package reactor

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/Azure/go-amqp"

	"github.com/skupperproject/skupper-messenger/pkg/messaging"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

type connection struct {
	run   *run
	url   string
	opts  messenger.ConnectOptions
	state messenger.ConnectionState

	transport messaging.Connection
	senders   []*senderLink
	receivers []*receiverLink
}

func (c *connection) State() messenger.ConnectionState {
	return c.state
}

// Close ends the run once the current event has been handled.
func (c *connection) Close() {
	if c.state == messenger.StateClosed {
		return
	}
	c.state = messenger.StateClosed
	c.run.finished = true
}

func (c *connection) NewSender(address string) messenger.SenderLink {
	l := &senderLink{
		conn:    c,
		address: address,
		queue:   make(chan outgoing, c.run.container.window),
	}
	c.senders = append(c.senders, l)
	if c.state == messenger.StateActive {
		l.attach()
	}
	return l
}

func (c *connection) NewReceiver(address string) messenger.ReceiverLink {
	l := &receiverLink{
		conn:    c,
		address: address,
	}
	c.receivers = append(c.receivers, l)
	if c.state == messenger.StateActive {
		l.attach()
	}
	return l
}

func (c *connection) dial() {
	r := c.run
	r.logger.Debug("Connecting", slog.String("url", c.url), slog.Bool("anonymous", c.opts.Credentials == nil))
	r.group.Go(func() error {
		tc, err := r.container.transport.Dial(r.ioCtx, c.url, c.opts)
		posted := r.post(func() {
			c.dialed(tc, err)
		})
		if !posted && tc != nil {
			tc.Close()
		}
		return err
	})
}

func (c *connection) dialed(tc messaging.Connection, err error) {
	if err != nil {
		c.run.fail(err)
		return
	}
	c.transport = tc
	if c.state == messenger.StateClosed {
		return
	}
	c.state = messenger.StateActive
	for _, l := range c.senders {
		l.attach()
	}
	for _, l := range c.receivers {
		l.attach()
	}
}

type outgoing struct {
	tag uint64
	msg messenger.Message
}

type senderLink struct {
	conn    *connection
	address string

	transport messaging.Sender
	queue     chan outgoing
	inflight  int
	nextTag   uint64
	closed    bool
}

// Credit is the room left in the window, zero until the link is attached.
func (l *senderLink) Credit() int {
	if l.transport == nil || l.closed || l.conn.state == messenger.StateClosed {
		return 0
	}
	return cap(l.queue) - l.inflight
}

// Send queues msg for transmission. A message sent without credit is
// dropped.
func (l *senderLink) Send(msg messenger.Message) messenger.Delivery {
	if l.Credit() <= 0 {
		l.conn.run.logger.Error("Dropping message sent without credit",
			slog.String("address", l.address), slog.Uint64("id", msg.ID))
		return messenger.Delivery{}
	}
	l.nextTag++
	l.inflight++
	l.queue <- outgoing{tag: l.nextTag, msg: msg}
	return messenger.Delivery{Tag: l.nextTag}
}

func (l *senderLink) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if l.transport == nil {
		return
	}
	snd, r := l.transport, l.conn.run
	r.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return snd.Close(ctx)
	})
}

func (l *senderLink) attach() {
	r := l.conn.run
	tc := l.conn.transport
	r.group.Go(func() error {
		snd, err := tc.Sender(r.ioCtx, l.address)
		r.post(func() {
			l.attached(snd, err)
		})
		return err
	})
}

func (l *senderLink) attached(snd messaging.Sender, err error) {
	r := l.conn.run
	if err != nil {
		r.fail(err)
		return
	}
	l.transport = snd
	r.group.Go(func() error {
		return l.write(r.ioCtx, snd)
	})
	if !r.finished {
		r.dispatch(messenger.Sendable{Connection: l.conn, Sender: l})
	}
}

// write transmits queued messages in order, one at a time, and posts each
// settlement back to the event loop. It returns the error that broke the
// link, if any.
func (l *senderLink) write(ctx context.Context, snd messaging.Sender) error {
	r := l.conn.run
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-l.queue:
			err := snd.Send(ctx, messaging.Encode(out.msg))
			if !r.post(func() { l.settled(out.tag, err) }) {
				return nil
			}
			var rejected *messaging.RejectedError
			if err != nil && !errors.As(err, &rejected) {
				return err
			}
		}
	}
}

func (l *senderLink) settled(tag uint64, err error) {
	r := l.conn.run
	l.inflight--
	if r.finished {
		return
	}
	delivery := messenger.Delivery{Tag: tag}
	var rejected *messaging.RejectedError
	switch {
	case err == nil:
		r.dispatch(messenger.Accepted{Connection: l.conn, Delivery: delivery})
	case errors.As(err, &rejected):
		r.dispatch(messenger.Rejected{Connection: l.conn, Delivery: delivery, Condition: rejected.Condition})
	default:
		r.fail(err)
		return
	}
	if !r.finished && !l.closed {
		r.dispatch(messenger.Sendable{Connection: l.conn, Sender: l})
	}
}

type receiverLink struct {
	conn    *connection
	address string

	transport  messaging.Receiver
	closed     bool
	delivering bool
}

// Close detaches the link. From inside MessageReceived the detach waits
// until the message being handled has been accepted.
func (l *receiverLink) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if l.transport == nil || l.delivering {
		return
	}
	l.detach()
}

func (l *receiverLink) detach() {
	rcv, r := l.transport, l.conn.run
	r.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return rcv.Close(ctx)
	})
}

func (l *receiverLink) attach() {
	r := l.conn.run
	tc := l.conn.transport
	r.group.Go(func() error {
		rcv, err := tc.Receiver(r.ioCtx, l.address, r.container.prefetch)
		r.post(func() {
			l.attached(rcv, err)
		})
		return err
	})
}

func (l *receiverLink) attached(rcv messaging.Receiver, err error) {
	r := l.conn.run
	if err != nil {
		r.fail(err)
		return
	}
	l.transport = rcv
	r.group.Go(func() error {
		return l.read(r.ioCtx, rcv)
	})
}

func (l *receiverLink) read(ctx context.Context, rcv messaging.Receiver) error {
	r := l.conn.run
	for {
		msg, err := rcv.Receive(ctx)
		if err != nil {
			r.post(func() { l.failed(err) })
			return err
		}
		if !r.post(func() { l.delivered(msg) }) {
			return nil
		}
	}
}

func (l *receiverLink) delivered(msg *amqp.Message) {
	r := l.conn.run
	if r.finished || l.closed {
		return
	}
	l.delivering = true
	r.dispatch(messenger.MessageReceived{
		Connection: l.conn,
		Receiver:   l,
		Message:    messaging.Decode(msg),
	})
	l.delivering = false
	if err := l.transport.Accept(r.ioCtx, msg); err != nil {
		r.logger.Debug("Accept failed", slog.String("address", l.address), slog.Any("error", err))
	}
	if l.closed {
		l.detach()
	}
}

func (l *receiverLink) failed(err error) {
	if l.closed || l.conn.run.finished {
		return
	}
	l.conn.run.fail(err)
}

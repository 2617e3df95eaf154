package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"gotest.tools/v3/assert"

	"github.com/skupperproject/skupper-messenger/pkg/messaging"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder wraps a handler and keeps the type of every event it saw.
type recorder struct {
	next   messenger.Handler
	events []string
}

func (r *recorder) Handle(e messenger.Event) {
	r.events = append(r.events, fmt.Sprintf("%T", e))
	if r.next != nil {
		r.next.Handle(e)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)
	return ctx
}

func batch(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Sprintf("msg-%d", i+1)
	}
	return out
}

func TestRunSend(t *testing.T) {
	tests := []struct {
		name     string
		messages int
		window   int
		qos      messenger.QoS
		reject   map[any]bool
		expected messenger.Result
	}{
		{
			name:     "three accepted",
			messages: 3,
			qos:      messenger.QoSAtLeastOnce,
			expected: messenger.Result{Total: 3, Sent: 3, Confirmed: 3, Accepted: 3},
		},
		{
			name:     "durable with one rejected",
			messages: 3,
			qos:      messenger.QoSDurable,
			reject:   map[any]bool{"msg-2": true},
			expected: messenger.Result{Total: 3, Sent: 3, Confirmed: 3, Accepted: 2, Rejected: 1},
		},
		{
			name:     "window smaller than batch",
			messages: 23,
			window:   2,
			qos:      messenger.QoSAtMostOnce,
			reject:   map[any]bool{"msg-4": true, "msg-20": true},
			expected: messenger.Result{Total: 23, Sent: 23, Confirmed: 23, Accepted: 21, Rejected: 2},
		},
		{
			name:     "window of one",
			messages: 5,
			window:   1,
			expected: messenger.Result{Total: 5, Sent: 5, Confirmed: 5, Accepted: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := messaging.NewBroker()
			broker.OnSettle(func(address string, msg *amqp.Message) error {
				if tt.reject[msg.Value] {
					return &messaging.RejectedError{Condition: errors.New("not today")}
				}
				return nil
			})
			session := messenger.NewSendSession(messenger.SendConfig{
				URL:      "amqp://memory",
				Address:  "orders",
				Messages: batch(tt.messages),
				QoS:      tt.qos,
			})
			c := New(broker.Transport(), Options{Window: tt.window})
			assert.NilError(t, c.Run(testContext(t), session))
			assert.DeepEqual(t, session.Result(), tt.expected)
			assert.Equal(t, session.State(), messenger.SendClosed)

			var ids []uint64
			var bodies []any
			for _, msg := range broker.Accepted() {
				decoded := messaging.Decode(msg)
				assert.Equal(t, decoded.Durable, tt.qos == messenger.QoSDurable)
				ids = append(ids, decoded.ID)
				bodies = append(bodies, decoded.Body)
			}
			var expectedIDs []uint64
			var expectedBodies []any
			for i, body := range batch(tt.messages) {
				if !tt.reject[body] {
					expectedIDs = append(expectedIDs, uint64(i+1))
					expectedBodies = append(expectedBodies, body)
				}
			}
			if diff := cmp.Diff(expectedIDs, ids); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(expectedBodies, bodies); diff != "" {
				t.Errorf("unexpected bodies (-want +got):\n%s", diff)
			}
			assert.Equal(t, len(broker.Queued("orders")), len(expectedIDs))
		})
	}
}

func TestRunSendDialFailure(t *testing.T) {
	broker := messaging.NewBroker()
	broker.RequireUser("guest", "guest")
	session := messenger.NewSendSession(messenger.SendConfig{
		URL:      "amqp://memory",
		Address:  "orders",
		Messages: batch(3),
	})
	rec := &recorder{next: session}
	assert.NilError(t, New(broker.Transport(), Options{}).Run(testContext(t), rec))
	assert.DeepEqual(t, rec.events, []string{
		"messenger.Start",
		"messenger.TransportError",
		"messenger.Disconnected",
	})
	assert.DeepEqual(t, session.Result(), messenger.Result{Total: 3})
	assert.ErrorContains(t, session.LastCondition(), "anonymous access denied")
	assert.Equal(t, session.ConnectionState(), messenger.StateClosed)
}

func TestRunSendDisconnectMidBatch(t *testing.T) {
	broker := messaging.NewBroker()
	var count int
	broker.OnSettle(func(address string, msg *amqp.Message) error {
		count++
		if count == 3 {
			return errors.New("router went away")
		}
		return nil
	})
	session := messenger.NewSendSession(messenger.SendConfig{
		URL:         "amqp://memory",
		Address:     "orders",
		Credentials: &messenger.Credentials{Username: "guest", Password: "guest"},
		Messages:    batch(6),
	})
	rec := &recorder{next: session}
	assert.NilError(t, New(broker.Transport(), Options{}).Run(testContext(t), rec))
	assert.DeepEqual(t, session.Result(), messenger.Result{Total: 6, Sent: 2, Confirmed: 2, Accepted: 2})
	assert.ErrorContains(t, session.LastCondition(), "router went away")
	assert.DeepEqual(t, rec.events[len(rec.events)-2:], []string{
		"messenger.TransportError",
		"messenger.Disconnected",
	})
}

// cancelOnAccepted cancels the run once the first delivery is accepted.
type cancelOnAccepted struct {
	next   messenger.Handler
	cancel context.CancelFunc
}

func (c cancelOnAccepted) Handle(e messenger.Event) {
	c.next.Handle(e)
	if _, ok := e.(messenger.Accepted); ok {
		c.cancel()
	}
}

func TestRunSendCancelledMidBatch(t *testing.T) {
	broker := messaging.NewBroker()
	broker.OnSettle(func(address string, msg *amqp.Message) error {
		broker.Stall()
		return nil
	})
	session := messenger.NewSendSession(messenger.SendConfig{
		URL:         "amqp://memory",
		Address:     "orders",
		Credentials: &messenger.Credentials{Username: "guest", Password: "guest"},
		Messages:    batch(3),
	})
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	rec := &recorder{next: cancelOnAccepted{next: session, cancel: cancel}}
	err := New(broker.Transport(), Options{}).Run(ctx, rec)
	assert.Assert(t, errors.Is(err, context.Canceled))

	result := session.Result()
	assert.Equal(t, result.Sent, result.Confirmed)
	assert.DeepEqual(t, result, messenger.Result{Total: 3, Sent: 1, Confirmed: 1, Accepted: 1})
	assert.Equal(t, session.State(), messenger.SendClosed)
	assert.Equal(t, session.ConnectionState(), messenger.StateClosed)
	assert.Assert(t, errors.Is(session.LastCondition(), context.Canceled))
	assert.Equal(t, rec.events[len(rec.events)-1], "messenger.Disconnected")
	assert.Equal(t, len(broker.Accepted()), 1)
}

func publish(broker *messaging.Broker, address string, ids ...uint64) {
	for _, id := range ids {
		broker.Publish(address, messaging.Encode(messenger.Message{ID: id, Body: fmt.Sprintf("body-%d", id)}))
	}
}

func TestRunReceive(t *testing.T) {
	tests := []struct {
		name      string
		expected  int
		published []uint64
		delivered []uint64
	}{
		{
			name:      "bounded",
			expected:  3,
			published: []uint64{1, 2, 3, 4, 5},
			delivered: []uint64{1, 2, 3},
		},
		{
			name:      "duplicate dropped",
			expected:  4,
			published: []uint64{1, 2, 3, 2, 4},
			delivered: []uint64{1, 2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := messaging.NewBroker()
			publish(broker, "events", tt.published...)
			var delivered []uint64
			session := messenger.NewReceiveSession(messenger.ReceiveConfig{
				URL:      "amqp://memory",
				Address:  "events",
				Expected: tt.expected,
				Deliver: func(msg messenger.Message) {
					delivered = append(delivered, msg.ID)
				},
			})
			assert.NilError(t, New(broker.Transport(), Options{Prefetch: 2}).Run(testContext(t), session))
			assert.DeepEqual(t, delivered, tt.delivered)
			assert.Equal(t, session.Received(), tt.expected)
			assert.Equal(t, session.State(), messenger.ReceiveClosed)
		})
	}
}

func TestRunReceiveUnbounded(t *testing.T) {
	broker := messaging.NewBroker()
	publish(broker, "events", 1, 2, 3, 4, 5, 6)
	done := make(chan struct{})
	var delivered int
	session := messenger.NewReceiveSession(messenger.ReceiveConfig{
		URL:     "amqp://memory",
		Address: "events",
		Deliver: func(msg messenger.Message) {
			delivered++
			if delivered == 6 {
				close(done)
			}
		},
	})
	ctx, cancel := context.WithCancel(testContext(t))
	go func() {
		<-done
		cancel()
	}()
	err := New(broker.Transport(), Options{}).Run(ctx, session)
	assert.Assert(t, errors.Is(err, context.Canceled))
	assert.Equal(t, session.Received(), 6)
	assert.Equal(t, session.State(), messenger.ReceiveClosed)
	assert.Assert(t, errors.Is(session.LastCondition(), context.Canceled))
}

// journal records the receiver calls that reach the transport.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type journalTransport struct {
	messaging.Transport
	journal *journal
}

func (t journalTransport) Dial(ctx context.Context, url string, opts messenger.ConnectOptions) (messaging.Connection, error) {
	conn, err := t.Transport.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return journalConnection{Connection: conn, journal: t.journal}, nil
}

type journalConnection struct {
	messaging.Connection
	journal *journal
}

func (c journalConnection) Receiver(ctx context.Context, address string, credit uint32) (messaging.Receiver, error) {
	rcv, err := c.Connection.Receiver(ctx, address, credit)
	if err != nil {
		return nil, err
	}
	return journalReceiver{Receiver: rcv, journal: c.journal}, nil
}

type journalReceiver struct {
	messaging.Receiver
	journal *journal
}

func (r journalReceiver) Accept(ctx context.Context, msg *amqp.Message) error {
	r.journal.add(fmt.Sprintf("accept %d", messaging.Decode(msg).ID))
	return r.Receiver.Accept(ctx, msg)
}

func (r journalReceiver) Close(ctx context.Context) error {
	r.journal.add("close")
	return r.Receiver.Close(ctx)
}

func TestRunReceiveAcceptsBeforeDetach(t *testing.T) {
	for i := 0; i < 20; i++ {
		broker := messaging.NewBroker()
		publish(broker, "events", 1, 2, 3, 4)
		j := &journal{}
		session := messenger.NewReceiveSession(messenger.ReceiveConfig{
			URL:      "amqp://memory",
			Address:  "events",
			Expected: 2,
			Deliver:  func(messenger.Message) {},
		})
		transport := journalTransport{Transport: broker.Transport(), journal: j}
		assert.NilError(t, New(transport, Options{}).Run(testContext(t), session))
		assert.DeepEqual(t, j.list(), []string{"accept 1", "accept 2", "close"})
	}
}

func TestRunReceiveBrokerFailure(t *testing.T) {
	broker := messaging.NewBroker()
	publish(broker, "events", 1, 2)
	var delivered int
	session := messenger.NewReceiveSession(messenger.ReceiveConfig{
		URL:      "amqp://memory",
		Address:  "events",
		Expected: 5,
		Deliver: func(msg messenger.Message) {
			delivered++
			if delivered == 2 {
				broker.Fail(errors.New("router restarted"))
			}
		},
	})
	assert.NilError(t, New(broker.Transport(), Options{}).Run(testContext(t), session))
	assert.Equal(t, session.Received(), 2)
	assert.Equal(t, session.State(), messenger.ReceiveClosed)
	assert.ErrorContains(t, session.LastCondition(), "router restarted")
}

type idle struct{}

func (idle) Handle(messenger.Event) {}

func TestRunWithoutConnection(t *testing.T) {
	broker := messaging.NewBroker()
	assert.NilError(t, New(broker.Transport(), Options{}).Run(testContext(t), idle{}))
}

type doubleConnect struct {
	second messenger.Connection
}

func (d *doubleConnect) Handle(e messenger.Event) {
	if start, ok := e.(messenger.Start); ok {
		first := start.Container.Connect("amqp://memory", messenger.ConnectOptions{})
		d.second = start.Container.Connect("amqp://memory", messenger.ConnectOptions{})
		first.Close()
	}
}

func TestRunSingleConnection(t *testing.T) {
	broker := messaging.NewBroker()
	h := &doubleConnect{}
	assert.NilError(t, New(broker.Transport(), Options{}).Run(testContext(t), h))
	assert.Assert(t, h.second == nil)
}

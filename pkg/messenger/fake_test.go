package messenger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type fakeContainer struct {
	refuse      bool
	connectURL  string
	connectOpts ConnectOptions
	conn        *fakeConnection
}

func (c *fakeContainer) Connect(url string, opts ConnectOptions) Connection {
	if c.refuse {
		return nil
	}
	c.connectURL, c.connectOpts = url, opts
	c.conn = &fakeConnection{state: StateConnecting}
	return c.conn
}

type fakeConnection struct {
	state     ConnectionState
	closes    int
	senders   []string
	receivers []string
	sender    *fakeSender
	receiver  *fakeReceiver
}

func (c *fakeConnection) NewSender(address string) SenderLink {
	c.senders = append(c.senders, address)
	c.sender = &fakeSender{}
	return c.sender
}

func (c *fakeConnection) NewReceiver(address string) ReceiverLink {
	c.receivers = append(c.receivers, address)
	c.receiver = &fakeReceiver{}
	return c.receiver
}

func (c *fakeConnection) Close() {
	c.closes++
	c.state = StateClosed
}

func (c *fakeConnection) State() ConnectionState {
	return c.state
}

type fakeSender struct {
	credit int
	sent   []Message
}

func (s *fakeSender) Credit() int {
	return s.credit
}

func (s *fakeSender) Send(msg Message) Delivery {
	s.credit--
	s.sent = append(s.sent, msg)
	return Delivery{Tag: uint64(len(s.sent))}
}

func (s *fakeSender) Close() {}

type fakeReceiver struct {
	closes int
}

func (r *fakeReceiver) Close() {
	r.closes++
}

type fakeCounter struct {
	n int
}

func (c *fakeCounter) Inc() {
	c.n++
}

type fakeMetrics struct {
	sent, accepted, rejected, received, duplicate fakeCounter
}

func (m *fakeMetrics) NewSentMetric(string) CounterMetric      { return &m.sent }
func (m *fakeMetrics) NewAcceptedMetric(string) CounterMetric  { return &m.accepted }
func (m *fakeMetrics) NewRejectedMetric(string) CounterMetric  { return &m.rejected }
func (m *fakeMetrics) NewReceivedMetric(string) CounterMetric  { return &m.received }
func (m *fakeMetrics) NewDuplicateMetric(string) CounterMetric { return &m.duplicate }

var errBoom = errors.New("boom")

// capture is a slog handler that keeps every record it is given.
type capture struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newCapture() capture {
	return capture{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (c capture) Enabled(context.Context, slog.Level) bool { return true }

func (c capture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.records = append(*c.records, r.Clone())
	return nil
}

func (c capture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c capture) WithGroup(string) slog.Handler      { return c }

// at returns the messages logged at level.
func (c capture) at(level slog.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range *c.records {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}

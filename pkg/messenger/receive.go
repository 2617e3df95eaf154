package messenger

import (
	"crypto/tls"
	"log/slog"
)

type ReceiveState int

const (
	ReceiveIdle ReceiveState = iota
	ReceiveConnecting
	ReceiveReceiving
	ReceiveClosed
)

func (s ReceiveState) String() string {
	switch s {
	case ReceiveIdle:
		return "idle"
	case ReceiveConnecting:
		return "connecting"
	case ReceiveReceiving:
		return "receiving"
	case ReceiveClosed:
		return "closed"
	}
	return "unknown"
}

type ReceiveConfig struct {
	URL     string
	Address string
	// Credentials is nil for anonymous authentication.
	Credentials *Credentials
	TLSConfig   *tls.Config
	// Expected is the number of messages to receive before closing. Zero
	// means receive until the connection goes away.
	Expected int
	// Deliver is called for every counted message. Defaults to logging the
	// body.
	Deliver func(Message)
	Logger  *slog.Logger
	Metrics MetricsProvider
}

// ReceiveSession consumes messages from a single receiver link.
//
// Duplicates are detected by comparing the message identifier against the
// number of messages received so far: an identifier strictly lower than the
// count has already been seen. This relies on a single sender numbering its
// messages from 1 in order and does not catch reordered redeliveries.
type ReceiveSession struct {
	url         string
	address     string
	credentials *Credentials
	tlsConfig   *tls.Config
	logger      *slog.Logger
	deliver     func(Message)

	expected int
	received int

	state         ReceiveState
	status        ConnectionState
	lastCondition error

	receivedMetric  CounterMetric
	duplicateMetric CounterMetric
}

func NewReceiveSession(cfg ReceiveConfig) *ReceiveSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "receiver"), slog.String("address", cfg.Address))
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	deliver := cfg.Deliver
	if deliver == nil {
		deliver = func(msg Message) {
			logger.Info("Message received", slog.Any("body", msg.Body))
		}
	}
	return &ReceiveSession{
		url:             cfg.URL,
		address:         cfg.Address,
		credentials:     cfg.Credentials,
		tlsConfig:       cfg.TLSConfig,
		logger:          logger,
		deliver:         deliver,
		expected:        cfg.Expected,
		receivedMetric:  metrics.NewReceivedMetric(cfg.Address),
		duplicateMetric: metrics.NewDuplicateMetric(cfg.Address),
	}
}

func (r *ReceiveSession) Handle(event Event) {
	switch e := event.(type) {
	case Start:
		r.onStart(e)
	case MessageReceived:
		r.onMessage(e)
	case TransportError:
		r.onTransportError(e)
	case Disconnected:
		r.onDisconnected(e)
	}
}

func (r *ReceiveSession) onStart(e Start) {
	r.state = ReceiveConnecting
	conn := e.Container.Connect(r.url, ConnectOptions{
		Credentials: r.credentials,
		TLSConfig:   r.tlsConfig,
	})
	if conn == nil {
		return
	}
	conn.NewReceiver(r.address)
	r.status = conn.State()
}

func (r *ReceiveSession) onMessage(e MessageReceived) {
	if r.state == ReceiveClosed {
		return
	}
	r.state = ReceiveReceiving
	r.status = connectionState(e.Connection)
	if r.isDuplicate(e.Message) {
		r.logger.Debug("Ignoring duplicate message", slog.Uint64("id", e.Message.ID), slog.Int("received", r.received))
		r.duplicateMetric.Inc()
		return
	}
	if r.expected != 0 && r.received >= r.expected {
		return
	}
	r.deliver(e.Message)
	r.received++
	r.receivedMetric.Inc()
	if r.received == r.expected {
		r.logger.Info("Received all messages", slog.Int("messages", r.expected))
		if e.Receiver != nil {
			e.Receiver.Close()
		}
		if e.Connection != nil {
			e.Connection.Close()
		}
		r.state = ReceiveClosed
		r.status = connectionState(e.Connection)
	}
}

func (r *ReceiveSession) isDuplicate(msg Message) bool {
	return msg.ID != 0 && msg.ID < uint64(r.received)
}

func (r *ReceiveSession) onTransportError(e TransportError) {
	r.logger.Error("Transport error", slog.Any("condition", e.Condition))
	r.lastCondition = e.Condition
	DefaultTransportError(e)
	r.status = connectionState(e.Connection)
}

// onDisconnected keeps the messages already counted.
func (r *ReceiveSession) onDisconnected(e Disconnected) {
	attrs := []any{}
	if e.Condition != nil {
		r.lastCondition = e.Condition
		attrs = append(attrs, slog.Any("condition", e.Condition))
	}
	r.logger.Info("Disconnected", attrs...)
	r.state = ReceiveClosed
	r.status = connectionState(e.Connection)
}

// Received is the number of distinct messages counted so far.
func (r *ReceiveSession) Received() int {
	return r.received
}

func (r *ReceiveSession) Expected() int {
	return r.expected
}

func (r *ReceiveSession) State() ReceiveState {
	return r.state
}

func (r *ReceiveSession) ConnectionState() ConnectionState {
	return r.status
}

func (r *ReceiveSession) LastCondition() error {
	return r.lastCondition
}

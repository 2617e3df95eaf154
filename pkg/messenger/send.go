package messenger

import (
	"crypto/tls"
	"log/slog"
)

// QoS is the quality of service level of a send session. Only level 2 changes
// behaviour: it marks every message durable.
type QoS int

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSDurable     QoS = 2
)

func (q QoS) durable() bool {
	return q == QoSDurable
}

type SendState int

const (
	SendIdle SendState = iota
	SendConnecting
	SendSending
	SendDraining
	SendClosed
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendConnecting:
		return "connecting"
	case SendSending:
		return "sending"
	case SendDraining:
		return "draining"
	case SendClosed:
		return "closed"
	}
	return "unknown"
}

// Result is the outcome of a send run.
type Result struct {
	Total     int `json:"messages"`
	Sent      int `json:"messages_sent"`
	Confirmed int `json:"messages_confirmed"`
	Accepted  int `json:"messages_accepted"`
	Rejected  int `json:"messages_rejected"`
}

type SendConfig struct {
	URL     string
	Address string
	// Credentials is nil for anonymous authentication.
	Credentials *Credentials
	TLSConfig   *tls.Config
	Messages    []any
	QoS         QoS
	Logger      *slog.Logger
	Metrics     MetricsProvider
}

// SendSession transmits a fixed list of messages over a single sender link
// and closes the connection once the peer has settled every one of them.
//
// Invariant: confirmed == accepted + rejected <= sent <= total.
type SendSession struct {
	url         string
	address     string
	credentials *Credentials
	tlsConfig   *tls.Config
	logger      *slog.Logger

	messages []any
	total    int
	durable  bool

	cursor    int
	sent      int
	confirmed int
	accepted  int
	rejected  int

	state         SendState
	status        ConnectionState
	lastCondition error

	sentMetric     CounterMetric
	acceptedMetric CounterMetric
	rejectedMetric CounterMetric
}

func NewSendSession(cfg SendConfig) *SendSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	messages := make([]any, len(cfg.Messages))
	copy(messages, cfg.Messages)
	return &SendSession{
		url:            cfg.URL,
		address:        cfg.Address,
		credentials:    cfg.Credentials,
		tlsConfig:      cfg.TLSConfig,
		logger:         logger.With(slog.String("component", "sender"), slog.String("address", cfg.Address)),
		messages:       messages,
		total:          len(messages),
		durable:        cfg.QoS.durable(),
		sentMetric:     metrics.NewSentMetric(cfg.Address),
		acceptedMetric: metrics.NewAcceptedMetric(cfg.Address),
		rejectedMetric: metrics.NewRejectedMetric(cfg.Address),
	}
}

func (s *SendSession) Handle(event Event) {
	switch e := event.(type) {
	case Start:
		s.onStart(e)
	case Sendable:
		s.onSendable(e)
	case Accepted:
		s.onAccepted(e)
	case Rejected:
		s.onRejected(e)
	case TransportError:
		s.onTransportError(e)
	case Disconnected:
		s.onDisconnected(e)
	}
}

func (s *SendSession) onStart(e Start) {
	if s.credentials == nil {
		s.logger.Warn("Attempting to connect without username and password", slog.String("url", s.url))
	}
	s.state = SendConnecting
	conn := e.Container.Connect(s.url, ConnectOptions{
		Credentials: s.credentials,
		TLSConfig:   s.tlsConfig,
	})
	if conn == nil {
		return
	}
	conn.NewSender(s.address)
	s.status = conn.State()
}

// onSendable may be called any number of times, with or without credit. It
// resumes from the cursor so that every message is sent exactly once and in
// order.
func (s *SendSession) onSendable(e Sendable) {
	if s.state == SendClosed {
		return
	}
	if s.state == SendConnecting || s.state == SendIdle {
		s.state = SendSending
	}
	if s.total == 0 {
		s.logger.Info("No messages to send")
		s.closeConnection(e.Connection)
		return
	}
	for e.Sender.Credit() > 0 && s.cursor < s.total {
		msg := Message{
			ID:      uint64(s.sent + 1),
			Body:    s.messages[s.cursor],
			Durable: s.durable,
		}
		e.Sender.Send(msg)
		s.cursor++
		s.sent++
		s.sentMetric.Inc()
	}
	if s.cursor == s.total && s.state == SendSending {
		s.state = SendDraining
	}
	s.status = connectionState(e.Connection)
}

func (s *SendSession) onAccepted(e Accepted) {
	if !s.confirm(e.Delivery) {
		return
	}
	s.accepted++
	s.acceptedMetric.Inc()
	if s.confirmed == s.total {
		s.logger.Info("All messages confirmed", slog.Int("messages", s.total))
		s.closeConnection(e.Connection)
	}
	s.status = connectionState(e.Connection)
}

func (s *SendSession) onRejected(e Rejected) {
	if !s.confirm(e.Delivery) {
		return
	}
	s.rejected++
	s.rejectedMetric.Inc()
	attrs := []any{slog.String("url", s.url), slog.String("delivery", e.Delivery.String())}
	if e.Condition != nil {
		attrs = append(attrs, slog.Any("condition", e.Condition))
	}
	s.logger.Warn("Broker rejected message", attrs...)
	if s.confirmed == s.total {
		s.closeConnection(e.Connection)
	}
	s.status = connectionState(e.Connection)
}

// confirm counts a settled delivery. A settlement that would confirm more
// messages than were sent is dropped.
func (s *SendSession) confirm(d Delivery) bool {
	if s.confirmed >= s.sent {
		s.logger.Error("Dropping settlement for a delivery that was never sent",
			slog.String("delivery", d.String()),
			slog.Int("sent", s.sent),
			slog.Int("confirmed", s.confirmed))
		return false
	}
	s.confirmed++
	return true
}

func (s *SendSession) onTransportError(e TransportError) {
	s.logger.Error("Transport error", slog.Any("condition", e.Condition))
	s.lastCondition = e.Condition
	DefaultTransportError(e)
	s.status = connectionState(e.Connection)
}

// onDisconnected reconciles sent down to confirmed: the outcome of a message
// that was in flight when the transport went away is unknown.
func (s *SendSession) onDisconnected(e Disconnected) {
	if e.Condition != nil {
		s.logger.Error("Disconnected with error", slog.Any("condition", e.Condition))
		s.lastCondition = e.Condition
		if e.Connection != nil && e.Connection.State() != StateClosed {
			e.Connection.Close()
		}
	}
	s.sent = s.confirmed
	s.state = SendClosed
	s.status = connectionState(e.Connection)
}

func (s *SendSession) closeConnection(conn Connection) {
	if conn != nil {
		conn.Close()
	}
	s.state = SendClosed
}

func (s *SendSession) Result() Result {
	return Result{
		Total:     s.total,
		Sent:      s.sent,
		Confirmed: s.confirmed,
		Accepted:  s.accepted,
		Rejected:  s.rejected,
	}
}

func (s *SendSession) State() SendState {
	return s.state
}

// ConnectionState is the connection state observed after the last event.
func (s *SendSession) ConnectionState() ConnectionState {
	return s.status
}

// LastCondition is the most recent transport failure seen by the session, if
// any.
func (s *SendSession) LastCondition() error {
	return s.lastCondition
}

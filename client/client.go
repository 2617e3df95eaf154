// client sends and receives batches of messages over AMQP 1.0 with a fixed
// set of credentials.
package client

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/skupperproject/skupper-messenger/pkg/credentials"
	"github.com/skupperproject/skupper-messenger/pkg/messaging"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
	"github.com/skupperproject/skupper-messenger/pkg/reactor"
)

type Client struct {
	credentials *messenger.Credentials
	transport   messaging.Transport
	tlsConfig   *tls.Config
	metrics     messenger.MetricsProvider
	logger      *slog.Logger
	options     reactor.Options
}

type Option func(*Client)

// WithTransport replaces the AMQP transport, e.g. with an in-memory broker.
func WithTransport(t messaging.Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithMetrics(m messenger.MetricsProvider) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithReactorOptions(opts reactor.Options) Option {
	return func(c *Client) {
		c.options = opts
	}
}

// New returns a client authenticating with creds, anonymous when nil.
func New(creds *messenger.Credentials, opts ...Option) *Client {
	c := &Client{
		credentials: creds,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = messaging.NewAMQPTransport(messaging.AMQPConfig{})
	}
	if c.options.Logger == nil {
		c.options.Logger = c.logger
	}
	return c
}

// NewFromFile resolves credentials with credentials.Resolve before creating
// the client.
func NewFromFile(explicit *credentials.Explicit, path string, opts ...Option) (*Client, error) {
	creds, err := credentials.Resolve(explicit, path)
	if err != nil {
		return nil, err
	}
	return New(creds, opts...), nil
}

// SendMessages delivers messages to address and reports how many were
// confirmed. The error is only set when ctx ends the run early; transport
// failures show up as a Result with fewer confirmed messages than Total.
func (c *Client) SendMessages(ctx context.Context, url string, address string, messages []any, qos messenger.QoS) (messenger.Result, error) {
	session := messenger.NewSendSession(messenger.SendConfig{
		URL:         url,
		Address:     address,
		Credentials: c.credentials,
		TLSConfig:   c.tlsConfig,
		Messages:    messages,
		QoS:         qos,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})
	err := reactor.New(c.transport, c.options).Run(ctx, session)
	return session.Result(), err
}

// Receive consumes count messages from address, or messages until ctx is
// done when count is zero, passing each one to deliver. It returns the
// number of messages received.
func (c *Client) Receive(ctx context.Context, url string, address string, count int, deliver func(messenger.Message)) (int, error) {
	session := messenger.NewReceiveSession(messenger.ReceiveConfig{
		URL:         url,
		Address:     address,
		Credentials: c.credentials,
		TLSConfig:   c.tlsConfig,
		Expected:    count,
		Deliver:     deliver,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})
	err := reactor.New(c.transport, c.options).Run(ctx, session)
	return session.Received(), err
}

package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	iflag "github.com/skupperproject/skupper-messenger/internal/flag"
	"github.com/skupperproject/skupper-messenger/internal/logging"
	"github.com/skupperproject/skupper-messenger/internal/metrics"
	"github.com/skupperproject/skupper-messenger/client"
	"github.com/skupperproject/skupper-messenger/pkg/credentials"
	"github.com/skupperproject/skupper-messenger/pkg/messaging"
	"github.com/skupperproject/skupper-messenger/pkg/reactor"
)

// Options shared by send and receive.
type Options struct {
	URL             string
	Address         string
	CredentialsFile string
	Username        string
	Password        string
	Prefetch        int
	Window          int
	LogLevel        string
	MetricsAddress  string
	TLS             TLSSpec

	// Transport overrides the AMQP transport, used by tests.
	Transport messaging.Transport
}

type TLSSpec struct {
	CA         string
	Cert       string
	Key        string
	SkipVerify bool
}

func (t TLSSpec) enabled() bool {
	return t.CA != "" || t.Cert != "" || t.SkipVerify
}

// config builds the client TLS configuration, leaving protocol versions at
// the crypto/tls defaults.
func (t TLSSpec) config() (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: t.SkipVerify,
	}

	if len(t.CA) > 0 && !t.SkipVerify {
		certPool := x509.NewCertPool()
		file, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, err
		}
		if ok := certPool.AppendCertsFromPEM(file); !ok {
			return nil, fmt.Errorf("failed to add CA to certificate pool")
		}
		config.RootCAs = certPool
	}

	if len(t.Cert) > 0 {
		tlsCert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{tlsCert}
	}

	return config, nil
}

func (o *Options) AddFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	iflag.StringVarP(flags, &o.URL, "url", "u", "AMQP_URL", "", "URL of the broker, e.g. amqp://localhost:5672")
	iflag.StringVarP(flags, &o.Address, "address", "a", "AMQP_ADDRESS", "", "Address (queue or topic) of the link")
	iflag.StringVarP(flags, &o.CredentialsFile, "credentials", "c", "AMQP_CREDENTIALS", credentials.DefaultFile, "JSON or YAML file holding username and password")
	iflag.StringVar(flags, &o.Username, "username", "AMQP_USERNAME", "", "Username, bypasses the credentials file")
	iflag.StringVar(flags, &o.Password, "password", "AMQP_PASSWORD", "", "Password, bypasses the credentials file")
	iflag.IntVarP(flags, &o.Prefetch, "prefetch", "", "AMQP_PREFETCH", reactor.DefaultPrefetch, "Credit granted by the receiver link")
	iflag.IntVarP(flags, &o.Window, "window", "", "AMQP_WINDOW", reactor.DefaultWindow, "Maximum number of unsettled messages in flight")
	iflag.StringVar(flags, &o.LogLevel, "log-level", "AMQP_LOG_LEVEL", "info", "One of debug, info, warn, error")
	iflag.StringVar(flags, &o.MetricsAddress, "metrics-address", "AMQP_METRICS_ADDRESS", "", "Serve prometheus metrics on this address while running")
	iflag.StringVar(flags, &o.TLS.CA, "tls-ca", "AMQP_TLS_CA", "", "CA used to verify the broker certificate")
	iflag.StringVar(flags, &o.TLS.Cert, "tls-cert", "AMQP_TLS_CERT", "", "Client certificate")
	iflag.StringVar(flags, &o.TLS.Key, "tls-key", "AMQP_TLS_KEY", "", "Client certificate key")
	iflag.BoolVar(flags, &o.TLS.SkipVerify, "tls-skip-verify", "AMQP_TLS_SKIP_VERIFY", false, "Do not verify the broker certificate")
}

// validate checks the link settings. Credit travels as a signed 32 bit value
// in go-amqp, so larger values would wrap.
func (o *Options) validate() error {
	if o.Prefetch <= 0 || o.Prefetch > math.MaxInt32 {
		return fmt.Errorf("invalid prefetch %d: must be between 1 and %d", o.Prefetch, math.MaxInt32)
	}
	if o.Window <= 0 || o.Window > math.MaxInt32 {
		return fmt.Errorf("invalid window %d: must be between 1 and %d", o.Window, math.MaxInt32)
	}
	return nil
}

func (o *Options) explicitCredentials() *credentials.Explicit {
	var explicit credentials.Explicit
	if o.Username != "" {
		explicit.Username = &o.Username
	}
	if o.Password != "" {
		explicit.Password = &o.Password
	}
	return &explicit
}

// newLogger creates the console logger and installs it as the default.
func (o *Options) newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := logging.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(logging.NewConsoleHandler(cmd.ErrOrStderr(), level))
	slog.SetDefault(logger)
	return logger, nil
}

// newClient resolves credentials and builds a client. The returned stop
// function shuts down the metrics server, if any.
func (o *Options) newClient(logger *slog.Logger) (*client.Client, func(), error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithReactorOptions(reactor.Options{
			Prefetch: uint32(o.Prefetch),
			Window:   o.Window,
			Logger:   logger,
		}),
	}
	if o.Transport != nil {
		opts = append(opts, client.WithTransport(o.Transport))
	}
	if o.TLS.enabled() {
		tlsConfig, err := o.TLS.config()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load tls configuration: %w", err)
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}
	stop := func() {}
	if o.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, client.WithMetrics(metrics.MustRegisterSessionMetrics(reg)))
		stop = serveMetrics(logger, o.MetricsAddress, reg)
	}
	c, err := client.NewFromFile(o.explicitCredentials(), o.CredentialsFile, opts...)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return c, stop, nil
}

func serveMetrics(logger *slog.Logger, address string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Starting metrics server", slog.String("address", address))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", slog.Any("error", err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Debug("Metrics server shutdown did not complete gracefully", slog.Any("error", err))
		}
		<-done
	}
}

// reactor drives messenger handlers. A run owns one goroutine that
// dispatches every event to the handler in turn, plus I/O goroutines that
// perform blocking transport calls and post their results back to it.
package reactor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skupperproject/skupper-messenger/pkg/messaging"
	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

const (
	DefaultPrefetch = 10
	DefaultWindow   = 10

	closeTimeout = time.Second
)

type Options struct {
	// Prefetch is the credit granted by receiver links.
	Prefetch uint32
	// Window is the number of unsettled messages a sender link may have
	// outstanding.
	Window int
	Logger *slog.Logger
}

type Container struct {
	transport messaging.Transport
	prefetch  uint32
	window    int
	logger    *slog.Logger
}

func New(transport messaging.Transport, opts Options) *Container {
	c := &Container{
		transport: transport,
		prefetch:  opts.Prefetch,
		window:    opts.Window,
		logger:    opts.Logger,
	}
	if c.prefetch == 0 {
		c.prefetch = DefaultPrefetch
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Run dispatches Start to handler and keeps dispatching events until the
// handler closes the connection, the transport fails or ctx is cancelled.
// Only the last of these is reported as an error; the handler learns about
// transport failures through TransportError and Disconnected, and about
// cancellation through a Disconnected carrying ctx.Err(). Run never times
// out by itself.
func (c *Container) Run(ctx context.Context, handler messenger.Handler) error {
	// I/O outlives ctx until the loop has seen the cancellation, so that the
	// handler hears about it exactly once.
	ioCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		container: c,
		handler:   handler,
		logger:    c.logger.With(slog.String("component", "reactor")),
		ioCtx:     ioCtx,
		events:    make(chan func()),
		done:      make(chan struct{}),
	}
	defer func() {
		cancel()
		close(r.done)
		r.teardown()
		if err := r.group.Wait(); err != nil {
			r.logger.Debug("I/O stopped", slog.Any("error", err))
		}
	}()

	r.dispatch(messenger.Start{Container: r})
	if r.conn == nil || r.finished {
		r.logger.Debug("Nothing to do, no connection requested")
		return nil
	}
	r.conn.dial()
	for !r.finished {
		select {
		case <-ctx.Done():
			r.cancelled(ctx.Err())
			return ctx.Err()
		case fn := <-r.events:
			fn()
		}
	}
	return nil
}

// run is the state of a single Run. Unless noted, its fields are only used
// from the event loop goroutine.
type run struct {
	container *Container
	handler   messenger.Handler
	logger    *slog.Logger

	// used by I/O goroutines
	ioCtx  context.Context
	events chan func()
	done   chan struct{}
	group  errgroup.Group

	conn     *connection
	finished bool
}

// post hands fn to the event loop. It returns false once the run is over.
func (r *run) post(fn func()) bool {
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *run) dispatch(event messenger.Event) {
	r.handler.Handle(event)
}

// Connect implements messenger.Container. A run carries a single connection.
func (r *run) Connect(url string, opts messenger.ConnectOptions) messenger.Connection {
	if url == "" {
		r.logger.Error("Cannot connect without a url")
		return nil
	}
	if r.conn != nil {
		r.logger.Error("Connection already requested", slog.String("url", r.conn.url))
		return nil
	}
	r.conn = &connection{
		run:   r,
		url:   url,
		opts:  opts,
		state: messenger.StateConnecting,
	}
	return r.conn
}

// fail reports a transport failure to the handler and ends the run. It is a
// no-op when the run is already over.
func (r *run) fail(err error) {
	if r.finished {
		return
	}
	r.logger.Debug("Transport failure", slog.Any("error", err))
	r.dispatch(messenger.TransportError{Connection: r.conn, Condition: err})
	r.conn.state = messenger.StateClosed
	r.dispatch(messenger.Disconnected{Connection: r.conn, Condition: err})
	r.finished = true
}

// cancelled closes the connection on behalf of the caller so the handler can
// settle its accounts before the run ends.
func (r *run) cancelled(err error) {
	r.logger.Debug("Run cancelled", slog.Any("error", err))
	r.conn.state = messenger.StateClosed
	r.dispatch(messenger.Disconnected{Connection: r.conn, Condition: err})
	r.finished = true
}

func (r *run) teardown() {
	if r.conn == nil || r.conn.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, l := range r.conn.senders {
		if l.transport != nil && !l.closed {
			l.transport.Close(ctx)
		}
	}
	for _, l := range r.conn.receivers {
		if l.transport != nil && !l.closed {
			l.transport.Close(ctx)
		}
	}
	if err := r.conn.transport.Close(); err != nil {
		r.logger.Debug("Error closing connection", slog.Any("error", err))
	}
}

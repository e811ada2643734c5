// Package monitor is the client side of the bus: it subscribes to the
// event stream and can ask the bus to shut down.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

// ErrConnectionLost is reported by Subscription.Err when the stream ended
// without a terminated event.
var ErrConnectionLost = errors.New("connection to event bus lost")

// Options configure a Monitor.  The zero value is usable.
type Options struct {
	// ID numbers this monitor; requests it sends carry the source
	// /ert/monitor/<ID>.
	ID int

	// Backoff bounds the wait for the bus to come up.
	Backoff wsutil.Backoff

	// MaxMessageSize limits incoming frames.  Default: 64 MiB.
	MaxMessageSize int64

	// Buffer is the capacity of the Events channel.  Default: 500.
	Buffer int

	Logger *slog.Logger
}

// Monitor connects to one bus.
type Monitor struct {
	endpoints wsutil.Endpoints
	opts      Options
	logger    *slog.Logger
	dialer    *websocket.Dialer
	seq       event.Sequencer
}

// New creates a monitor for the bus at e.  Nothing is dialed until Track
// or ExitServer.
func New(e wsutil.Endpoints, opts Options) *Monitor {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = wsutil.DefaultMaxMessageSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = wsutil.DefaultMaxQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		endpoints: e,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("monitor", event.MonitorSource(opts.ID))),
		dialer:    wsutil.Dialer(),
	}
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	if err := wsutil.WaitForBus(ctx, m.endpoints, m.opts.Backoff); err != nil {
		return nil, err
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.endpoints.Client(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("dial %s: %w", m.endpoints.Client(), wsutil.ErrBusUnavailable)
		}
		return nil, fmt.Errorf("dial %s: %w", m.endpoints.Client(), err)
	}
	conn.SetReadLimit(m.opts.MaxMessageSize)
	return conn, nil
}

// ---------------------------------------------------------------------------
// Track
// ---------------------------------------------------------------------------

// Subscription is a live event stream.  Events arrive in the order the bus
// published them; the channel is closed after the terminated event, when
// the connection drops, or on Close.
type Subscription struct {
	conn   *websocket.Conn
	events chan event.Event
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	stopOnce  sync.Once
	afterStop func() bool

	mu  sync.Mutex
	err error
}

// Track waits for the bus, subscribes and starts receiving.  Cancelling
// ctx ends the subscription.
func (m *Monitor) Track(ctx context.Context) (*Subscription, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		conn:   conn,
		events: make(chan event.Event, m.opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: m.logger,
	}
	s.afterStop = context.AfterFunc(ctx, s.halt)

	m.logger.Debug("tracking event bus", slog.String("url", m.endpoints.Client()))
	go s.receive()
	return s, nil
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan event.Event {
	return s.events
}

// Err reports why the stream ended.  It is nil while the stream is open,
// after a terminated event, and after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for the receive goroutine.  It is
// safe to call more than once.
func (s *Subscription) Close() error {
	s.afterStop()
	s.halt()
	<-s.done
	return nil
}

// All ranges over the stream.  Breaking out of the loop closes the
// subscription.
func (s *Subscription) All() iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for ev := range s.events {
			if !yield(ev) {
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Subscription) halt() {
	s.stopOnce.Do(func() {
		close(s.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Subscription) receive() {
	defer close(s.done)
	defer close(s.events)

	var last uint64
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !s.stopped() {
				s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				s.halt()
			}
			return
		}

		ev, err := event.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
			continue
		}
		if ev.ID != last+1 {
			s.logger.Warn("event id out of sequence",
				slog.Uint64("expected", last+1),
				slog.Uint64("got", ev.ID),
			)
		}
		last = ev.ID

		select {
		case s.events <- ev:
		case <-s.stop:
			return
		}

		if ev.Type == event.TypeTerminated {
			s.halt()
			return
		}
	}
}

// ---------------------------------------------------------------------------
// ExitServer
// ---------------------------------------------------------------------------

// ExitServer asks the bus to shut down and blocks until it announced its
// termination or closed the connection.  A bus that is already shutting
// down counts as success.
func (m *Monitor) ExitServer(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, wsutil.ErrBusUnavailable) && ctx.Err() == nil {
			m.logger.Info("event bus already gone", slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(m.opts.MaxMessageSize)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := event.TerminateRequest().Stamp(event.MonitorSource(m.opts.ID), m.seq.Next())
	raw, err := event.Encode(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send terminate request: %w", err)
	}
	m.logger.Info("requested event bus shutdown")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("waiting for termination: %w", err)
		}
		ev, err := event.Decode(raw)
		if err == nil && ev.Type == event.TypeTerminated {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}
	}
}

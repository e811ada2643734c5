// Package dispatch publishes events to the bus's /dispatch endpoint.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("publisher closed")
	// ErrBusClosed is returned when the bus refuses new producers because
	// it is shutting down.
	ErrBusClosed = errors.New("event bus is not accepting producers")
)

// Sink receives events for publication.
type Sink interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Config holds publisher settings.
type Config struct {
	// Source identifies this producer.  Every published event carries it,
	// with ids 1, 2, 3, ... from the publisher's own sequence.
	Source string

	// Backoff bounds reconnect attempts for a single Publish.
	Backoff wsutil.Backoff

	Logger *slog.Logger
}

// Publisher is a producer connection to the bus.  It dials lazily and
// redials with backoff when the connection breaks.  Publish calls are
// serialised, so events leave in call order.
type Publisher struct {
	url    string
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer
	seq    event.Sequencer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	wg sync.WaitGroup
}

var _ Sink = (*Publisher)(nil)

// New creates a publisher for the bus at e.
func New(e wsutil.Endpoints, cfg Config) *Publisher {
	if cfg.Backoff.MaxElapsed <= 0 {
		cfg.Backoff = wsutil.DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		url:    e.Dispatch(),
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("source", cfg.Source)),
		dialer: wsutil.Dialer(),
	}
}

// Source returns the producer's source id.
func (p *Publisher) Source() string {
	return p.cfg.Source
}

// Publish stamps ev with the next id of this source and sends it.  A
// failed send is retried on a fresh connection with the same id, so the
// bus drops the duplicate if the first attempt did arrive.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	ev = ev.Stamp(p.cfg.Source, p.seq.Next())
	raw, err := event.Encode(ev)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.Backoff.Initial
	bo.MaxInterval = p.cfg.Backoff.Max
	bo.MaxElapsedTime = p.cfg.Backoff.MaxElapsed

	send := func() error {
		if p.conn == nil {
			if err := p.dialLocked(ctx); err != nil {
				return err
			}
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			p.logger.Warn("publish failed, reconnecting", slog.String("error", err.Error()))
			_ = p.conn.Close()
			p.conn = nil
			return err
		}
		return nil
	}

	if err := backoff.Retry(send, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", ev, err)
	}
	return nil
}

func (p *Publisher) dialLocked(ctx context.Context) error {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return backoff.Permanent(ErrBusClosed)
		}
		return err
	}
	p.conn = conn
	p.logger.Debug("connected to bus", slog.String("url", p.url))

	p.wg.Add(1)
	go p.readLoop(conn)
	return nil
}

// readLoop answers control frames and notices when the bus goes away.  The
// bus never sends data frames to producers.
func (p *Publisher) readLoop(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			p.mu.Unlock()
			_ = conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("bus connection lost", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// Close sends a close frame and waits for the read loop.  It is safe to
// call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	p.wg.Wait()
	return err
}

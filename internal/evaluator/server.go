// Package evaluator implements the event bus: a websocket server that
// accepts job-state events from producers on /dispatch and fans them out,
// in arrival order, to every monitor connected on /client.
//
// The server runs through Starting → Listening → Draining → Stopped.  It
// serves on a socket reserved by the port allocator, so the port cannot be
// taken between allocation and serving.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/health"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

// State is the lifecycle stage of the bus.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return health.StartingState
	case StateListening:
		return health.ReadyState
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAlreadyStarted is returned by a second Start call.
var ErrAlreadyStarted = errors.New("event bus already started")

// Config holds event bus settings.
type Config struct {
	// SessionID identifies the ensemble session; it is the bus source.
	SessionID string

	// MaxMessageSize is the largest accepted frame.  Default: 64 MiB.
	MaxMessageSize int64

	// MaxQueue is the per-monitor outgoing queue length.  A monitor whose
	// queue overflows is disconnected.  Default: 500.
	MaxQueue int

	// DrainTimeout bounds a shutdown triggered by a terminate request.
	// Default: 10s.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second

	reasonOverflow = "queue overflow"
	reasonGone     = "connection closed"
	reasonWrite    = "write failed"
)

// Server is the event bus.
type Server struct {
	cfg      Config
	lease    *netutil.PortLease
	logger   *slog.Logger
	source   string
	httpSrv  *http.Server
	router   chi.Router
	upgrader websocket.Upgrader

	state atomic.Int32
	seq   event.Sequencer

	// mu guards the connection registries, lastID and state transitions
	// out of Listening.  fanOut holds it while queueing, which makes it the
	// single point where monitor queues change.
	mu        sync.Mutex
	monitors  map[*monitorConn]struct{}
	producers map[*websocket.Conn]struct{}
	lastID    map[string]uint64
	nextConn  int

	wg        sync.WaitGroup
	serveDone chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	stopErr   error

	tracer           trace.Tracer
	eventsReceived   metric.Int64Counter
	eventsDropped    metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	monitorsEvicted  metric.Int64Counter
	monitorsAccepted metric.Int64Counter
}

// New creates a bus that will serve on lease once started.  The server
// takes ownership of the lease and closes it on Stop.
func New(lease *netutil.PortLease, cfg Config) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = wsutil.DefaultMaxMessageSize
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = wsutil.DefaultMaxQueue
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:    cfg,
		lease:  lease,
		logger: cfg.Logger.With(slog.String("session", cfg.SessionID)),
		source: event.BusSource(cfg.SessionID),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Producers and monitors are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		monitors:  make(map[*monitorConn]struct{}),
		producers: make(map[*websocket.Conn]struct{}),
		lastID:    make(map[string]uint64),
		serveDone: make(chan struct{}),
		done:      make(chan struct{}),
		tracer:    otel.Tracer("ert/evaluator"),
	}
	s.initMetrics()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(wsutil.ClientPath, s.handleClient)
	r.Get(wsutil.DispatchPath, s.handleDispatch)
	r.Get(wsutil.HealthPath, health.Handler(s.status))
	r.Method(http.MethodGet, wsutil.MetricsPath, promhttp.Handler())
	s.router = r

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) initMetrics() {
	meter := otel.Meter("ert/evaluator")

	var err error
	s.eventsReceived, err = meter.Int64Counter(
		"ert.bus.events.received",
		metric.WithDescription("Events accepted from producers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create eventsReceived counter", slog.String("error", err.Error()))
	}

	s.eventsDropped, err = meter.Int64Counter(
		"ert.bus.events.dropped",
		metric.WithDescription("Frames rejected as protocol violations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create eventsDropped counter", slog.String("error", err.Error()))
	}

	s.eventsDelivered, err = meter.Int64Counter(
		"ert.bus.events.delivered",
		metric.WithDescription("Events written to monitors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create eventsDelivered counter", slog.String("error", err.Error()))
	}

	s.monitorsAccepted, err = meter.Int64Counter(
		"ert.bus.monitors.accepted",
		metric.WithDescription("Monitor connections accepted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create monitorsAccepted counter", slog.String("error", err.Error()))
	}

	s.monitorsEvicted, err = meter.Int64Counter(
		"ert.bus.monitors.evicted",
		metric.WithDescription("Monitors disconnected because their queue overflowed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create monitorsEvicted counter", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"ert.bus.monitors.connected",
		metric.WithDescription("Currently connected monitors"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := len(s.monitors)
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		s.logger.Warn("failed to create monitors gauge", slog.String("error", err.Error()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// State returns the current lifecycle stage.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Endpoints returns the URLs clients use to reach the bus.
func (s *Server) Endpoints() wsutil.Endpoints {
	return wsutil.Endpoints{Host: s.lease.Host, Port: s.lease.Port}
}

// Done is closed once the bus reached Stopped, whoever stopped it.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Monitors returns the number of connected monitors.
func (s *Server) Monitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *Server) status() health.Status {
	return health.Status{
		State:     s.State().String(),
		SessionID: s.cfg.SessionID,
		Monitors:  s.Monitors(),
	}
}

// Start moves the bus to Listening and serves on the leased socket.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.State() != StateStarting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state.Store(int32(StateListening))
	s.mu.Unlock()

	go func() {
		defer close(s.serveDone)
		err := s.httpSrv.Serve(s.lease.Listener())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("event bus server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("event bus listening",
		slog.String("addr", s.lease.Addr()),
		slog.Bool("reuse", s.lease.Reuse),
	)
	return nil
}

// admit reserves a slot in the connection wait group while the bus is
// Listening.  The caller must call s.wg.Done when admit returns true.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateListening {
		return false
	}
	s.wg.Add(1)
	return true
}

// ---------------------------------------------------------------------------
// Producers
// ---------------------------------------------------------------------------

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "event bus is not accepting producers", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("producer upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	s.mu.Lock()
	if s.State() != StateListening {
		s.mu.Unlock()
		closeConn(conn, websocket.CloseGoingAway, "event bus terminated")
		_ = conn.Close()
		return
	}
	s.producers[conn] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With(slog.String("producer", conn.RemoteAddr().String()))
	logger.Debug("producer connected")

	defer func() {
		s.mu.Lock()
		delete(s.producers, conn)
		s.mu.Unlock()
		_ = conn.Close()
		logger.Debug("producer disconnected")
	}()

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := event.Decode(raw)
		if err != nil {
			s.drop(ctx, logger, "malformed event", err)
			continue
		}
		if ev.Type == event.TypeTerminated || ev.Type == event.TypeTerminateRequest {
			s.drop(ctx, logger, "control event from producer", fmt.Errorf("type %s", ev.Type))
			continue
		}
		if err := s.accept(ev); err != nil {
			s.drop(ctx, logger, "out-of-order event", err)
			continue
		}

		s.eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		s.fanOut(ctx, ev)
	}
}

// accept enforces strictly increasing ids per source.
func (s *Server) accept(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.lastID[ev.Source]; ev.ID <= last {
		return fmt.Errorf("non-monotonic id %d from %s (last %d)", ev.ID, ev.Source, last)
	}
	s.lastID[ev.Source] = ev.ID
	return nil
}

func (s *Server) drop(ctx context.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn("dropping "+msg, slog.String("error", err.Error()))
	s.eventsDropped.Add(ctx, 1)
}

// Publish injects an event originating from the bus process itself.  It
// is stamped with the bus source.
func (s *Server) Publish(ctx context.Context, ev event.Event) {
	s.fanOut(ctx, ev.Stamp(s.source, s.seq.Next()))
}

// fanOut queues ev for every connected monitor, in one critical section so
// all monitors observe the same order.  A monitor whose queue is full is
// evicted, not skipped.
func (s *Server) fanOut(ctx context.Context, ev event.Event) {
	_, span := s.tracer.Start(ctx, "evaluator.fanOut",
		trace.WithAttributes(attribute.String("event.type", ev.Type)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateListening {
		s.logger.Debug("bus not listening, event not forwarded", slog.String("event", ev.String()))
		return
	}
	span.SetAttributes(attribute.Int("monitors", len(s.monitors)))
	for m := range s.monitors {
		s.enqueueLocked(ctx, m, ev)
	}
}

func (s *Server) enqueueLocked(ctx context.Context, m *monitorConn, ev event.Event) {
	select {
	case m.queue <- ev:
	default:
		delete(s.monitors, m)
		m.evict(reasonOverflow)
		s.monitorsEvicted.Add(ctx, 1)
		s.logger.Warn("monitor queue overflow, disconnecting monitor",
			slog.Int("monitor", m.id),
			slog.Int("maxQueue", s.cfg.MaxQueue),
		)
	}
}

// ---------------------------------------------------------------------------
// Monitors
// ---------------------------------------------------------------------------

type monitorConn struct {
	id         int
	conn       *websocket.Conn
	queue      chan event.Event
	evicted    chan struct{}
	evictOnce  sync.Once
	reason     string
	readerDone chan struct{}
}

func (m *monitorConn) evict(reason string) {
	m.evictOnce.Do(func() {
		m.reason = reason
		close(m.evicted)
	})
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "event bus is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("monitor upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	m := &monitorConn{
		conn:       conn,
		queue:      make(chan event.Event, s.cfg.MaxQueue),
		evicted:    make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	s.mu.Lock()
	if s.State() != StateListening {
		s.mu.Unlock()
		closeConn(conn, websocket.CloseGoingAway, "event bus terminated")
		_ = conn.Close()
		return
	}
	s.nextConn++
	m.id = s.nextConn
	s.monitors[m] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.monitorsAccepted.Add(r.Context(), 1)
	s.logger.Info("monitor connected", slog.Int("monitor", m.id))

	go s.writeMonitor(m)
	s.readMonitor(r.Context(), m)
}

// readMonitor handles requests sent by a monitor.  The only request is a
// terminate request.
func (s *Server) readMonitor(ctx context.Context, m *monitorConn) {
	defer close(m.readerDone)
	logger := s.logger.With(slog.Int("monitor", m.id))

	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			s.removeMonitor(m, reasonGone)
			return
		}

		ev, err := event.Decode(raw)
		if err != nil {
			s.drop(ctx, logger, "malformed monitor request", err)
			continue
		}
		if ev.Type != event.TypeTerminateRequest {
			s.drop(ctx, logger, "unexpected monitor request", fmt.Errorf("type %s", ev.Type))
			continue
		}

		logger.Info("terminate requested by monitor", slog.String("source", ev.Source))
		go s.stopAfterRequest()
	}
}

func (s *Server) stopAfterRequest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		s.logger.Warn("stop after terminate request", slog.String("error", err.Error()))
	}
}

// writeMonitor is the only writer of m.conn.  Every event is re-stamped
// with the connection's own id sequence, starting at 1.
func (s *Server) writeMonitor(m *monitorConn) {
	defer s.wg.Done()
	defer m.conn.Close()

	var seq uint64
	for {
		select {
		case ev, ok := <-m.queue:
			if !ok {
				closeConn(m.conn, websocket.CloseNormalClosure, "event bus terminated")
				s.awaitReader(m)
				s.logger.Info("monitor disconnected", slog.Int("monitor", m.id))
				return
			}
			seq++
			raw, err := event.Encode(ev.Stamp(ev.Source, seq))
			if err != nil {
				s.logger.Error("encode event", slog.String("event", ev.String()), slog.String("error", err.Error()))
				seq--
				continue
			}
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := m.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.removeMonitor(m, reasonWrite)
				s.logger.Warn("monitor write failed",
					slog.Int("monitor", m.id),
					slog.String("error", err.Error()),
				)
				return
			}
			s.eventsDelivered.Add(context.Background(), 1)

		case <-m.evicted:
			if m.reason == reasonOverflow {
				closeConn(m.conn, websocket.ClosePolicyViolation, "monitor queue overflow")
			}
			s.logger.Info("monitor disconnected",
				slog.Int("monitor", m.id),
				slog.String("reason", m.reason),
			)
			return
		}
	}
}

func (s *Server) awaitReader(m *monitorConn) {
	t := time.NewTimer(closeGrace)
	defer t.Stop()
	select {
	case <-m.readerDone:
	case <-t.C:
	}
}

func (s *Server) removeMonitor(m *monitorConn, reason string) {
	s.mu.Lock()
	_, ok := s.monitors[m]
	delete(s.monitors, m)
	s.mu.Unlock()
	if ok {
		m.evict(reason)
	}
}

func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

// Stop broadcasts the terminated event, flushes every monitor queue,
// closes all connections and the listener.  It is idempotent; later calls
// return the first call's result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
		close(s.done)
	})
	<-s.done
	return s.stopErr
}

func (s *Server) shutdown(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "evaluator.Stop")
	defer span.End()

	s.mu.Lock()
	if s.State() == StateStarting {
		s.state.Store(int32(StateStopped))
		s.mu.Unlock()
		return s.lease.Close()
	}

	s.state.Store(int32(StateDraining))
	s.logger.Info("event bus draining", slog.Int("monitors", len(s.monitors)))

	terminated := event.Terminated(s.cfg.SessionID).Stamp(s.source, s.seq.Next())
	for m := range s.monitors {
		s.enqueueLocked(ctx, m, terminated)
	}
	draining := make([]*monitorConn, 0, len(s.monitors))
	for m := range s.monitors {
		close(m.queue)
		delete(s.monitors, m)
		draining = append(draining, m)
	}
	producers := make([]*websocket.Conn, 0, len(s.producers))
	for c := range s.producers {
		producers = append(producers, c)
	}
	s.mu.Unlock()

	for _, c := range producers {
		closeConn(c, websocket.CloseGoingAway, "event bus terminated")
		_ = c.Close()
	}

	var errs []error
	if err := waitGroup(ctx, &s.wg); err != nil {
		errs = append(errs, fmt.Errorf("drain connections: %w", err))
		for _, m := range draining {
			_ = m.conn.Close()
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = s.httpSrv.Close()
	}
	select {
	case <-s.serveDone:
	case <-ctx.Done():
	}
	if err := s.lease.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release port: %w", err))
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info("event bus stopped")
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

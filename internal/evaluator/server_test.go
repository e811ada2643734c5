package evaluator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

type ServerSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 20*time.Second)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ServerSuite) TearDownTest() {
	s.cancel()
}

func (s *ServerSuite) newServer(cfg Config) *Server {
	lease, err := netutil.Allocate(s.ctx, nil, "127.0.0.1", false)
	require.NoError(s.T(), err)

	if cfg.SessionID == "" {
		cfg.SessionID = "test"
	}
	cfg.Logger = s.logger
	srv := New(lease, cfg)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func (s *ServerSuite) startServer(cfg Config) *Server {
	srv := s.newServer(cfg)
	require.NoError(s.T(), srv.Start())
	require.NoError(s.T(), wsutil.WaitForBus(s.ctx, srv.Endpoints(), wsutil.Backoff{
		Initial: 5 * time.Millisecond, Max: 50 * time.Millisecond, MaxElapsed: 5 * time.Second,
	}))
	return srv
}

func (s *ServerSuite) dial(url string) *websocket.Conn {
	conn, _, err := wsutil.Dialer().DialContext(s.ctx, url, nil)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { conn.Close() })
	return conn
}

// dialMonitor connects a monitor and waits until the bus registered it.
func (s *ServerSuite) dialMonitor(srv *Server) *websocket.Conn {
	before := srv.status().Monitors
	conn := s.dial(srv.Endpoints().Client())
	require.Eventually(s.T(), func() bool {
		return srv.status().Monitors > before
	}, 5*time.Second, 5*time.Millisecond)
	return conn
}

func (s *ServerSuite) send(conn *websocket.Conn, ev event.Event) {
	raw, err := event.Encode(ev)
	require.NoError(s.T(), err)
	require.NoError(s.T(), conn.WriteMessage(websocket.TextMessage, raw))
}

func (s *ServerSuite) read(conn *websocket.Conn) event.Event {
	require.NoError(s.T(), conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(s.T(), err)
	ev, err := event.Decode(raw)
	require.NoError(s.T(), err)
	return ev
}

func (s *ServerSuite) readClose(conn *websocket.Conn) error {
	require.NoError(s.T(), conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func iensOf(t *testing.T, ev event.Event) int {
	t.Helper()
	iens, ok := ev.Iens()
	require.True(t, ok, "event %s carries no iens", ev)
	return iens
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *ServerSuite) TestStateMachine() {
	srv := s.newServer(Config{})
	assert.Equal(s.T(), StateStarting, srv.State())

	require.NoError(s.T(), srv.Start())
	assert.Equal(s.T(), StateListening, srv.State())
	assert.ErrorIs(s.T(), srv.Start(), ErrAlreadyStarted)

	require.NoError(s.T(), srv.Stop(s.ctx))
	assert.Equal(s.T(), StateStopped, srv.State())
	assert.NoError(s.T(), srv.Stop(s.ctx), "Stop must be idempotent")

	select {
	case <-srv.Done():
	default:
		s.T().Fatal("Done should be closed after Stop")
	}
}

func (s *ServerSuite) TestStopBeforeStartReleasesPort() {
	srv := s.newServer(Config{})
	port := srv.Endpoints().Port

	require.NoError(s.T(), srv.Stop(s.ctx))
	assert.Equal(s.T(), StateStopped, srv.State())

	lease, err := netutil.Allocate(s.ctx, netutil.Range(port, port), "127.0.0.1", false)
	require.NoError(s.T(), err)
	lease.Close()
}

func (s *ServerSuite) TestStateString() {
	assert.Equal(s.T(), "starting", StateStarting.String())
	assert.Equal(s.T(), "listening", StateListening.String())
	assert.Equal(s.T(), "draining", StateDraining.String())
	assert.Equal(s.T(), "stopped", StateStopped.String())
}

// ---------------------------------------------------------------------------
// HTTP routes
// ---------------------------------------------------------------------------

func (s *ServerSuite) TestHealthReflectsState() {
	srv := s.newServer(Config{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(s.T(), http.StatusServiceUnavailable, w.Code)

	require.NoError(s.T(), srv.Start())
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), `"session_id":"test"`)
}

func (s *ServerSuite) TestMetricsRoute() {
	srv := s.newServer(Config{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(s.T(), http.StatusOK, w.Code)
}

func (s *ServerSuite) TestClientRejectedWhileDraining() {
	srv := s.newServer(Config{})
	srv.state.Store(int32(StateDraining))

	for _, path := range []string{"/client", "/dispatch"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(s.T(), http.StatusServiceUnavailable, w.Code, path)
	}
	srv.state.Store(int32(StateStarting))
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func (s *ServerSuite) TestFanOutPreservesOrder() {
	srv := s.startServer(Config{})
	m1 := s.dialMonitor(srv)
	m2 := s.dialMonitor(srv)
	producer := s.dial(srv.Endpoints().Dispatch())

	var seq event.Sequencer
	for iens := range 5 {
		s.send(producer, event.JobStarted(iens).Stamp("/producer/a", seq.Next()))
	}

	for _, m := range []*websocket.Conn{m1, m2} {
		for want := range 5 {
			ev := s.read(m)
			assert.Equal(s.T(), event.TypeJobStarted, ev.Type)
			assert.Equal(s.T(), "/producer/a", ev.Source)
			assert.Equal(s.T(), uint64(want+1), ev.ID)
			assert.Equal(s.T(), want, iensOf(s.T(), ev))
		}
	}
}

func (s *ServerSuite) TestIdsArePerConnection() {
	srv := s.startServer(Config{})
	early := s.dialMonitor(srv)
	producer := s.dial(srv.Endpoints().Dispatch())

	s.send(producer, event.JobStarted(0).Stamp("/p", 10))
	s.send(producer, event.JobStarted(1).Stamp("/p", 11))
	assert.Equal(s.T(), uint64(1), s.read(early).ID)
	assert.Equal(s.T(), uint64(2), s.read(early).ID)

	late := s.dialMonitor(srv)
	s.send(producer, event.JobFinished(0, 0, false).Stamp("/p", 12))

	assert.Equal(s.T(), uint64(3), s.read(early).ID)
	ev := s.read(late)
	assert.Equal(s.T(), uint64(1), ev.ID, "late monitors start at 1 and get no replay")
	assert.Equal(s.T(), event.TypeJobFinished, ev.Type)
}

func (s *ServerSuite) TestProtocolViolationsAreDropped() {
	srv := s.startServer(Config{})
	m := s.dialMonitor(srv)
	producer := s.dial(srv.Endpoints().Dispatch())

	require.NoError(s.T(), producer.WriteMessage(websocket.TextMessage, []byte("not an event")))
	s.send(producer, event.JobStarted(1).Stamp("/p", 1))
	// Duplicate id, then a control event producers may not send.
	s.send(producer, event.JobStarted(2).Stamp("/p", 1))
	s.send(producer, event.Terminated("x").Stamp("/p", 5))
	// Ids are tracked per source.
	s.send(producer, event.JobStarted(3).Stamp("/other", 1))
	s.send(producer, event.JobFinished(1, 0, false).Stamp("/p", 2))

	assert.Equal(s.T(), 1, iensOf(s.T(), s.read(m)))
	assert.Equal(s.T(), 3, iensOf(s.T(), s.read(m)))
	last := s.read(m)
	assert.Equal(s.T(), event.TypeJobFinished, last.Type)
	assert.Equal(s.T(), uint64(3), last.ID)
	assert.Equal(s.T(), StateListening, srv.State())
}

func (s *ServerSuite) TestPublishUsesBusSource() {
	srv := s.startServer(Config{SessionID: "abc"})
	m := s.dialMonitor(srv)

	srv.Publish(s.ctx, event.EnsembleStarted("abc"))

	ev := s.read(m)
	assert.Equal(s.T(), event.TypeEnsembleStarted, ev.Type)
	assert.Equal(s.T(), "/ert/ee/abc", ev.Source)
}

func (s *ServerSuite) TestOverflowEvictsMonitor() {
	srv := s.newServer(Config{MaxQueue: 2})
	srv.state.Store(int32(StateListening))
	defer srv.state.Store(int32(StateStarting))

	// A registered monitor without a writer never drains its queue.
	m := &monitorConn{
		id:      1,
		queue:   make(chan event.Event, 2),
		evicted: make(chan struct{}),
	}
	srv.mu.Lock()
	srv.monitors[m] = struct{}{}
	srv.mu.Unlock()

	for iens := range 3 {
		srv.fanOut(s.ctx, event.JobStarted(iens).Stamp("/p", uint64(iens+1)))
	}

	select {
	case <-m.evicted:
	default:
		s.T().Fatal("monitor should be evicted on overflow")
	}
	assert.Equal(s.T(), reasonOverflow, m.reason)
	assert.Equal(s.T(), 0, srv.status().Monitors)
	assert.Len(s.T(), m.queue, 2, "queued events stay queued, nothing is skipped silently")
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

func (s *ServerSuite) TestStopBroadcastsTerminated() {
	srv := s.startServer(Config{SessionID: "sess"})
	m1 := s.dialMonitor(srv)
	m2 := s.dialMonitor(srv)
	producer := s.dial(srv.Endpoints().Dispatch())

	s.send(producer, event.JobStarted(0).Stamp("/p", 1))
	require.Eventually(s.T(), func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.lastID["/p"] == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(s.T(), srv.Stop(s.ctx))

	for _, m := range []*websocket.Conn{m1, m2} {
		assert.Equal(s.T(), event.TypeJobStarted, s.read(m).Type)
		term := s.read(m)
		assert.Equal(s.T(), event.TypeTerminated, term.Type)
		assert.Equal(s.T(), uint64(2), term.ID)
		assert.Equal(s.T(), "sess", term.Data.SessionID)

		err := s.readClose(m)
		assert.True(s.T(), websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	}
	assert.Equal(s.T(), StateStopped, srv.State())
}

func (s *ServerSuite) TestTerminateRequestStopsBus() {
	srv := s.startServer(Config{})
	m := s.dialMonitor(srv)

	s.send(m, event.TerminateRequest().Stamp(event.MonitorSource(0), 1))

	ev := s.read(m)
	assert.Equal(s.T(), event.TypeTerminated, ev.Type)
	assert.Equal(s.T(), uint64(1), ev.ID)

	select {
	case <-srv.Done():
	case <-s.ctx.Done():
		s.T().Fatal("bus did not stop after terminate request")
	}
	assert.Equal(s.T(), StateStopped, srv.State())
}

func (s *ServerSuite) TestMonitorIgnoresOtherRequests() {
	srv := s.startServer(Config{})
	m := s.dialMonitor(srv)

	s.send(m, event.JobStarted(0).Stamp("/m", 1))
	require.NoError(s.T(), m.WriteMessage(websocket.TextMessage, []byte("{}")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(s.T(), StateListening, srv.State())
}

func (s *ServerSuite) TestMonitorDisconnectIsForgotten() {
	srv := s.startServer(Config{})
	m := s.dialMonitor(srv)
	require.NoError(s.T(), m.Close())

	require.Eventually(s.T(), func() bool {
		return srv.status().Monitors == 0
	}, 5*time.Second, 5*time.Millisecond)
}

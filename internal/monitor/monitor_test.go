package monitor

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

	"github.com/AlexanderSemenyak/ert/internal/evaluator"
	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

var fastBackoff = wsutil.Backoff{Initial: 5 * time.Millisecond, Max: 50 * time.Millisecond, MaxElapsed: 2 * time.Second}

type MonitorSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	srv    *evaluator.Server
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 20*time.Second)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	lease, err := netutil.Allocate(s.ctx, nil, "127.0.0.1", false)
	require.NoError(s.T(), err)
	s.srv = evaluator.New(lease, evaluator.Config{SessionID: "mon", Logger: s.logger})
	require.NoError(s.T(), s.srv.Start())
}

func (s *MonitorSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Stop(ctx)
	s.cancel()
}

func (s *MonitorSuite) newMonitor() *Monitor {
	return New(s.srv.Endpoints(), Options{Backoff: fastBackoff, Logger: s.logger})
}

// track subscribes and waits until the bus registered the monitor.
func (s *MonitorSuite) track(m *Monitor) *Subscription {
	before := s.srv.Monitors()
	sub, err := m.Track(s.ctx)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = sub.Close() })
	require.Eventually(s.T(), func() bool { return s.srv.Monitors() > before }, 5*time.Second, 5*time.Millisecond)
	return sub
}

// ---------------------------------------------------------------------------
// Track
// ---------------------------------------------------------------------------

func (s *MonitorSuite) TestStreamIsOrderedWithoutGaps() {
	sub := s.track(s.newMonitor())

	const n = 50
	for iens := range n {
		s.srv.Publish(s.ctx, event.JobStarted(iens))
	}
	go func() { _ = s.srv.Stop(context.Background()) }()

	var got []event.Event
	for ev := range sub.All() {
		got = append(got, ev)
	}

	require.Len(s.T(), got, n+1)
	for i, ev := range got {
		assert.Equal(s.T(), uint64(i+1), ev.ID)
	}
	for i, ev := range got[:n] {
		iens, ok := ev.Iens()
		require.True(s.T(), ok)
		assert.Equal(s.T(), i, iens)
	}
	assert.Equal(s.T(), event.TypeTerminated, got[n].Type)
	assert.NoError(s.T(), sub.Err())
}

func (s *MonitorSuite) TestTwoMonitorsSeeTheSameStream() {
	a := s.track(s.newMonitor())
	b := s.track(s.newMonitor())

	s.srv.Publish(s.ctx, event.JobStarted(3))
	s.srv.Publish(s.ctx, event.JobFinished(3, 0, false))

	for _, sub := range []*Subscription{a, b} {
		first := <-sub.Events()
		second := <-sub.Events()
		assert.Equal(s.T(), event.TypeJobStarted, first.Type)
		assert.Equal(s.T(), event.TypeJobFinished, second.Type)
		assert.Equal(s.T(), uint64(2), second.ID)
	}
}

func (s *MonitorSuite) TestBreakingOutOfAllCloses() {
	sub := s.track(s.newMonitor())
	s.srv.Publish(s.ctx, event.JobStarted(0))
	s.srv.Publish(s.ctx, event.JobStarted(1))

	for range sub.All() {
		break
	}

	require.Eventually(s.T(), func() bool { return s.srv.Monitors() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.NoError(s.T(), sub.Err())
}

func (s *MonitorSuite) TestCloseIsIdempotent() {
	sub := s.track(s.newMonitor())
	assert.NoError(s.T(), sub.Close())
	assert.NoError(s.T(), sub.Close())

	_, open := <-sub.Events()
	assert.False(s.T(), open)
}

func (s *MonitorSuite) TestCancelEndsSubscription() {
	ctx, cancel := context.WithCancel(s.ctx)
	sub, err := s.newMonitor().Track(ctx)
	require.NoError(s.T(), err)
	defer sub.Close()

	cancel()
	select {
	case _, open := <-sub.Events():
		assert.False(s.T(), open)
	case <-time.After(5 * time.Second):
		s.T().Fatal("subscription survived context cancellation")
	}
}

func (s *MonitorSuite) TestTrackWithoutBus() {
	stopped := s.srv.Endpoints()
	require.NoError(s.T(), s.srv.Stop(s.ctx))

	m := New(stopped, Options{Backoff: fastBackoff, Logger: s.logger})
	_, err := m.Track(s.ctx)
	assert.ErrorIs(s.T(), err, wsutil.ErrBusUnavailable)
}

// ---------------------------------------------------------------------------
// ExitServer
// ---------------------------------------------------------------------------

func (s *MonitorSuite) TestExitServer() {
	watcher := s.track(s.newMonitor())

	require.NoError(s.T(), s.newMonitor().ExitServer(s.ctx))

	select {
	case <-s.srv.Done():
	case <-s.ctx.Done():
		s.T().Fatal("bus did not stop")
	}

	var last event.Event
	for ev := range watcher.All() {
		last = ev
	}
	assert.Equal(s.T(), event.TypeTerminated, last.Type)
	assert.Equal(s.T(), evaluator.StateStopped, s.srv.State())
}

func (s *MonitorSuite) TestExitServerOnStoppedBus() {
	e := s.srv.Endpoints()
	require.NoError(s.T(), s.srv.Stop(s.ctx))

	m := New(e, Options{Backoff: fastBackoff, Logger: s.logger})
	assert.NoError(s.T(), m.ExitServer(s.ctx))
}

// ---------------------------------------------------------------------------
// Connection loss
// ---------------------------------------------------------------------------

func TestConnectionLostIsReported(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(wsutil.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(wsutil.ClientPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection without a close handshake.
		_ = conn.UnderlyingConn().Close()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e, err := wsutil.ParseEndpoints(srv.Listener.Addr().String())
	require.NoError(t, err)

	sub, err := New(e, Options{Backoff: fastBackoff}).Track(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	for range sub.All() {
		t.Fatal("no events expected")
	}
	assert.ErrorIs(t, sub.Err(), ErrConnectionLost)
}

package local

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/AlexanderSemenyak/ert/internal/driver"
)

type LocalSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	d      *Driver
}

func TestLocalSuite(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("local driver tests use /bin/sh")
	}
	suite.Run(t, new(LocalSuite))
}

func (s *LocalSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 20*time.Second)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.d = New(Config{KillGrace: 200 * time.Millisecond}, s.logger)
}

func (s *LocalSuite) TearDownTest() {
	_ = s.d.Shutdown(s.ctx)
	s.cancel()
}

// await reads events until iens has finished.
func (s *LocalSuite) await(iens int) []driver.Event {
	var got []driver.Event
	for {
		select {
		case ev := <-s.d.Events():
			if ev.Realization() != iens {
				continue
			}
			got = append(got, ev)
			if _, ok := ev.(driver.FinishedEvent); ok {
				return got
			}
		case <-s.ctx.Done():
			s.T().Fatalf("timed out waiting for realization %d", iens)
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *LocalSuite) TestSubmitAndComplete() {
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "exit 0"))

	assert.Equal(s.T(), []driver.Event{
		driver.StartedEvent{Iens: 0},
		driver.FinishedEvent{Iens: 0, ReturnCode: 0, Aborted: false},
	}, s.await(0))
}

func (s *LocalSuite) TestReturnCodes() {
	cases := []struct {
		exit       int
		returnCode int
		aborted    bool
	}{
		{0, 0, false},
		{1, 1, true},
		{2, 1, true},
		{255, 1, true},
		{256, 0, false},
	}

	for i, tc := range cases {
		s.Run("exit "+strconv.Itoa(tc.exit), func() {
			require.NoError(s.T(), s.d.Submit(s.ctx, i, "exit "+strconv.Itoa(tc.exit)))
			events := s.await(i)
			require.Len(s.T(), events, 2)
			assert.Equal(s.T(),
				driver.FinishedEvent{Iens: i, ReturnCode: tc.returnCode, Aborted: tc.aborted},
				events[1])
		})
	}
}

func (s *LocalSuite) TestRunsInRunPath() {
	runPath := s.T().TempDir()
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "pwd > where.txt", driver.WithRunPath(runPath)))
	s.await(0)

	out, err := os.ReadFile(filepath.Join(runPath, "where.txt"))
	require.NoError(s.T(), err)

	want, err := filepath.EvalSymlinks(runPath)
	require.NoError(s.T(), err)
	have, err := filepath.EvalSymlinks(strings.TrimSpace(string(out)))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), want, have)
}

func (s *LocalSuite) TestInfoFileHoldsPid() {
	runPath := s.T().TempDir()
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "echo $$ > pid.txt", driver.WithRunPath(runPath)))
	s.await(0)

	raw, err := os.ReadFile(filepath.Join(runPath, "local_info.json"))
	require.NoError(s.T(), err)
	var info driver.JobInfo
	require.NoError(s.T(), json.Unmarshal(raw, &info))

	pid, err := os.ReadFile(filepath.Join(runPath, "pid.txt"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), strings.TrimSpace(string(pid)), info.JobID)
}

func (s *LocalSuite) TestRealizationNumberInEnvironment() {
	runPath := s.T().TempDir()
	require.NoError(s.T(), s.d.Submit(s.ctx, 12, `echo "$_ERT_REALIZATION_NUMBER" > iens.txt`, driver.WithRunPath(runPath)))
	s.await(12)

	out, err := os.ReadFile(filepath.Join(runPath, "iens.txt"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "12", strings.TrimSpace(string(out)))
}

// ---------------------------------------------------------------------------
// Kill
// ---------------------------------------------------------------------------

func (s *LocalSuite) TestKillRunning() {
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "sleep 30"))

	start := time.Now()
	require.NoError(s.T(), s.d.Kill(s.ctx, 0))
	assert.Less(s.T(), time.Since(start), 10*time.Second)

	events := s.await(0)
	require.Len(s.T(), events, 2)
	assert.Equal(s.T(), driver.FinishedEvent{Iens: 0, ReturnCode: 1, Aborted: true}, events[1])
}

func (s *LocalSuite) TestKillEscalatesToSigkill() {
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "trap '' TERM; sleep 30"))
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(s.T(), s.d.Kill(s.ctx, 0))

	events := s.await(0)
	assert.Equal(s.T(), driver.FinishedEvent{Iens: 0, ReturnCode: 1, Aborted: true}, events[len(events)-1])
}

func (s *LocalSuite) TestKillFinishedIsNoop() {
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "exit 0"))
	s.await(0)

	assert.NoError(s.T(), s.d.Kill(s.ctx, 0))
}

func (s *LocalSuite) TestKillUnknown() {
	err := s.d.Kill(s.ctx, 5)
	assert.ErrorIs(s.T(), err, driver.ErrUnknownRealization)
}

// ---------------------------------------------------------------------------
// Submit failures
// ---------------------------------------------------------------------------

func (s *LocalSuite) TestSubmitMissingShell() {
	d := New(Config{Shell: filepath.Join(s.T().TempDir(), "nosh")}, s.logger)

	err := d.Submit(s.ctx, 0, "exit 0")
	var submitErr *driver.SubmitError
	require.True(s.T(), errors.As(err, &submitErr))
	assert.Equal(s.T(), 0, submitErr.Iens)
}

func (s *LocalSuite) TestDuplicateSubmit() {
	require.NoError(s.T(), s.d.Submit(s.ctx, 0, "exit 0"))
	err := s.d.Submit(s.ctx, 0, "exit 0")
	assert.ErrorIs(s.T(), err, driver.ErrAlreadySubmitted)
}

// ---------------------------------------------------------------------------
// Poll / Shutdown
// ---------------------------------------------------------------------------

func (s *LocalSuite) TestPollReturnsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	assert.ErrorIs(s.T(), s.d.Poll(ctx), context.Canceled)
}

func (s *LocalSuite) TestShutdownKillsAll() {
	for iens := range 3 {
		require.NoError(s.T(), s.d.Submit(s.ctx, iens, "sleep 30"))
	}

	require.NoError(s.T(), s.d.Shutdown(s.ctx))

	finished := 0
	for finished < 3 {
		select {
		case ev := <-s.d.Events():
			if fe, ok := ev.(driver.FinishedEvent); ok {
				assert.True(s.T(), fe.Aborted)
				finished++
			}
		case <-s.ctx.Done():
			s.T().Fatal("timed out")
		}
	}
	assert.Empty(s.T(), s.d.tracker.Active())
}

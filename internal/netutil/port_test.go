package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const loopback = "127.0.0.1"

// unusedPort asks the OS for a free port and releases it again.
func unusedPort(t *testing.T) int {
	t.Helper()
	lease, err := Allocate(context.Background(), nil, loopback, false)
	require.NoError(t, err)
	port := lease.Port
	require.NoError(t, lease.Close())
	return port
}

// activate pushes one request/response through the leased socket so the
// port accumulates real TCP state before it is closed.
func activate(t *testing.T, lease *PortLease) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := lease.Listener().Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 8)
		if _, err := io.ReadFull(conn, buf); err == nil {
			_, _ = conn.Write([]byte("Who's there?"))
		}
	}()

	client, err := net.Dial("tcp4", lease.Addr())
	require.NoError(t, err)
	_, err = client.Write([]byte("Hi there"))
	require.NoError(t, err)
	reply := make([]byte, len("Who's there?"))
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "Who's there?", string(reply))
	require.NoError(t, client.Close())
	<-done
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type AllocateSuite struct {
	suite.Suite
	ctx  context.Context
	port int
}

func (s *AllocateSuite) SetupTest() {
	s.ctx = context.Background()
	s.port = unusedPort(s.T())
}

func (s *AllocateSuite) allocate(reuse bool) (*PortLease, error) {
	return Allocate(s.ctx, Range(s.port, s.port+1), loopback, reuse)
}

func TestAllocateSuite(t *testing.T) {
	suite.Run(t, new(AllocateSuite))
}

func (s *AllocateSuite) TestAllocate_PortInRange() {
	lease, err := s.allocate(false)
	require.NoError(s.T(), err)
	defer lease.Close()

	assert.Equal(s.T(), s.port, lease.Port)
	assert.Equal(s.T(), loopback, lease.Host)
	assert.NotNil(s.T(), lease.Listener())
}

func (s *AllocateSuite) TestAllocate_ForcedPort() {
	lease, err := Allocate(s.ctx, Range(s.port, s.port), loopback, false)
	require.NoError(s.T(), err)
	defer lease.Close()

	assert.Equal(s.T(), s.port, lease.Port)
}

func (s *AllocateSuite) TestAllocate_EmptyRangeUsesAnyPort() {
	lease, err := Allocate(s.ctx, nil, loopback, false)
	require.NoError(s.T(), err)
	defer lease.Close()

	assert.Greater(s.T(), lease.Port, 0)
}

func (s *AllocateSuite) TestAllocate_SkipsPortsInUse() {
	holder, err := s.allocate(false)
	require.NoError(s.T(), err)
	defer holder.Close()

	other := unusedPort(s.T())
	lease, err := Allocate(s.ctx, []int{s.port, other}, loopback, false)
	require.NoError(s.T(), err)
	defer lease.Close()

	assert.Equal(s.T(), other, lease.Port)
}

func (s *AllocateSuite) TestCloseIsIdempotent() {
	lease, err := s.allocate(false)
	require.NoError(s.T(), err)

	require.NoError(s.T(), lease.Close())
	require.NoError(s.T(), lease.Close())
}

// ---------------------------------------------------------------------------
// Exhaustion and reuse semantics
// ---------------------------------------------------------------------------

func (s *AllocateSuite) TestDefaultPassiveLive_ThenClosed() {
	holder, err := s.allocate(false)
	require.NoError(s.T(), err)

	_, err = s.allocate(false)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)
	_, err = s.allocate(true)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)

	require.NoError(s.T(), holder.Close())

	lease, err := s.allocate(false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), lease.Close())

	lease, err = s.allocate(true)
	require.NoError(s.T(), err)
	require.NoError(s.T(), lease.Close())
}

func (s *AllocateSuite) TestReusePassiveLive_ThenClosed() {
	holder, err := s.allocate(true)
	require.NoError(s.T(), err)

	_, err = s.allocate(false)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)
	_, err = s.allocate(true)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)

	require.NoError(s.T(), holder.Close())

	lease, err := s.allocate(false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), lease.Close())

	lease, err = s.allocate(true)
	require.NoError(s.T(), err)
	require.NoError(s.T(), lease.Close())
}

func (s *AllocateSuite) TestActiveLive_Exhausted() {
	holder, err := s.allocate(true)
	require.NoError(s.T(), err)
	defer holder.Close()

	activate(s.T(), holder)

	_, err = s.allocate(false)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)
	_, err = s.allocate(true)
	assert.ErrorIs(s.T(), err, ErrNoPortsInRange)
}

func (s *AllocateSuite) TestActiveClosed_PlatformDependent() {
	holder, err := s.allocate(true)
	require.NoError(s.T(), err)

	activate(s.T(), holder)
	require.NoError(s.T(), holder.Close())

	// Whether TIME_WAIT blocks the port depends on the OS; either outcome
	// must be a clean lease or the typed exhaustion error.
	for _, reuse := range []bool{false, true} {
		lease, err := s.allocate(reuse)
		if err != nil {
			assert.ErrorIs(s.T(), err, ErrNoPortsInRange)
			continue
		}
		assert.Equal(s.T(), s.port, lease.Port)
		require.NoError(s.T(), lease.Close())
	}
}

func (s *AllocateSuite) TestExhaustionErrorDescribesRange() {
	holder, err := s.allocate(false)
	require.NoError(s.T(), err)
	defer holder.Close()

	_, err = s.allocate(false)
	var nope *NoPortsInRangeError
	require.True(s.T(), errors.As(err, &nope))
	assert.False(s.T(), nope.Reuse)
	assert.Contains(s.T(), err.Error(), "default mode")
	assert.Contains(s.T(), err.Error(), loopback)
}

// ---------------------------------------------------------------------------
// Host handling
// ---------------------------------------------------------------------------

func TestAllocate_InvalidHost(t *testing.T) {
	_, err := Allocate(context.Background(), nil, "invalid_host", false)

	var invalid *InvalidHostError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "invalid_host", invalid.Host)
	assert.Contains(t, err.Error(),
		"trying to bind socket with what looks like an invalid hostname (invalid_host)")
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		host  string
		valid bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"localhost", true},
		{"node-01.cluster.example.com", true},
		{"invalid_host", false},
		{"", false},
		{"-leading-dash", false},
		{"host:port", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := ValidateHost(tt.host)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFamily(t *testing.T) {
	assert.Equal(t, FamilyInet6, Family("::1"))
	assert.Equal(t, FamilyInet6, Family("[fe80::1]"))
	assert.Equal(t, FamilyInet, Family("host:port"))
	assert.Equal(t, FamilyInet, Family("host"))
	assert.Equal(t, FamilyInet, Family("10.0.0.1"))
	assert.Equal(t, "inet6", FamilyInet6.String())
}

func TestRange(t *testing.T) {
	assert.Equal(t, []int{5, 6, 7}, Range(5, 8))
	assert.Equal(t, []int{5}, Range(5, 5))
	assert.Len(t, DefaultRange, 20)
}

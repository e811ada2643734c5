// Package wsutil holds what the bus, its producers and its monitors share
// about the websocket transport: endpoint layout, frame limits and the
// bounded wait for a bus to come up.
package wsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/AlexanderSemenyak/ert/internal/health"
)

const (
	// DefaultMaxMessageSize is the largest frame accepted on either side.
	DefaultMaxMessageSize = 1 << 26
	// DefaultMaxQueue is the per-monitor outgoing queue length.
	DefaultMaxQueue = 500

	ClientPath   = "/client"
	DispatchPath = "/dispatch"
	HealthPath   = "/healthz"
	MetricsPath  = "/metrics"
)

// Endpoints derives the bus URLs from its host and port.
type Endpoints struct {
	Host string
	Port int
}

// ParseEndpoints splits a host:port address.
func ParseEndpoints(addr string) (Endpoints, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoints{}, fmt.Errorf("parse bus address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoints{}, fmt.Errorf("parse bus address %q: invalid port", addr)
	}
	return Endpoints{Host: host, Port: port}, nil
}

func (e Endpoints) hostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Base is ws://host:port.
func (e Endpoints) Base() string { return "ws://" + e.hostPort() }

// Client is the monitor endpoint.
func (e Endpoints) Client() string { return e.Base() + ClientPath }

// Dispatch is the producer endpoint.
func (e Endpoints) Dispatch() string { return e.Base() + DispatchPath }

// Health is the readiness endpoint.
func (e Endpoints) Health() string { return "http://" + e.hostPort() + HealthPath }

// Dialer returns the websocket dialer used by producers and monitors.
func Dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// ---------------------------------------------------------------------------
// Wait for bus
// ---------------------------------------------------------------------------

// Backoff bounds WaitForBus.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// DefaultBackoff waits at most 60 seconds in total.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    50 * time.Millisecond,
		Max:        2 * time.Second,
		MaxElapsed: 60 * time.Second,
	}
}

// ErrBusUnavailable is returned when the bus did not become ready within
// the backoff budget.
var ErrBusUnavailable = errors.New("event bus unavailable")

// WaitForBus polls the health endpoint of e with exponential backoff until
// it answers 200 OK, ctx is done or the elapsed-time budget runs out.  A
// bus that reports it is past listening (draining or stopped) will not
// come back, so that ends the wait at once.
func WaitForBus(ctx context.Context, e Endpoints, b Backoff) error {
	if b.MaxElapsed <= 0 {
		b = DefaultBackoff()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.Initial
	bo.MaxInterval = b.Max
	bo.MaxElapsedTime = b.MaxElapsed

	client := &http.Client{Timeout: 2 * time.Second}
	url := e.Health()

	var last error
	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			last = err
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}

		last = fmt.Errorf("%s answered %s", url, resp.Status)
		var body health.Response
		if json.NewDecoder(resp.Body).Decode(&body) == nil &&
			body.BusState != "" && body.BusState != health.StartingState {
			last = fmt.Errorf("%s answered %s: bus is %s", url, resp.Status, body.BusState)
			return backoff.Permanent(last)
		}
		return last
	}

	if err := backoff.Retry(probe, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if last == nil {
			last = err
		}
		return fmt.Errorf("%w at %s: %v", ErrBusUnavailable, url, last)
	}
	return nil
}

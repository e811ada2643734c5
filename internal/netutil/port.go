// Package netutil finds and reserves network ports for the event bus.
//
// A port is reserved by keeping the listening socket open: the returned
// PortLease owns the socket and the port stays exclusive until the lease is
// closed.  Handing the leased listener to the server that needs it (instead
// of closing it and passing the port number on) leaves no window in which
// another process can grab the port.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// DefaultRange is the candidate range used when no range is configured.
var DefaultRange = Range(51820, 51840)

// ErrNoPortsInRange is matched (via errors.Is) by every *NoPortsInRangeError.
var ErrNoPortsInRange = errors.New("no available ports in range")

// NoPortsInRangeError reports that every candidate port was in use.
type NoPortsInRangeError struct {
	Host  string
	Ports []int
	Reuse bool
}

func (e *NoPortsInRangeError) Error() string {
	mode := "default"
	if e.Reuse {
		mode = "reuse"
	}
	if len(e.Ports) == 0 {
		return fmt.Sprintf("no free port available on %s (any-port request, %s mode)", e.Host, mode)
	}
	return fmt.Sprintf("no available ports in range %d-%d on %s (%s mode, %d candidates tried)",
		e.Ports[0], e.Ports[len(e.Ports)-1], e.Host, mode, len(e.Ports))
}

// Is makes errors.Is(err, ErrNoPortsInRange) work.
func (e *NoPortsInRangeError) Is(target error) bool {
	return target == ErrNoPortsInRange
}

// InvalidHostError is returned before any socket is created when the host
// string is neither an IP literal nor a syntactically valid hostname.
type InvalidHostError struct {
	Host string
}

func (e *InvalidHostError) Error() string {
	return fmt.Sprintf("trying to bind socket with what looks like an invalid hostname (%s)", e.Host)
}

// AddressFamily is the socket address family selected for a host.
type AddressFamily int

const (
	FamilyInet AddressFamily = iota
	FamilyInet6
)

func (f AddressFamily) String() string {
	if f == FamilyInet6 {
		return "inet6"
	}
	return "inet"
}

func (f AddressFamily) network() string {
	if f == FamilyInet6 {
		return "tcp6"
	}
	return "tcp4"
}

// Family returns FamilyInet6 for IPv6 literals and FamilyInet for anything
// else, including "host:port" strings.
func Family(host string) AddressFamily {
	if strings.Contains(host, ":") {
		if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil && ip.To4() == nil {
			return FamilyInet6
		}
	}
	return FamilyInet
}

var hostnameRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*\.?$`)

// ValidateHost accepts IPv4/IPv6 literals and RFC 1123 hostnames.
func ValidateHost(host string) error {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) == 0 || len(host) > 253 || !hostnameRE.MatchString(host) {
		return &InvalidHostError{Host: host}
	}
	return nil
}

// Range returns the half-open candidate list [start, stop).  A range with
// start == stop forces the single port start.
func Range(start, stop int) []int {
	if stop <= start {
		return []int{start}
	}
	ports := make([]int, 0, stop-start)
	for p := start; p < stop; p++ {
		ports = append(ports, p)
	}
	return ports
}

// PortLease is a reserved port backed by an open listening socket.
type PortLease struct {
	Host  string
	Port  int
	Reuse bool

	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

// Listener returns the leased socket.  Ownership stays with the lease: a
// server that serves on it closes it, and a later Close is then a no-op.
func (l *PortLease) Listener() net.Listener {
	return l.listener
}

// Addr returns host:port suitable for dialing.
func (l *PortLease) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Close releases the port.  Whether it can be re-bound immediately depends
// on the OS (TIME_WAIT) if the socket carried any connection.
func (l *PortLease) Close() error {
	l.closeOnce.Do(func() {
		if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.closeErr = err
		}
	})
	return l.closeErr
}

// Allocate binds the first free port among candidates on host.  An empty
// candidate list asks the OS for any free port, once.  With reuse set the
// socket is bound with SO_REUSEADDR so a port lingering in TIME_WAIT may be
// taken over; without it such a port counts as in use.
func Allocate(ctx context.Context, candidates []int, host string, reuse bool) (*PortLease, error) {
	if err := ValidateHost(host); err != nil {
		return nil, err
	}

	ports := candidates
	if len(ports) == 0 {
		ports = []int{0}
	}

	lc := net.ListenConfig{Control: reuseControl(reuse)}
	network := Family(host).network()
	bindHost := strings.Trim(host, "[]")

	for _, port := range ports {
		ln, err := lc.Listen(ctx, network, net.JoinHostPort(bindHost, strconv.Itoa(port)))
		if err != nil {
			if isAddrInUse(err) {
				continue
			}
			return nil, fmt.Errorf("bind %s: %w", net.JoinHostPort(bindHost, strconv.Itoa(port)), err)
		}
		return &PortLease{
			Host:     bindHost,
			Port:     ln.Addr().(*net.TCPAddr).Port,
			Reuse:    reuse,
			listener: ln,
		}, nil
	}

	return nil, &NoPortsInRangeError{Host: bindHost, Ports: candidates, Reuse: reuse}
}

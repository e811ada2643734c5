package netutil

import (
	"context"
	"os"
	"sort"
	"strings"
)

// Resolver is the subset of *net.Resolver used by MachineName.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

var hostname = os.Hostname

// MachineName returns a stable, fully qualified name for this machine.
// Hosts with several PTR records get the same answer on every call
// regardless of the order the DNS server returns them in.
func MachineName(ctx context.Context, r Resolver) string {
	host, err := hostname()
	if err != nil || host == "" {
		return "localhost"
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return host
	}

	names, err := r.LookupAddr(ctx, addrs[0])
	if err != nil || len(names) == 0 {
		return host
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return strings.TrimSuffix(sorted[0], ".")
}

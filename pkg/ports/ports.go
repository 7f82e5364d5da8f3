// Package ports allocates local TCP ports for sites. A port is usable only
// when the registry does not claim it and the OS can actually bind it, so a
// port held by some unrelated process is skipped.
package ports

import (
	"fmt"
	"net"
	"time"

	"sitekeeper/pkg/errs"
)

// Allocator scans a fixed range for free ports, ascending from the minimum.
type Allocator struct {
	Min int
	Max int
}

func NewAllocator(min, max int) *Allocator {
	return &Allocator{Min: min, Max: max}
}

// Allocate returns the lowest port in [Min, Max] that is neither in used nor
// bound by another process. used normally comes from Registry.UsedPorts.
func (a *Allocator) Allocate(used map[int]bool) (int, error) {
	for port := a.Min; port <= a.Max; port++ {
		if used[port] {
			continue
		}
		if Listenable(port) {
			return port, nil
		}
	}
	return 0, errs.Newf(errs.NoPortAvailable, "allocate", "", "no free port in %d-%d", a.Min, a.Max)
}

// Listenable reports whether the port can be bound on localhost right now.
func Listenable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Connectable reports whether something accepts connections on the port.
// Used as the liveness probe for running sites.
func Connectable(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

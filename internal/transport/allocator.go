package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrNoPortsAvailable = errors.New("no ports available in range")

// PortAllocator hands out UDP sockets for per-client sessions. With no
// range configured it defers to the OS ephemeral range; with a range it
// bind-probes ports in order, tracking the ones it handed out so two
// sessions in one process never race for the same port.
type PortAllocator struct {
	lo, hi uint16 // inclusive range; both zero means OS-assigned
	mu     sync.Mutex
	inUse  map[uint16]struct{}
}

// NewPortAllocator creates an allocator over [lo, hi]. Pass 0, 0 to use
// OS-assigned ephemeral ports.
func NewPortAllocator(lo, hi uint16) *PortAllocator {
	return &PortAllocator{lo: lo, hi: hi, inUse: make(map[uint16]struct{})}
}

// Allocate binds a fresh UDP socket and returns it with its port. The
// caller owns the socket; Release must be called after closing it when a
// bounded range is in use.
func (a *PortAllocator) Allocate() (*net.UDPConn, uint16, error) {
	if a.lo == 0 && a.hi == 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			return nil, 0, fmt.Errorf("bind ephemeral: %w", err)
		}
		return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.lo; port != 0 && port <= a.hi; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
		if err != nil {
			// In use by another process; probe the next one.
			continue
		}
		a.inUse[port] = struct{}{}
		return conn, port, nil
	}
	return nil, 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Safe to call for OS-assigned ports.
func (a *PortAllocator) Release(port uint16) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

package process

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PortScanRange is the number of ports FindFreePort probes.
const PortScanRange = 1000

const probeTimeout = 250 * time.Millisecond

// NoPortAvailableError reports an exhausted port scan.
type NoPortAvailableError struct {
	Start int
	End   int
}

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End-1)
}

// PortAllocator hands out loopback ports nothing is listening on. Ports it
// handed out stay reserved until released, so two live endpoints in one
// process never share a port even before either has bound it.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
	// probe reports whether something accepts connections on port.
	probe func(port int) bool
}

// NewPortAllocator returns an allocator probing 127.0.0.1.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		reserved: map[int]struct{}{},
		probe:    probeLoopback,
	}
}

var defaultAllocator = NewPortAllocator()

// FindFreePort scans upwards from start on the process-wide allocator.
func FindFreePort(start int) (int, error) {
	return defaultAllocator.Find(start)
}

// ReleasePort returns a port obtained from FindFreePort.
func ReleasePort(port int) {
	defaultAllocator.Release(port)
}

// Find returns the first port at or above start, below start+PortScanRange,
// where a connect attempt is refused. The scan is sequential so results are
// reproducible.
func (a *PortAllocator) Find(start int) (int, error) {
	if start <= 0 {
		start = 1
	}
	end := min(start+PortScanRange, 65536)

	a.mu.Lock()
	defer a.mu.Unlock()
	for port := start; port < end; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if a.probe(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, &NoPortAvailableError{Start: start, End: end}
}

// Release makes port available to Find again.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func probeLoopback(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err == nil {
		_ = conn.Close()
		return true
	}
	return !errors.Is(err, unix.ECONNREFUSED)
}

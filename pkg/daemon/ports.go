package daemon

import (
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
)

// DefaultBannedPorts are never handed out: the overlay daemon's stock ports
// and ports commonly taken by other local services.
var DefaultBannedPorts = []int{
	22, 25, 53, 80, 443,
	3000, 3306, 4001, 5000, 5001, 5002, 5432, 6379,
	8000, 8080, 8081, 8443, 8888, 9090, 9091, 27017,
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) Contains(port int) bool { return port >= r.Min && port <= r.Max }

func (r PortRange) size() int { return r.Max - r.Min + 1 }

// BannedPorts is the process-local set of ports that must not be used. It
// starts from DefaultBannedPorts and only grows.
type BannedPorts struct {
	mu    sync.Mutex
	ports map[int]struct{}

	// Available reports whether a port can be bound right now. Nil means
	// try a TCP listener on the loopback interface.
	Available func(port int) bool
}

func NewBannedPorts(extra ...int) *BannedPorts {
	b := &BannedPorts{ports: make(map[int]struct{})}
	b.Ban(DefaultBannedPorts...)
	b.Ban(extra...)
	return b
}

// Ban adds ports to the set.
func (b *BannedPorts) Ban(ports ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range ports {
		if p > 0 {
			b.ports[p] = struct{}{}
		}
	}
}

func (b *BannedPorts) Banned(port int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ports[port]
	return ok
}

// List returns the banned ports in ascending order.
func (b *BannedPorts) List() []int {
	b.mu.Lock()
	out := make([]int, 0, len(b.ports))
	for p := range b.ports {
		out = append(out, p)
	}
	b.mu.Unlock()
	slices.Sort(out)
	return out
}

// Pick returns a port from r that is neither banned nor in exclude and that
// can currently be bound. The scan starts at a random offset so repeated
// remediations spread out.
func (b *BannedPorts) Pick(r PortRange, exclude ...int) (int, error) {
	if r.Min <= 0 || r.Max < r.Min {
		return 0, fmt.Errorf("invalid port range %d-%d", r.Min, r.Max)
	}
	available := b.Available
	if available == nil {
		available = canListen
	}
	start := rand.IntN(r.size())
	for i := 0; i < r.size(); i++ {
		port := r.Min + (start+i)%r.size()
		if b.Banned(port) || slices.Contains(exclude, port) {
			continue
		}
		if available(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrPortsExhausted, r.Min, r.Max)
}

func canListen(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

package mediamgr

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// ErrNoPorts reports that the reserved-port queue is empty and a refill
// bound nothing.
var ErrNoPorts = errors.New("no ports available")

// DefaultMaxReservedPorts caps the reserved-port queue when the service
// configuration does not.
const DefaultMaxReservedPorts = 10

// portPool holds TCP listener sockets bound in advance. Binding up front
// avoids losing bind races on narrow port ranges; consumers receive the
// already-bound socket, never a bare port number.
type portPool struct {
	lo, hi int // both zero means "any free port"
	max    int
	cursor int
	queue  []net.Listener
	logger *logrus.Logger
}

func newPortPool(lo, hi, max int, logger *logrus.Logger) *portPool {
	if max <= 0 {
		max = DefaultMaxReservedPorts
	}
	return &portPool{lo: lo, hi: hi, max: max, cursor: lo, logger: logger}
}

// fill tops the queue up to its cap. In range mode the walk wraps to the low
// end after the high port; binds that fail are skipped.
func (p *portPool) fill() {
	if p.lo == 0 && p.hi == 0 {
		for len(p.queue) < p.max {
			ln, err := net.Listen("tcp", ":0")
			if err != nil {
				p.logger.WithError(err).Warn("Port bind failed")
				return
			}
			p.queue = append(p.queue, ln)
		}
		return
	}

	attempts := p.hi - p.lo + 1
	for len(p.queue) < p.max && attempts > 0 {
		attempts--
		port := p.cursor
		p.cursor++
		if p.cursor > p.hi {
			p.cursor = p.lo
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		p.queue = append(p.queue, ln)
	}
}

// take leases the head of the queue, refilling lazily when empty. Leased
// sockets are never returned to the pool.
func (p *portPool) take() (net.Listener, bool) {
	if len(p.queue) == 0 {
		p.fill()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	ln := p.queue[0]
	p.queue = p.queue[1:]
	return ln, true
}

func (p *portPool) size() int {
	return len(p.queue)
}

func (p *portPool) closeAll() {
	for _, ln := range p.queue {
		_ = ln.Close()
	}
	p.queue = nil
}

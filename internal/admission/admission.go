// Package admission bounds the number of in-flight transcriptions with
// a counting gate and a bounded queue wait.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fmueller/whisperd/internal/fault"
)

// Gate admits up to its capacity of concurrent holders. Arrivals beyond
// capacity wait up to the configured queue wait for a slot; slots are
// not granted in FIFO order.
type Gate struct {
	slots     chan struct{}
	queueWait time.Duration
}

func NewGate(capacity int, queueWait time.Duration) *Gate {
	return &Gate{
		slots:     make(chan struct{}, capacity),
		queueWait: queueWait,
	}
}

// InFlight reports the current number of ticket holders.
func (g *Gate) InFlight() int {
	return len(g.slots)
}

// Acquire returns a ticket or a concurrency-limit fault once the queue
// wait elapses. Caller cancellation while queued also ends the wait.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	select {
	case g.slots <- struct{}{}:
		return &Ticket{gate: g}, nil
	default:
	}

	timer := time.NewTimer(g.queueWait)
	defer timer.Stop()

	select {
	case g.slots <- struct{}{}:
		return &Ticket{gate: g}, nil
	case <-timer.C:
		return nil, fault.New(fault.ConcurrencyLimit, "server is busy, try again later")
	case <-ctx.Done():
		return nil, fault.Wrap(fault.ConcurrencyLimit, "request abandoned while queued", ctx.Err())
	}
}

// Ticket is a single-use capability for one in-flight slot. Releasing
// twice is a programming error and panics.
type Ticket struct {
	gate     *Gate
	released atomic.Bool
}

// Release returns the slot. Must be called exactly once.
func (t *Ticket) Release() {
	if t.released.Swap(true) {
		panic("admission: ticket released twice")
	}
	<-t.gate.slots
}

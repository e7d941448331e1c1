package transport

import (
	"context"
	"sync"
)

// DefaultQueueDepth is the event buffer used when NewDispatcher gets depth <= 0
const DefaultQueueDepth = 64

// Dispatcher is a single-threaded event loop. Transport events and posted
// calls are handled one at a time on the goroutine running Run, so protocol
// transitions never interleave.
type Dispatcher struct {
	events chan Event
	calls  chan func()
	done   chan struct{}
	once   sync.Once
}

// NewDispatcher creates a dispatcher with the given event buffer depth
func NewDispatcher(depth int) *Dispatcher {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Dispatcher{
		events: make(chan Event, depth),
		calls:  make(chan func(), depth),
		done:   make(chan struct{}),
	}
}

// Deliver queues ev for the loop. Events delivered after the loop stopped
// are dropped.
func (d *Dispatcher) Deliver(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// Do runs fn on the loop goroutine
func (d *Dispatcher) Do(fn func()) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.calls <- fn:
	case <-d.done:
	}
}

// Done is closed once Run has returned
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run drains events and calls until ctx is cancelled. The handler and every
// posted call run on the calling goroutine.
func (d *Dispatcher) Run(ctx context.Context, handle func(Event)) error {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			handle(ev)
		case fn := <-d.calls:
			fn()
		}
	}
}

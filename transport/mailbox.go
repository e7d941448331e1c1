package transport

import "sync"

// Mailbox delivers one device's events to a Sink in order, on its own
// goroutine. Post never blocks, so a transport can report events while
// holding its own locks.
type Mailbox struct {
	sink Sink

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewMailbox starts a mailbox delivering to sink
func NewMailbox(sink Sink) *Mailbox {
	m := &Mailbox{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// Post queues ev for delivery
func (m *Mailbox) Post(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Queued events are dropped.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.sink.Deliver(ev)
		}
	}
}

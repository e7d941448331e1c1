package simlink

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
)

// notification is one queued update for one subscribed central
type notification struct {
	link  *link
	value []byte
}

// Peripheral is the sending half of a simulated device. It implements
// transport.Peripheral.
type Peripheral struct {
	radio  *Radio
	self   *transport.Endpoint
	box    *transport.Mailbox
	prefix string

	// Guarded by radio.mu
	services    []*transport.Service
	advertising bool
	localName   string
	advService  uuid.UUID
	distance    float64
	queue       []notification
	owed        bool // a rejected Send is waiting for ReadyToSend
	closed      bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

var _ transport.Peripheral = (*Peripheral)(nil)

// NewPeripheral attaches a peripheral named name to radio, one meter from
// every central. Events go to sink, starting with poweredOn.
func NewPeripheral(radio *Radio, sink transport.Sink, name string) *Peripheral {
	p := &Peripheral{
		radio:    radio,
		self:     &transport.Endpoint{ID: uuid.NewString(), Name: name},
		box:      transport.NewMailbox(sink),
		distance: 1,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.prefix = p.self.Short() + " sim"

	radio.mu.Lock()
	radio.peripherals[p.self] = p
	radio.mu.Unlock()

	go p.pump()
	radio.powerOn(p.box)
	return p
}

// Endpoint is how centrals see this peripheral
func (p *Peripheral) Endpoint() *transport.Endpoint {
	return p.self
}

// SetDistance moves the peripheral, changing the RSSI centrals observe
func (p *Peripheral) SetDistance(meters float64) {
	p.radio.mu.Lock()
	p.distance = meters
	p.radio.mu.Unlock()
}

// IsAdvertising reports whether the peripheral is currently visible
func (p *Peripheral) IsAdvertising() bool {
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) AddService(svc *transport.Service) error {
	r := p.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.advertising {
		return errors.New("simlink: cannot add service while advertising")
	}
	for _, ch := range svc.Characteristics {
		ch.Service = svc
	}
	p.services = append(p.services, svc)
	p.box.Post(transport.Event{Kind: transport.EventServiceAdded, Service: svc})
	return nil
}

func (p *Peripheral) StartAdvertising(localName string, service uuid.UUID) error {
	r := p.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if !p.hasServiceUUIDLocked(service) {
		p.box.Post(transport.Event{
			Kind: transport.EventAdvertisingStarted,
			Err:  errors.Errorf("simlink: service %s not registered", service),
		})
		return nil
	}
	p.advertising = true
	p.localName = localName
	p.advService = service
	p.box.Post(transport.Event{Kind: transport.EventAdvertisingStarted})
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	r := p.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	p.advertising = false
	return nil
}

// Send queues chunk for every central subscribed to c. It returns false,
// queueing nothing, when the queue cannot take it; one ReadyToSend follows
// once a slot frees up.
func (p *Peripheral) Send(c *transport.Characteristic, chunk []byte) bool {
	r := p.radio
	r.mu.Lock()

	var targets []*link
	for key, l := range r.links {
		if key.peripheral == p && l.subscribed == c {
			targets = append(targets, l)
		}
	}

	depth := r.config().QueueDepth
	if depth < 1 {
		depth = 1
	}
	if len(p.queue)+len(targets) > depth {
		p.owed = true
		r.mu.Unlock()
		return false
	}
	for _, l := range targets {
		p.queue = append(p.queue, notification{link: l, value: bytes.Clone(chunk)})
	}
	r.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// pump drains the notification queue at DrainInterval per entry
func (p *Peripheral) pump() {
	interval := time.Duration(p.radio.config().DrainInterval) * time.Millisecond

	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			if interval > 0 {
				select {
				case <-p.done:
					return
				case <-time.After(interval):
				}
			}
			if !p.deliverNext() {
				break
			}
		}
	}
}

// deliverNext hands the head of the queue to its central. It reports false
// when the queue was empty.
func (p *Peripheral) deliverNext() bool {
	r := p.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p.queue) == 0 {
		return false
	}
	n := p.queue[0]
	p.queue = p.queue[1:]

	if _, alive := r.links[linkKey{n.link.central, p}]; alive && n.link.subscribed != nil {
		n.link.central.box.Post(transport.Event{
			Kind:           transport.EventChunkReceived,
			Endpoint:       p.self,
			Characteristic: n.link.subscribed,
			Value:          n.value,
		})
	}
	p.settleLocked()
	return true
}

// settleLocked pays the owed ReadyToSend once the queue has room
func (p *Peripheral) settleLocked() {
	if !p.owed {
		return
	}
	p.owed = false
	logger.Trace(p.prefix, "queue has room, ready to send")
	p.box.Post(transport.Event{Kind: transport.EventReadyToSend})
}

// purgeLocked drops queued notifications for l
func (p *Peripheral) purgeLocked(l *link) {
	kept := p.queue[:0]
	for _, n := range p.queue {
		if n.link != l {
			kept = append(kept, n)
		}
	}
	purged := len(p.queue) - len(kept)
	p.queue = kept
	if purged > 0 {
		p.settleLocked()
	}
}

func (p *Peripheral) hasServiceLocked(svc *transport.Service) bool {
	for _, s := range p.services {
		if s == svc {
			return true
		}
	}
	return false
}

func (p *Peripheral) hasServiceUUIDLocked(id uuid.UUID) bool {
	for _, s := range p.services {
		if s.UUID == id {
			return true
		}
	}
	return false
}

// Close detaches the peripheral, dropping its links
func (p *Peripheral) Close() {
	r := p.radio
	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return
	}
	p.closed = true
	p.advertising = false
	for key, l := range r.links {
		if key.peripheral == p {
			r.teardownLocked(l, ErrLinkLost)
		}
	}
	delete(r.peripherals, p.self)
	r.mu.Unlock()

	p.once.Do(func() { close(p.done) })
	p.box.Close()
}

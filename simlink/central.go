package simlink

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
)

// ErrConnectionFailed is reported with ConnectFailed when the simulator
// decides a connection attempt does not go through
var ErrConnectionFailed = errors.New("simlink: connection failed")

// Central is the receiving half of a simulated device. It implements
// transport.Central.
type Central struct {
	radio  *Radio
	self   *transport.Endpoint
	box    *transport.Mailbox
	prefix string

	// Guarded by radio.mu
	mtu             int
	scanning        bool
	scanService     uuid.UUID
	allowDuplicates bool
	reported        map[*Peripheral]bool
	stopScan        chan struct{}
	pending         map[*Peripheral]bool
	closed          bool
}

var _ transport.Central = (*Central)(nil)

// NewCentral attaches a central named name to radio. Events go to sink,
// starting with poweredOn after the configured init delay.
func NewCentral(radio *Radio, sink transport.Sink, name string) *Central {
	c := &Central{
		radio:    radio,
		self:     &transport.Endpoint{ID: uuid.NewString(), Name: name},
		box:      transport.NewMailbox(sink),
		mtu:      radio.config().MTU,
		reported: make(map[*Peripheral]bool),
		pending:  make(map[*Peripheral]bool),
	}
	c.prefix = c.self.Short() + " sim"

	radio.mu.Lock()
	radio.centrals[c] = struct{}{}
	radio.mu.Unlock()

	radio.powerOn(c.box)
	return c
}

// Endpoint is how peripherals see this central
func (c *Central) Endpoint() *transport.Endpoint {
	return c.self
}

// SetMTU changes the maximum update length reported on future subscriptions
func (c *Central) SetMTU(mtu int) {
	c.radio.mu.Lock()
	c.mtu = mtu
	c.radio.mu.Unlock()
}

func (c *Central) Scan(service uuid.UUID, allowDuplicates bool) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.closed {
		return errors.New("simlink: central closed")
	}
	if c.stopScan != nil {
		close(c.stopScan)
	}
	c.scanning = true
	c.scanService = service
	c.allowDuplicates = allowDuplicates
	c.reported = make(map[*Peripheral]bool)
	c.stopScan = make(chan struct{})

	go c.scanLoop(c.stopScan)
	return nil
}

func (c *Central) StopScan() error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	c.stopScanLocked()
	return nil
}

func (c *Central) stopScanLocked() {
	if c.stopScan != nil {
		close(c.stopScan)
		c.stopScan = nil
	}
	c.scanning = false
}

// scanLoop reports advertisers once immediately, then every advertising interval
func (c *Central) scanLoop(stop chan struct{}) {
	interval := time.Duration(c.radio.config().AdvertisingInterval) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.report()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Central) report() {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.scanning || c.closed {
		return
	}
	for _, p := range r.peripherals {
		if !p.advertising || (c.scanService != uuid.Nil && p.advService != c.scanService) {
			continue
		}
		if !c.allowDuplicates && c.reported[p] {
			continue
		}
		c.reported[p] = true
		c.box.Post(transport.Event{
			Kind:     transport.EventDiscovered,
			Endpoint: p.self,
			RSSI:     r.sim.GenerateRSSI(p.distance),
		})
	}
}

func (c *Central) Connect(ep *transport.Endpoint) error {
	r := c.radio
	r.mu.Lock()
	p, ok := r.peripherals[ep]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(transport.ErrUnknownPeer, "endpoint %s", ep.Short())
	}
	if _, connected := r.links[linkKey{c, p}]; connected {
		c.box.Post(transport.Event{Kind: transport.EventConnected, Endpoint: ep})
		r.mu.Unlock()
		return nil
	}
	c.pending[p] = true
	r.mu.Unlock()

	delay := r.sim.ConnectionDelay()
	succeed := r.sim.ShouldConnectionSucceed()
	complete := func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if c.closed || !c.pending[p] {
			return
		}
		delete(c.pending, p)
		if !succeed || p.closed {
			logger.Debug(c.prefix, "connection to %s failed", ep.Short())
			c.box.Post(transport.Event{Kind: transport.EventConnectFailed, Endpoint: ep, Err: ErrConnectionFailed})
			return
		}
		r.links[linkKey{c, p}] = &link{central: c, peripheral: p}
		c.box.Post(transport.Event{Kind: transport.EventConnected, Endpoint: ep})
	}

	if delay <= 0 {
		complete()
	} else {
		time.AfterFunc(delay, complete)
	}
	return nil
}

func (c *Central) Disconnect(ep *transport.Endpoint) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peripherals[ep]; ok && c.pending[p] {
		// Cancelling an attempt still in flight
		delete(c.pending, p)
		c.box.Post(transport.Event{Kind: transport.EventDisconnected, Endpoint: ep})
		return nil
	}
	l, err := r.linkLocked(c, ep)
	if err != nil {
		return err
	}
	r.teardownLocked(l, nil)
	return nil
}

func (c *Central) DiscoverServices(ep *transport.Endpoint, service uuid.UUID) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.linkLocked(c, ep)
	if err != nil {
		return err
	}
	var found []*transport.Service
	for _, svc := range l.peripheral.services {
		if service == uuid.Nil || svc.UUID == service {
			found = append(found, svc)
		}
	}
	c.box.Post(transport.Event{Kind: transport.EventServicesDiscovered, Endpoint: ep, Services: found})
	return nil
}

func (c *Central) DiscoverCharacteristics(ep *transport.Endpoint, svc *transport.Service, characteristic uuid.UUID) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.linkLocked(c, ep)
	if err != nil {
		return err
	}
	ev := transport.Event{Kind: transport.EventCharacteristicsDiscovered, Endpoint: ep, Service: svc}
	if !l.peripheral.hasServiceLocked(svc) {
		ev.Err = errors.Errorf("simlink: service %s not on %s", svc.UUID, ep.Short())
		c.box.Post(ev)
		return nil
	}
	for _, ch := range svc.Characteristics {
		if characteristic == uuid.Nil || ch.UUID == characteristic {
			ev.Characteristics = append(ev.Characteristics, ch)
		}
	}
	c.box.Post(ev)
	return nil
}

func (c *Central) Subscribe(ep *transport.Endpoint, ch *transport.Characteristic) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.linkLocked(c, ep)
	if err != nil {
		return err
	}
	confirm := transport.Event{Kind: transport.EventSubscriptionChanged, Endpoint: ep, Characteristic: ch}
	if !ch.CanNotify() || !l.peripheral.hasServiceLocked(ch.Service) {
		confirm.Err = errors.Errorf("simlink: characteristic %s does not notify", ch.UUID)
		c.box.Post(confirm)
		return nil
	}

	confirm.Notifying = true
	c.box.Post(confirm)
	if l.subscribed == ch {
		return nil
	}
	l.subscribed = ch
	l.peripheral.box.Post(transport.Event{
		Kind:           transport.EventSubscribed,
		Endpoint:       c.self,
		Characteristic: ch,
		MTU:            r.sim.NegotiatedMTU(c.mtu, r.config().MTU),
	})
	return nil
}

func (c *Central) Unsubscribe(ep *transport.Endpoint, ch *transport.Characteristic) error {
	r := c.radio
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.linkLocked(c, ep)
	if err != nil {
		return err
	}
	c.box.Post(transport.Event{Kind: transport.EventSubscriptionChanged, Endpoint: ep, Characteristic: ch, Notifying: false})
	if l.subscribed == nil {
		return nil
	}
	l.subscribed = nil
	l.peripheral.purgeLocked(l)
	l.peripheral.box.Post(transport.Event{Kind: transport.EventUnsubscribed, Endpoint: c.self, Characteristic: ch})
	return nil
}

// Close detaches the central, dropping its links
func (c *Central) Close() {
	r := c.radio
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return
	}
	c.closed = true
	c.stopScanLocked()
	for key, l := range r.links {
		if key.central == c {
			r.teardownLocked(l, ErrLinkLost)
		}
	}
	delete(r.centrals, c)
	r.mu.Unlock()

	c.box.Close()
}

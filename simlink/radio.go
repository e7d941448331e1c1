// Package simlink is an in-process radio for running both transfer roles
// without hardware. Centrals and peripherals attached to one Radio can see
// each other's advertisements, connect, subscribe and exchange notifications.
// Notifications pass through a bounded queue per peripheral, so senders see
// the same accept/reject flow control a real stack gives them.
package simlink

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
)

// ErrLinkLost is reported with Disconnected when Radio.Drop severs a link
var ErrLinkLost = errors.New("simlink: link lost")

type linkKey struct {
	central    *Central
	peripheral *Peripheral
}

// link is an established connection between two attached devices
type link struct {
	central    *Central
	peripheral *Peripheral
	subscribed *transport.Characteristic
}

// Radio is the shared medium. All device state lives behind its mutex.
type Radio struct {
	sim *Simulator

	mu          sync.Mutex
	centrals    map[*Central]struct{}
	peripherals map[*transport.Endpoint]*Peripheral
	links       map[linkKey]*link
}

// NewRadio creates an empty radio. A nil config uses DefaultSimulationConfig.
func NewRadio(config *SimulationConfig) *Radio {
	return &Radio{
		sim:         NewSimulator(config),
		centrals:    make(map[*Central]struct{}),
		peripherals: make(map[*transport.Endpoint]*Peripheral),
		links:       make(map[linkKey]*link),
	}
}

// Simulator returns the radio's simulator
func (r *Radio) Simulator() *Simulator {
	return r.sim
}

func (r *Radio) config() *SimulationConfig {
	return r.sim.config
}

// powerOn reports poweredOn to a freshly attached device after InitDelay
func (r *Radio) powerOn(box *transport.Mailbox) {
	ev := transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStatePoweredOn}
	delay := time.Duration(r.config().InitDelay) * time.Millisecond
	if delay <= 0 {
		box.Post(ev)
		return
	}
	time.AfterFunc(delay, func() { box.Post(ev) })
}

// Drop severs the link between c and p as if the devices moved out of
// range. Both sides are told; nothing happens if they were not connected.
func (r *Radio) Drop(c *Central, p *Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[linkKey{c, p}]
	if !ok {
		return
	}
	logger.Debug(c.prefix, "💥 link to %s lost", p.self.Short())
	r.teardownLocked(l, ErrLinkLost)
}

// teardownLocked removes l and tells both ends. Caller holds r.mu.
func (r *Radio) teardownLocked(l *link, cause error) {
	delete(r.links, linkKey{l.central, l.peripheral})
	l.peripheral.purgeLocked(l)

	l.central.box.Post(transport.Event{
		Kind:     transport.EventDisconnected,
		Endpoint: l.peripheral.self,
		Err:      cause,
	})
	if l.subscribed != nil {
		l.peripheral.box.Post(transport.Event{
			Kind:           transport.EventDisconnected,
			Endpoint:       l.central.self,
			Characteristic: l.subscribed,
			Err:            cause,
		})
	}
	l.subscribed = nil
}

// linkLocked finds the link from c to the peripheral advertising as ep
func (r *Radio) linkLocked(c *Central, ep *transport.Endpoint) (*link, error) {
	p, ok := r.peripherals[ep]
	if !ok {
		return nil, errors.Wrapf(transport.ErrUnknownPeer, "endpoint %s", ep.Short())
	}
	l, ok := r.links[linkKey{c, p}]
	if !ok {
		return nil, errors.Wrapf(transport.ErrNotConnected, "endpoint %s", ep.Short())
	}
	return l, nil
}

// Close detaches every device and stops their goroutines
func (r *Radio) Close() {
	r.mu.Lock()
	centrals := make([]*Central, 0, len(r.centrals))
	for c := range r.centrals {
		centrals = append(centrals, c)
	}
	peripherals := make([]*Peripheral, 0, len(r.peripherals))
	for _, p := range r.peripherals {
		peripherals = append(peripherals, p)
	}
	r.mu.Unlock()

	for _, c := range centrals {
		c.Close()
	}
	for _, p := range peripherals {
		p.Close()
	}
}

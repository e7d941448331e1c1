package tinyble

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
	"tinygo.org/x/bluetooth"
)

// Peripheral implements transport.Peripheral on the host adapter.
//
// The host stack does not report CCCD writes, so a connecting central is
// treated as subscribing to the last registered notify characteristic and a
// disconnect as unsubscribing.
type Peripheral struct {
	adapter    *bluetooth.Adapter
	box        *transport.Mailbox
	prefix     string
	endpoints  *endpoints
	retryDelay time.Duration
	mtu        int

	mu       sync.Mutex
	handles  map[*transport.Characteristic]*bluetooth.Characteristic
	notify   *transport.Characteristic
	adv      *bluetooth.Advertisement
	retrying bool
}

var _ transport.Peripheral = (*Peripheral)(nil)

// NewPeripheral enables the adapter and starts reporting to sink
func NewPeripheral(opts Options, sink transport.Sink, name string) (*Peripheral, error) {
	opts = opts.withDefaults()
	p := &Peripheral{
		adapter:    opts.Adapter,
		box:        transport.NewMailbox(sink),
		prefix:     name + " ble",
		endpoints:  newEndpoints(opts.CacheSize),
		retryDelay: opts.RetryDelay,
		mtu:        opts.MTU,
		handles:    make(map[*transport.Characteristic]*bluetooth.Characteristic),
	}
	p.adapter.SetConnectHandler(p.onConnectChange)
	if err := enable(p.adapter, p.box); err != nil {
		p.box.Close()
		return nil, err
	}
	return p, nil
}

// Close stops event delivery
func (p *Peripheral) Close() {
	p.box.Close()
}

func (p *Peripheral) onConnectChange(dev bluetooth.Device, connected bool) {
	p.mu.Lock()
	ch := p.notify
	p.mu.Unlock()
	if ch == nil {
		return
	}

	ep := p.endpoints.lookup(dev.Address, "")
	if connected {
		p.box.Post(transport.Event{Kind: transport.EventSubscribed, Endpoint: ep, Characteristic: ch, MTU: p.mtu})
		return
	}
	p.box.Post(transport.Event{Kind: transport.EventDisconnected, Endpoint: ep, Characteristic: ch})
}

func (p *Peripheral) AddService(svc *transport.Service) error {
	handles := make([]bluetooth.Characteristic, len(svc.Characteristics))
	bs := &bluetooth.Service{UUID: toBT(svc.UUID)}
	for i, ch := range svc.Characteristics {
		bs.Characteristics = append(bs.Characteristics, bluetooth.CharacteristicConfig{
			Handle: &handles[i],
			UUID:   toBT(ch.UUID),
			Flags:  permissions(ch),
		})
	}

	err := p.adapter.AddService(bs)
	if err == nil {
		p.mu.Lock()
		for i, ch := range svc.Characteristics {
			p.handles[ch] = &handles[i]
			if ch.CanNotify() {
				p.notify = ch
			}
		}
		p.mu.Unlock()
	}
	p.box.Post(transport.Event{Kind: transport.EventServiceAdded, Service: svc, Err: err})
	return nil
}

func (p *Peripheral) StartAdvertising(localName string, service uuid.UUID) error {
	p.mu.Lock()
	if p.adv == nil {
		p.adv = p.adapter.DefaultAdvertisement()
	}
	adv := p.adv
	p.mu.Unlock()

	// Restarting is how callers resume after a connection stopped it
	_ = adv.Stop()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{toBT(service)},
	})
	if err == nil {
		err = adv.Start()
	}
	p.box.Post(transport.Event{Kind: transport.EventAdvertisingStarted, Err: err})
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	adv := p.adv
	p.mu.Unlock()
	if adv == nil {
		return nil
	}
	return errors.Wrap(adv.Stop(), "stop advertising")
}

// Send writes chunk to the characteristic, which notifies subscribers. Any
// refusal counts as a full queue; ReadyToSend follows after RetryDelay.
func (p *Peripheral) Send(c *transport.Characteristic, chunk []byte) bool {
	p.mu.Lock()
	h, ok := p.handles[c]
	p.mu.Unlock()
	if !ok {
		logger.Error(p.prefix, "send on unregistered characteristic %s", c.UUID)
		p.retryLater()
		return false
	}

	if _, err := h.Write(chunk); err != nil {
		logger.Trace(p.prefix, "notify failed: %v", err)
		p.retryLater()
		return false
	}
	return true
}

func (p *Peripheral) retryLater() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retrying {
		return
	}
	p.retrying = true
	time.AfterFunc(p.retryDelay, func() {
		p.mu.Lock()
		p.retrying = false
		p.mu.Unlock()
		p.box.Post(transport.Event{Kind: transport.EventReadyToSend})
	})
}

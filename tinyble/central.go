package tinyble

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
	"tinygo.org/x/bluetooth"
)

// Central implements transport.Central on the host adapter
type Central struct {
	adapter   *bluetooth.Adapter
	box       *transport.Mailbox
	prefix    string
	endpoints *endpoints

	mu              sync.Mutex
	scanning        bool
	seen            map[*transport.Endpoint]bool
	devices         map[*transport.Endpoint]bluetooth.Device
	services        map[*transport.Service]bluetooth.DeviceService
	characteristics map[*transport.Characteristic]bluetooth.DeviceCharacteristic
}

var _ transport.Central = (*Central)(nil)

// NewCentral enables the adapter and starts reporting to sink
func NewCentral(opts Options, sink transport.Sink, name string) (*Central, error) {
	opts = opts.withDefaults()
	c := &Central{
		adapter:         opts.Adapter,
		box:             transport.NewMailbox(sink),
		prefix:          name + " ble",
		endpoints:       newEndpoints(opts.CacheSize),
		devices:         make(map[*transport.Endpoint]bluetooth.Device),
		services:        make(map[*transport.Service]bluetooth.DeviceService),
		characteristics: make(map[*transport.Characteristic]bluetooth.DeviceCharacteristic),
	}
	c.adapter.SetConnectHandler(c.onConnectChange)
	if err := enable(c.adapter, c.box); err != nil {
		c.box.Close()
		return nil, err
	}
	return c, nil
}

// Close stops event delivery
func (c *Central) Close() {
	c.box.Close()
}

func (c *Central) Scan(service uuid.UUID, allowDuplicates bool) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.seen = make(map[*transport.Endpoint]bool)
	c.mu.Unlock()

	filter := toBT(service)
	go func() {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if service != uuid.Nil && !res.HasServiceUUID(filter) {
				return
			}
			ep := c.endpoints.lookup(res.Address, res.LocalName())

			c.mu.Lock()
			dup := c.seen[ep]
			c.seen[ep] = true
			c.mu.Unlock()
			if dup && !allowDuplicates {
				return
			}
			c.box.Post(transport.Event{Kind: transport.EventDiscovered, Endpoint: ep, RSSI: int(res.RSSI)})
		})

		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil {
			logger.Error(c.prefix, "scan ended: %v", err)
		}
	}()
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return errors.Wrap(c.adapter.StopScan(), "stop scan")
}

func (c *Central) Connect(ep *transport.Endpoint) error {
	addr, ok := c.endpoints.address(ep)
	if !ok {
		return errors.Wrapf(transport.ErrUnknownPeer, "endpoint %s", ep.Short())
	}

	go func() {
		dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			c.box.Post(transport.Event{Kind: transport.EventConnectFailed, Endpoint: ep, Err: err})
			return
		}
		c.mu.Lock()
		c.devices[ep] = dev
		c.mu.Unlock()
		c.box.Post(transport.Event{Kind: transport.EventConnected, Endpoint: ep})
	}()
	return nil
}

// onConnectChange reports links the remote side or the stack dropped
func (c *Central) onConnectChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	ep, ok := c.endpoints.known(dev.Address)
	if !ok {
		return
	}
	if c.forget(ep) {
		c.box.Post(transport.Event{Kind: transport.EventDisconnected, Endpoint: ep})
	}
}

// forget drops everything learned over ep's link. It reports whether the
// link was still known.
func (c *Central) forget(ep *transport.Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[ep]; !ok {
		return false
	}
	delete(c.devices, ep)
	// Discovery results are only meaningful for one link
	c.services = make(map[*transport.Service]bluetooth.DeviceService)
	c.characteristics = make(map[*transport.Characteristic]bluetooth.DeviceCharacteristic)
	return true
}

func (c *Central) device(ep *transport.Endpoint) (bluetooth.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[ep]
	if !ok {
		return bluetooth.Device{}, errors.Wrapf(transport.ErrNotConnected, "endpoint %s", ep.Short())
	}
	return dev, nil
}

func (c *Central) Disconnect(ep *transport.Endpoint) error {
	dev, err := c.device(ep)
	if err != nil {
		return err
	}
	c.forget(ep)

	go func() {
		err := dev.Disconnect()
		c.box.Post(transport.Event{Kind: transport.EventDisconnected, Endpoint: ep, Err: err})
	}()
	return nil
}

func (c *Central) DiscoverServices(ep *transport.Endpoint, service uuid.UUID) error {
	dev, err := c.device(ep)
	if err != nil {
		return err
	}

	go func() {
		var filter []bluetooth.UUID
		if service != uuid.Nil {
			filter = []bluetooth.UUID{toBT(service)}
		}
		found, err := dev.DiscoverServices(filter)
		ev := transport.Event{Kind: transport.EventServicesDiscovered, Endpoint: ep, Err: err}

		c.mu.Lock()
		for _, ds := range found {
			svc := &transport.Service{UUID: fromBT(ds.UUID()), Primary: true}
			c.services[svc] = ds
			ev.Services = append(ev.Services, svc)
		}
		c.mu.Unlock()
		c.box.Post(ev)
	}()
	return nil
}

func (c *Central) DiscoverCharacteristics(ep *transport.Endpoint, svc *transport.Service, characteristic uuid.UUID) error {
	c.mu.Lock()
	ds, ok := c.services[svc]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("tinyble: service %s was not discovered", svc.UUID)
	}

	go func() {
		var filter []bluetooth.UUID
		if characteristic != uuid.Nil {
			filter = []bluetooth.UUID{toBT(characteristic)}
		}
		found, err := ds.DiscoverCharacteristics(filter)
		ev := transport.Event{Kind: transport.EventCharacteristicsDiscovered, Endpoint: ep, Service: svc, Err: err}

		c.mu.Lock()
		for _, dc := range found {
			// The host stack does not expose properties; the transfer
			// characteristic is only ever used for notifications
			ch := &transport.Characteristic{
				UUID:        fromBT(dc.UUID()),
				Properties:  transport.PropertyNotify | transport.PropertyRead,
				Permissions: transport.PermissionReadable,
				Service:     svc,
			}
			c.characteristics[ch] = dc
			ev.Characteristics = append(ev.Characteristics, ch)
		}
		c.mu.Unlock()
		c.box.Post(ev)
	}()
	return nil
}

func (c *Central) characteristic(ch *transport.Characteristic) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc, ok := c.characteristics[ch]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, errors.Errorf("tinyble: characteristic %s was not discovered", ch.UUID)
	}
	return dc, nil
}

func (c *Central) Subscribe(ep *transport.Endpoint, ch *transport.Characteristic) error {
	dc, err := c.characteristic(ch)
	if err != nil {
		return err
	}

	go func() {
		err := dc.EnableNotifications(func(buf []byte) {
			// The stack reuses buf after the callback returns
			c.box.Post(transport.Event{
				Kind:           transport.EventChunkReceived,
				Endpoint:       ep,
				Characteristic: ch,
				Value:          bytes.Clone(buf),
			})
		})
		c.box.Post(transport.Event{
			Kind:           transport.EventSubscriptionChanged,
			Endpoint:       ep,
			Characteristic: ch,
			Notifying:      err == nil,
			Err:            err,
		})
	}()
	return nil
}

func (c *Central) Unsubscribe(ep *transport.Endpoint, ch *transport.Characteristic) error {
	dc, err := c.characteristic(ch)
	if err != nil {
		return err
	}

	go func() {
		err := dc.EnableNotifications(nil)
		c.box.Post(transport.Event{
			Kind:           transport.EventSubscriptionChanged,
			Endpoint:       ep,
			Characteristic: ch,
			Notifying:      false,
			Err:            err,
		})
	}()
	return nil
}

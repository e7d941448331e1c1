// Package tinyble drives the host Bluetooth adapter through
// tinygo.org/x/bluetooth. The library's calls block, so every request runs on
// its own goroutine and reports back as a transport event.
package tinyble

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/transport"
	"tinygo.org/x/bluetooth"
)

// Options configures an adapter
type Options struct {
	// Adapter defaults to bluetooth.DefaultAdapter
	Adapter *bluetooth.Adapter
	// CacheSize bounds how many remote devices keep a stable endpoint handle
	CacheSize int
	// RetryDelay is how long a rejected Send waits before ReadyToSend
	RetryDelay time.Duration
	// MTU is reported to the sender on subscribe; 0 means unknown
	MTU int
}

func (o Options) withDefaults() Options {
	if o.Adapter == nil {
		o.Adapter = bluetooth.DefaultAdapter
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 128
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 20 * time.Millisecond
	}
	return o
}

// enable powers up the adapter and reports the outcome as a state change
func enable(adapter *bluetooth.Adapter, box *transport.Mailbox) error {
	if err := adapter.Enable(); err != nil {
		box.Post(transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStatePoweredOff, Err: err})
		return errors.Wrap(err, "enable bluetooth adapter")
	}
	box.Post(transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStatePoweredOn})
	return nil
}

func toBT(id uuid.UUID) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(id.String())
	if err != nil {
		// uuid.UUID.String always yields the canonical form
		panic(err)
	}
	return u
}

func fromBT(id bluetooth.UUID) uuid.UUID {
	u, err := uuid.Parse(id.String())
	if err != nil {
		return uuid.Nil
	}
	return u
}

// permissions maps characteristic properties onto the host stack's flags
func permissions(c *transport.Characteristic) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.Properties&transport.PropertyBroadcast != 0 {
		flags |= bluetooth.CharacteristicBroadcastPermission
	}
	if c.Properties&transport.PropertyRead != 0 || c.Permissions&transport.PermissionReadable != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Properties&transport.PropertyWriteWithoutResponse != 0 {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if c.Properties&transport.PropertyWrite != 0 || c.Permissions&transport.PermissionWritable != 0 {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.Properties&transport.PropertyNotify != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if c.Properties&transport.PropertyIndicate != 0 {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

// endpoints hands out one handle per remote address, so repeated
// advertisement reports for a device compare equal by identity.
type endpoints struct {
	mu     sync.Mutex
	cache  *lru.Cache
	byAddr map[*transport.Endpoint]bluetooth.Address
}

func newEndpoints(size int) *endpoints {
	e := &endpoints{
		cache:  lru.New(size),
		byAddr: make(map[*transport.Endpoint]bluetooth.Address),
	}
	e.cache.OnEvicted = func(key lru.Key, value interface{}) {
		delete(e.byAddr, value.(*transport.Endpoint))
	}
	return e
}

func (e *endpoints) lookup(addr bluetooth.Address, name string) *transport.Endpoint {
	return e.get(addr.String(), addr, name)
}

func (e *endpoints) get(key string, addr bluetooth.Address, name string) *transport.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.cache.Get(key); ok {
		return v.(*transport.Endpoint)
	}
	ep := &transport.Endpoint{ID: key, Name: name}
	e.cache.Add(key, ep)
	e.byAddr[ep] = addr
	return ep
}

func (e *endpoints) address(ep *transport.Endpoint) (bluetooth.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr, ok := e.byAddr[ep]
	return addr, ok
}

// known returns the handle for addr without creating one
func (e *endpoints) known(addr bluetooth.Address) (*transport.Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.cache.Get(addr.String())
	if !ok {
		return nil, false
	}
	return v.(*transport.Endpoint), true
}

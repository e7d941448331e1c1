// Package transport defines the capability surface the transfer protocol
// consumes from a radio stack, and the event loop that serializes it.
//
// Requests never block waiting for a result. A transport accepts the request
// (nil error) and later reports the outcome as an Event through its Sink, or
// refuses it up front (non-nil error) in which case no event follows.
package transport

import "github.com/google/uuid"

// Sink receives transport events. Implementations must be safe for use from
// any goroutine.
type Sink interface {
	Deliver(ev Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ev Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Central is the receiver-side radio capability.
type Central interface {
	// Scan reports advertisers of service as Discovered events. With
	// allowDuplicates, the same endpoint is reported repeatedly so RSSI can be
	// resampled.
	Scan(service uuid.UUID, allowDuplicates bool) error
	// StopScan is idempotent.
	StopScan() error

	Connect(ep *Endpoint) error
	Disconnect(ep *Endpoint) error

	DiscoverServices(ep *Endpoint, service uuid.UUID) error
	DiscoverCharacteristics(ep *Endpoint, svc *Service, characteristic uuid.UUID) error

	// Subscribe and Unsubscribe each yield a SubscriptionChanged event
	// carrying the resulting notifying flag.
	Subscribe(ep *Endpoint, c *Characteristic) error
	Unsubscribe(ep *Endpoint, c *Characteristic) error
}

// Peripheral is the sender-side radio capability.
type Peripheral interface {
	// AddService registers svc; the outcome arrives as ServiceAdded.
	AddService(svc *Service) error

	StartAdvertising(localName string, service uuid.UUID) error
	StopAdvertising() error

	// Send notifies subscribers with chunk. It returns false when the
	// transmit queue is full; the transport then owes exactly one
	// ReadyToSend once capacity frees up. A send is never partially accepted.
	Send(c *Characteristic, chunk []byte) bool
}

package transport

import "fmt"

// EventKind identifies what a transport reported
type EventKind int

const (
	EventStateChanged EventKind = iota

	// Central-side events
	EventDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventSubscriptionChanged
	EventChunkReceived

	// Peripheral-side events
	EventServiceAdded
	EventAdvertisingStarted
	EventSubscribed
	EventUnsubscribed
	EventReadyToSend
)

var eventNames = map[EventKind]string{
	EventStateChanged:              "state_changed",
	EventDiscovered:                "discovered",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect_failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services_discovered",
	EventCharacteristicsDiscovered: "characteristics_discovered",
	EventSubscriptionChanged:       "subscription_changed",
	EventChunkReceived:             "chunk_received",
	EventServiceAdded:              "service_added",
	EventAdvertisingStarted:        "advertising_started",
	EventSubscribed:                "subscribed",
	EventUnsubscribed:              "unsubscribed",
	EventReadyToSend:               "ready_to_send",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is everything a transport can report to a protocol role.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	State           ManagerState      // StateChanged
	Endpoint        *Endpoint         // Discovered, Connected, ConnectFailed, Disconnected, Subscribed, Unsubscribed
	RSSI            int               // Discovered
	Services        []*Service        // ServicesDiscovered
	Service         *Service          // CharacteristicsDiscovered, ServiceAdded
	Characteristics []*Characteristic // CharacteristicsDiscovered
	Characteristic  *Characteristic   // SubscriptionChanged, ChunkReceived, Subscribed, Unsubscribed
	Notifying       bool              // SubscriptionChanged
	Value           []byte            // ChunkReceived
	MTU             int               // Subscribed: subscriber's maximum update length, 0 if unknown
	Err             error
}

func (e Event) String() string {
	s := e.Kind.String()
	if e.Endpoint != nil {
		s += " " + e.Endpoint.Short()
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s
}

package transport

import (
	"strings"

	"github.com/google/uuid"
)

// Fixed identifiers shared by both roles.
var (
	TransferServiceUUID        = uuid.MustParse("E20A39F4-73F5-4BC4-A12F-17D1AD07A961")
	TransferCharacteristicUUID = uuid.MustParse("08590F7E-DB05-467E-8757-72F6FAEB13D4")
)

// ManagerState represents the current state of a radio manager.
// Values match CoreBluetooth's CBManagerState.
type ManagerState int

const (
	ManagerStateUnknown      ManagerState = 0 // State is unknown, cannot use the radio yet
	ManagerStateResetting    ManagerState = 1 // Connection to the system service was momentarily lost
	ManagerStateUnsupported  ManagerState = 2 // Platform doesn't support Bluetooth Low Energy
	ManagerStateUnauthorized ManagerState = 3 // App is not authorized to use the radio
	ManagerStatePoweredOff   ManagerState = 4 // Radio is powered off
	ManagerStatePoweredOn    ManagerState = 5 // Radio is powered on and available to use
)

// String returns the string representation of the ManagerState
func (s ManagerState) String() string {
	switch s {
	case ManagerStateUnknown:
		return "unknown"
	case ManagerStateResetting:
		return "resetting"
	case ManagerStateUnsupported:
		return "unsupported"
	case ManagerStateUnauthorized:
		return "unauthorized"
	case ManagerStatePoweredOff:
		return "poweredOff"
	case ManagerStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Property is a characteristic properties bitmask
type Property int

const (
	PropertyBroadcast            Property = 1 << 0
	PropertyRead                 Property = 1 << 1
	PropertyWriteWithoutResponse Property = 1 << 2
	PropertyWrite                Property = 1 << 3
	PropertyNotify               Property = 1 << 4
	PropertyIndicate             Property = 1 << 5
)

// String lists the set property names, e.g. "read|notify"
func (p Property) String() string {
	var names []string
	if p&PropertyBroadcast != 0 {
		names = append(names, "broadcast")
	}
	if p&PropertyRead != 0 {
		names = append(names, "read")
	}
	if p&PropertyWriteWithoutResponse != 0 {
		names = append(names, "write_without_response")
	}
	if p&PropertyWrite != 0 {
		names = append(names, "write")
	}
	if p&PropertyNotify != 0 {
		names = append(names, "notify")
	}
	if p&PropertyIndicate != 0 {
		names = append(names, "indicate")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Permission is a characteristic permissions bitmask
type Permission int

const (
	PermissionReadable Permission = 1 << 0
	PermissionWritable Permission = 1 << 1
)

// Endpoint is an opaque handle for a discovered remote device.
// Transports hand out one pointer per device; handles are compared by identity,
// so two devices with coincidentally equal fields never collide.
type Endpoint struct {
	ID   string
	Name string
}

// Short returns the first 8 characters of the endpoint ID for logging
func (e *Endpoint) Short() string {
	if e == nil {
		return "<nil>"
	}
	return ShortID(e.ID)
}

// ShortID safely truncates an identifier for logging (max 8 chars)
func ShortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// Service is a named collection of characteristics
type Service struct {
	UUID            uuid.UUID
	Primary         bool
	Characteristics []*Characteristic
}

// Characteristic is a single data channel within a service
type Characteristic struct {
	UUID        uuid.UUID
	Properties  Property
	Permissions Permission
	Service     *Service
}

// CanNotify reports whether the characteristic supports notifications
func (c *Characteristic) CanNotify() bool {
	return c != nil && c.Properties&PropertyNotify != 0
}

// NewTransferService builds the transfer service with its single
// notify-capable, readable transfer characteristic.
func NewTransferService(serviceUUID, characteristicUUID uuid.UUID) *Service {
	svc := &Service{
		UUID:    serviceUUID,
		Primary: true,
	}
	svc.Characteristics = []*Characteristic{{
		UUID:        characteristicUUID,
		Properties:  PropertyNotify,
		Permissions: PermissionReadable,
		Service:     svc,
	}}
	return svc
}

package central

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/user/btle-transfer/transport"
)

// Config tunes the receiver. The RSSI band is inclusive on both ends: reports
// stronger than MaxRSSI are implausible, weaker than MinRSSI are too far away.
type Config struct {
	Name               string
	ServiceUUID        uuid.UUID
	CharacteristicUUID uuid.UUID
	MinRSSI            int
	MaxRSSI            int
	AllowDuplicates    bool
}

// DefaultConfig returns the stock proximity band: close is around -22 dBm
func DefaultConfig() Config {
	return Config{
		Name:               "central",
		ServiceUUID:        transport.TransferServiceUUID,
		CharacteristicUUID: transport.TransferCharacteristicUUID,
		MinRSSI:            -35,
		MaxRSSI:            -15,
		AllowDuplicates:    true,
	}
}

// Validate checks the band and identifiers
func (c Config) Validate() error {
	if c.MinRSSI > c.MaxRSSI {
		return fmt.Errorf("central: min_rssi %d above max_rssi %d", c.MinRSSI, c.MaxRSSI)
	}
	if c.ServiceUUID == uuid.Nil || c.CharacteristicUUID == uuid.Nil {
		return fmt.Errorf("central: service and characteristic UUIDs are required")
	}
	return nil
}

// InBand reports whether rssi passes the proximity filter
func (c Config) InBand(rssi int) bool {
	return rssi >= c.MinRSSI && rssi <= c.MaxRSSI
}

// Message is one completed transfer, sentinel excluded
type Message struct {
	SessionID uuid.UUID
	Endpoint  *transport.Endpoint
	Data      []byte
	Chunks    int
	Started   time.Time
	Finished  time.Time
}

// Output receives every completed message, on the receiver's loop goroutine
type Output interface {
	Completed(msg Message)
}

// OutputFunc adapts a function to the Output interface
type OutputFunc func(msg Message)

func (f OutputFunc) Completed(msg Message) { f(msg) }

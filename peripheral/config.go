package peripheral

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/user/btle-transfer/chunk"
	"github.com/user/btle-transfer/transport"
)

// Config tunes the sender
type Config struct {
	Name               string
	LocalName          string
	ServiceUUID        uuid.UUID
	CharacteristicUUID uuid.UUID
	// MTU caps the chunk size; a subscriber advertising a smaller maximum
	// update length lowers it for that subscription.
	MTU int
}

func DefaultConfig() Config {
	return Config{
		Name:               "peripheral",
		LocalName:          "btle-transfer",
		ServiceUUID:        transport.TransferServiceUUID,
		CharacteristicUUID: transport.TransferCharacteristicUUID,
		MTU:                chunk.DefaultMTU,
	}
}

// Validate checks identifiers and the chunk size
func (c Config) Validate() error {
	if c.MTU < len(chunk.EOM) {
		return fmt.Errorf("peripheral: mtu %d cannot carry the EOM sentinel", c.MTU)
	}
	if c.ServiceUUID == uuid.Nil || c.CharacteristicUUID == uuid.Nil {
		return fmt.Errorf("peripheral: service and characteristic UUIDs are required")
	}
	return nil
}

// chunkSize is the effective MTU for a subscriber reporting max (0 if unknown).
// It never drops below the EOM sentinel's length.
func (c Config) chunkSize(max int) int {
	mtu := c.MTU
	if mtu <= 0 {
		mtu = chunk.DefaultMTU
	}
	if max > 0 && max < mtu {
		mtu = max
	}
	if mtu < len(chunk.EOM) {
		mtu = len(chunk.EOM)
	}
	return mtu
}

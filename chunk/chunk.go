// Package chunk splits outbound payloads into MTU-bounded notifications and
// reassembles them on the receive path.
//
// Framing is content based: a notification whose bytes are exactly "EOM"
// ends the message. There is no length header, so a payload chunk that is
// itself exactly "EOM" cannot be told apart from the sentinel.
package chunk

import (
	"bytes"
	"iter"
)

// EOM is the end-of-message sentinel chunk
var EOM = []byte("EOM")

// DefaultMTU is the notification payload size used when none is negotiated
const DefaultMTU = 20

// IsEOM reports whether chunk is the end-of-message sentinel
func IsEOM(chunk []byte) bool {
	return bytes.Equal(chunk, EOM)
}

// DataChunks returns how many data chunks a payload of length n produces
// at the given MTU (excluding the sentinel).
func DataChunks(n, mtu int) int {
	if n <= 0 || mtu <= 0 {
		return 0
	}
	return (n + mtu - 1) / mtu
}

// Split yields the data chunks of payload, each at most mtu bytes, followed
// by one EOM chunk. Chunks are sub-slices of payload, not copies. The
// sequence can be ranged over any number of times. A non-positive mtu
// falls back to DefaultMTU.
func Split(payload []byte, mtu int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		cur := NewCursor(payload, mtu)
		for !cur.Done() {
			next := cur.Next()
			if !yield(next) {
				return
			}
			cur.Advance(len(next))
		}
		yield(EOM)
	}
}

// Cursor walks a payload one chunk at a time. The offset only moves when the
// caller confirms a chunk was accepted, so a rejected chunk is offered again.
type Cursor struct {
	payload []byte
	mtu     int
	offset  int
}

// NewCursor creates a cursor at offset zero
func NewCursor(payload []byte, mtu int) *Cursor {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Cursor{payload: payload, mtu: mtu}
}

// Next returns the chunk at the current offset: min(mtu, remaining) bytes.
// It returns nil once the payload is exhausted.
func (c *Cursor) Next() []byte {
	if c.Done() {
		return nil
	}
	end := c.offset + c.mtu
	if end > len(c.payload) {
		end = len(c.payload)
	}
	return c.payload[c.offset:end]
}

// Advance moves the offset past n accepted bytes
func (c *Cursor) Advance(n int) {
	c.offset += n
	if c.offset > len(c.payload) {
		c.offset = len(c.payload)
	}
}

// Done reports whether every payload byte has been accepted
func (c *Cursor) Done() bool {
	return c.offset >= len(c.payload)
}

// Offset is the number of payload bytes accepted so far
func (c *Cursor) Offset() int { return c.offset }

// Len is the total payload length
func (c *Cursor) Len() int { return len(c.payload) }

// MTU is the largest chunk Next will return
func (c *Cursor) MTU() int { return c.mtu }

// Remaining is the number of payload bytes not yet accepted
func (c *Cursor) Remaining() int { return len(c.payload) - c.offset }

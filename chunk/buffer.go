package chunk

// Buffer accumulates received chunks for one connection
type Buffer struct {
	data   []byte
	chunks int
}

// Append copies chunk onto the end of the buffer
func (b *Buffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
	b.chunks++
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int { return len(b.data) }

// Chunks returns how many chunks were appended since the last reset
func (b *Buffer) Chunks() int { return b.chunks }

// Bytes returns the buffered bytes without consuming them
func (b *Buffer) Bytes() []byte { return b.data }

// Reset empties the buffer
func (b *Buffer) Reset() {
	b.data = nil
	b.chunks = 0
}

// Take returns the accumulated message and empties the buffer. The returned
// slice is owned by the caller.
func (b *Buffer) Take() []byte {
	msg := b.data
	if msg == nil {
		msg = []byte{}
	}
	b.Reset()
	return msg
}

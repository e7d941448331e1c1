package chunk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(payload []byte, mtu int) [][]byte {
	var out [][]byte
	for c := range Split(payload, mtu) {
		out = append(out, c)
	}
	return out
}

func TestSplit_SingleChunk(t *testing.T) {
	chunks := collect([]byte("hello world"), 20)

	require.Len(t, chunks, 2)
	assert.Equal(t, "hello world", string(chunks[0]))
	assert.True(t, IsEOM(chunks[1]))
}

func TestSplit_45BytesAtMTU20(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 45)
	chunks := collect(payload, 20)

	require.Len(t, chunks, 4)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Len(t, chunks[2], 5)
	assert.True(t, IsEOM(chunks[3]))
}

func TestSplit_ChunkBound(t *testing.T) {
	for _, mtu := range []int{1, 3, 7, 20, 64} {
		for n := 0; n <= 130; n++ {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte('a' + i%26)
			}
			chunks := collect(payload, mtu)

			require.Equal(t, DataChunks(n, mtu)+1, len(chunks), "n=%d mtu=%d", n, mtu)
			joined := []byte{}
			for _, c := range chunks[:len(chunks)-1] {
				require.LessOrEqual(t, len(c), mtu)
				joined = append(joined, c...)
			}
			require.True(t, IsEOM(chunks[len(chunks)-1]))
			require.Equal(t, payload, joined)
		}
	}
}

func TestSplit_Restartable(t *testing.T) {
	seq := Split([]byte("abcdefgh"), 3)

	var first, second [][]byte
	for c := range seq {
		first = append(first, c)
	}
	for c := range seq {
		second = append(second, c)
	}
	assert.Equal(t, first, second)

	// Early break must not leak state into the next iteration
	for range seq {
		break
	}
	var third [][]byte
	for c := range seq {
		third = append(third, c)
	}
	assert.Equal(t, first, third)
}

func TestSplit_NoCopy(t *testing.T) {
	payload := []byte("abcdef")
	for c := range Split(payload, 4) {
		if !IsEOM(c) {
			assert.Same(t, &payload[0], &c[0])
		}
		break
	}
}

func TestSplit_EmptyPayloadIsOnlyEOM(t *testing.T) {
	chunks := collect(nil, 20)
	require.Len(t, chunks, 1)
	assert.True(t, IsEOM(chunks[0]))
}

func TestIsEOM(t *testing.T) {
	assert.True(t, IsEOM([]byte("EOM")))
	assert.False(t, IsEOM([]byte("EOM ")))
	assert.False(t, IsEOM([]byte("eom")))
	assert.False(t, IsEOM([]byte("xEOM")))
	assert.False(t, IsEOM(nil))
}

func TestCursor_RetryKeepsOffset(t *testing.T) {
	cur := NewCursor([]byte("0123456789"), 4)

	first := cur.Next()
	assert.Equal(t, "0123", string(first))

	// Rejected: nothing advanced, same chunk offered again
	assert.Equal(t, "0123", string(cur.Next()))

	cur.Advance(len(first))
	assert.Equal(t, "4567", string(cur.Next()))
	cur.Advance(4)
	assert.Equal(t, "89", string(cur.Next()))
	assert.Equal(t, 2, cur.Remaining())
	cur.Advance(2)
	assert.True(t, cur.Done())
	assert.Nil(t, cur.Next())
	assert.Equal(t, 10, cur.Offset())
}

func TestCursor_DefaultMTU(t *testing.T) {
	cur := NewCursor(make([]byte, 50), 0)
	assert.Equal(t, DefaultMTU, cur.MTU())
	assert.Len(t, cur.Next(), DefaultMTU)
}

func TestBuffer_TakeResets(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	assert.Equal(t, 11, b.Len())
	assert.Equal(t, 2, b.Chunks())

	msg := b.Take()
	assert.Equal(t, "hello world", string(msg))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Chunks())

	empty := b.Take()
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestDataChunks(t *testing.T) {
	assert.Equal(t, 0, DataChunks(0, 20))
	assert.Equal(t, 1, DataChunks(11, 20))
	assert.Equal(t, 3, DataChunks(45, 20))
	assert.Equal(t, 2, DataChunks(40, 20))
	assert.Equal(t, 0, DataChunks(10, 0))
}

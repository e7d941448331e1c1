package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct{ id string }

func TestSlot_AtMostOne(t *testing.T) {
	var slot Slot[*peer]
	a, b := &peer{"a"}, &peer{"b"}

	first := slot.Acquire(a)
	require.NotNil(t, first)
	assert.Same(t, a, first.Value)
	assert.True(t, slot.Active())

	assert.Nil(t, slot.Acquire(b), "second acquire must fail while held")
	assert.Same(t, a, slot.Current().Value)

	released := slot.Release()
	assert.Same(t, first, released)
	assert.False(t, slot.Active())
	assert.Nil(t, slot.Release())

	second := slot.Acquire(b)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSlot_StartedUsesClock(t *testing.T) {
	fixed := time.Date(2016, 2, 2, 0, 0, 0, 0, time.UTC)
	slot := Slot[int]{now: func() time.Time { return fixed }}

	s := slot.Acquire(7)
	require.NotNil(t, s)
	assert.Equal(t, fixed, s.Started)
	assert.Greater(t, s.Age(), time.Duration(0))
}

package tinyble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/btle-transfer/transport"
	"tinygo.org/x/bluetooth"
)

func TestUUIDConversionRoundTrips(t *testing.T) {
	for _, id := range []uuid.UUID{transport.TransferServiceUUID, transport.TransferCharacteristicUUID} {
		bt := toBT(id)
		assert.Equal(t, id, fromBT(bt))
	}
}

func TestPermissionsForTransferCharacteristic(t *testing.T) {
	svc := transport.NewTransferService(transport.TransferServiceUUID, transport.TransferCharacteristicUUID)
	flags := permissions(svc.Characteristics[0])

	assert.NotZero(t, flags&bluetooth.CharacteristicNotifyPermission)
	assert.NotZero(t, flags&bluetooth.CharacteristicReadPermission)
	assert.Zero(t, flags&bluetooth.CharacteristicWritePermission)
	assert.Zero(t, flags&bluetooth.CharacteristicIndicatePermission)
}

func TestPermissionsWritable(t *testing.T) {
	ch := &transport.Characteristic{
		Properties:  transport.PropertyWriteWithoutResponse | transport.PropertyIndicate,
		Permissions: transport.PermissionWritable,
	}
	flags := permissions(ch)

	assert.NotZero(t, flags&bluetooth.CharacteristicWritePermission)
	assert.NotZero(t, flags&bluetooth.CharacteristicWriteWithoutResponsePermission)
	assert.NotZero(t, flags&bluetooth.CharacteristicIndicatePermission)
	assert.Zero(t, flags&bluetooth.CharacteristicNotifyPermission)
}

func TestEndpointsReuseHandlePerAddress(t *testing.T) {
	e := newEndpoints(4)

	a := e.get("aa", bluetooth.Address{}, "first")
	again := e.get("aa", bluetooth.Address{}, "renamed")
	b := e.get("bb", bluetooth.Address{}, "second")

	assert.Same(t, a, again)
	assert.Equal(t, "first", again.Name)
	assert.NotSame(t, a, b)

	_, ok := e.address(a)
	assert.True(t, ok)
}

func TestEndpointsEvictionForgetsAddress(t *testing.T) {
	e := newEndpoints(2)

	oldest := e.get("aa", bluetooth.Address{}, "")
	e.get("bb", bluetooth.Address{}, "")
	e.get("cc", bluetooth.Address{}, "")

	_, ok := e.address(oldest)
	assert.False(t, ok, "evicted endpoint must not be connectable")

	fresh := e.get("aa", bluetooth.Address{}, "")
	require.NotSame(t, oldest, fresh)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Same(t, bluetooth.DefaultAdapter, opts.Adapter)
	assert.Equal(t, 128, opts.CacheSize)
	assert.Positive(t, opts.RetryDelay)
}

func TestSendOnUnregisteredCharacteristicSchedulesRetry(t *testing.T) {
	ready := make(chan transport.Event, 4)
	p := &Peripheral{
		box:        transport.NewMailbox(transport.SinkFunc(func(ev transport.Event) { ready <- ev })),
		prefix:     "test ble",
		retryDelay: 20 * time.Millisecond,
		handles:    make(map[*transport.Characteristic]*bluetooth.Characteristic),
	}
	defer p.Close()

	ch := &transport.Characteristic{UUID: transport.TransferCharacteristicUUID}
	assert.False(t, p.Send(ch, []byte("hello")))
	assert.False(t, p.Send(ch, []byte("hello")))

	select {
	case ev := <-ready:
		assert.Equal(t, transport.EventReadyToSend, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no ReadyToSend after a refused send")
	}
	select {
	case ev := <-ready:
		t.Fatalf("unexpected second event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

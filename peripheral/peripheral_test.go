package peripheral

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/btle-transfer/chunk"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/transport"
)

func TestMain(m *testing.M) {
	logger.SetLevel(logger.WARN)
	os.Exit(m.Run())
}

// fakeRadio accepts sends until full is set. Accepted chunks are kept in order.
type fakeRadio struct {
	sent      [][]byte
	attempts  int
	full      bool
	rejectAt  map[int]bool // attempt numbers (1-based) to refuse
	services  []*transport.Service
	adStarts  int
	adStops   int
	advertErr error
}

func (f *fakeRadio) AddService(svc *transport.Service) error {
	f.services = append(f.services, svc)
	return nil
}

func (f *fakeRadio) StartAdvertising(localName string, service uuid.UUID) error {
	if f.advertErr != nil {
		return f.advertErr
	}
	f.adStarts++
	return nil
}

func (f *fakeRadio) StopAdvertising() error {
	f.adStops++
	return nil
}

func (f *fakeRadio) Send(c *transport.Characteristic, chunk []byte) bool {
	f.attempts++
	if f.full || f.rejectAt[f.attempts] {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	return true
}

func (f *fakeRadio) strings() []string {
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = string(s)
	}
	return out
}

type harness struct {
	p     *Peripheral
	radio *fakeRadio
	ch    *transport.Characteristic
	loop  *transport.Dispatcher
}

func newHarness(t *testing.T, payload string) *harness {
	t.Helper()
	h := &harness{radio: &fakeRadio{rejectAt: map[int]bool{}}, loop: transport.NewDispatcher(0)}
	h.p = New(DefaultConfig(), h.radio, h.loop, []byte(payload))
	h.ch = h.p.service.Characteristics[0]
	return h
}

// ready powers on and confirms service registration
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.p.Handle(transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStatePoweredOn})
	require.NotEmpty(t, h.radio.services)
	svc := h.radio.services[len(h.radio.services)-1]
	h.p.Handle(transport.Event{Kind: transport.EventServiceAdded, Service: svc})
	require.Equal(t, StateReady, h.p.State())
}

func (h *harness) subscribe(ep *transport.Endpoint, mtu int) {
	h.p.Handle(transport.Event{Kind: transport.EventSubscribed, Endpoint: ep, Characteristic: h.ch, MTU: mtu})
}

func (h *harness) readyToSend() {
	h.p.Handle(transport.Event{Kind: transport.EventReadyToSend})
}

func TestPeripheral_RegistersTransferService(t *testing.T) {
	h := newHarness(t, "x")
	h.ready(t)

	svc := h.radio.services[0]
	assert.Equal(t, transport.TransferServiceUUID, svc.UUID)
	assert.True(t, svc.Primary)
	require.Len(t, svc.Characteristics, 1)
	ch := svc.Characteristics[0]
	assert.Equal(t, transport.TransferCharacteristicUUID, ch.UUID)
	assert.True(t, ch.CanNotify())
	assert.Equal(t, transport.PermissionReadable, ch.Permissions)
}

func TestPeripheral_SingleChunkMessage(t *testing.T) {
	h := newHarness(t, "hello world")
	h.ready(t)

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)

	assert.Equal(t, []string{"hello world", "EOM"}, h.radio.strings())
	assert.Equal(t, StateSent, h.p.State())
}

func TestPeripheral_45BytesAtMTU20(t *testing.T) {
	payload := strings.Repeat("a", 20) + strings.Repeat("b", 20) + "ccccc"
	h := newHarness(t, payload)
	h.ready(t)

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)

	require.Len(t, h.radio.sent, 4)
	assert.Len(t, h.radio.sent[0], 20)
	assert.Len(t, h.radio.sent[1], 20)
	assert.Len(t, h.radio.sent[2], 5)
	assert.Equal(t, "EOM", string(h.radio.sent[3]))
	assert.Equal(t, payload, string(bytes.Join(h.radio.sent[:3], nil)))
}

func TestPeripheral_SubscriberMTULowersChunkSize(t *testing.T) {
	h := newHarness(t, "0123456789")
	h.ready(t)

	h.subscribe(&transport.Endpoint{ID: "c1"}, 4)

	assert.Equal(t, []string{"0123", "4567", "89", "EOM"}, h.radio.strings())
}

func TestPeripheral_TinySubscriberMTUStillFitsEOM(t *testing.T) {
	for _, mtu := range []int{1, 2} {
		h := newHarness(t, "abcdefg")
		h.ready(t)

		h.subscribe(&transport.Endpoint{ID: "c1"}, mtu)

		assert.Equal(t, []string{"abc", "def", "g", "EOM"}, h.radio.strings(), "mtu %d", mtu)
		assert.Equal(t, StateSent, h.p.State())
	}
}

func TestConfig_ChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20, cfg.chunkSize(0))
	assert.Equal(t, 20, cfg.chunkSize(185))
	assert.Equal(t, 8, cfg.chunkSize(8))
	assert.Equal(t, 3, cfg.chunkSize(1))

	cfg.MTU = 0
	assert.Equal(t, chunk.DefaultMTU, cfg.chunkSize(0))
}

func TestPeripheral_LargerSubscriberMTUIsCapped(t *testing.T) {
	payload := strings.Repeat("z", 30)
	h := newHarness(t, payload)
	h.ready(t)

	h.subscribe(&transport.Endpoint{ID: "c1"}, 185)

	require.Len(t, h.radio.sent, 3)
	assert.Len(t, h.radio.sent[0], 20)
	assert.Len(t, h.radio.sent[1], 10)
}

func TestPeripheral_EmptyPayloadSendsOnlyEOM(t *testing.T) {
	h := newHarness(t, "")
	h.ready(t)

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)

	assert.Equal(t, []string{"EOM"}, h.radio.strings())
	assert.Equal(t, StateSent, h.p.State())
}

func TestPeripheral_RejectedChunkIsRetried(t *testing.T) {
	payload := strings.Repeat("a", 20) + strings.Repeat("b", 20) + "ccccc"
	h := newHarness(t, payload)
	h.ready(t)
	h.radio.rejectAt[2] = true

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)
	require.Equal(t, []string{strings.Repeat("a", 20)}, h.radio.strings())
	assert.Equal(t, StateSending, h.p.State())

	h.readyToSend()

	assert.Equal(t, []string{strings.Repeat("a", 20), strings.Repeat("b", 20), "ccccc", "EOM"}, h.radio.strings())
	assert.Equal(t, StateSent, h.p.State())
}

func TestPeripheral_RejectedEOMIsRetried(t *testing.T) {
	h := newHarness(t, "hi")
	h.ready(t)
	h.radio.rejectAt[2] = true

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)
	require.Equal(t, []string{"hi"}, h.radio.strings())

	// Every further ready signal retries the sentinel, never the data
	h.radio.rejectAt[3] = true
	h.readyToSend()
	assert.Equal(t, []string{"hi"}, h.radio.strings())

	h.readyToSend()
	assert.Equal(t, []string{"hi", "EOM"}, h.radio.strings())

	// Nothing more once the sentinel went out
	h.readyToSend()
	assert.Equal(t, 4, h.radio.attempts)
}

func TestPeripheral_RejectionLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t, strings.Repeat("q", 50))
	h.ready(t)
	h.radio.full = true

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)
	x := h.p.slot.Current().Value
	assert.Zero(t, x.cursor.Offset())
	assert.Equal(t, eomNone, x.eom)

	h.readyToSend()
	h.readyToSend()
	assert.Zero(t, x.cursor.Offset())
	assert.Equal(t, 3, x.rejected)
	assert.Empty(t, h.radio.sent)

	h.radio.full = false
	h.readyToSend()
	assert.Len(t, h.radio.sent, 4)
}

func TestPeripheral_SubscribeCapturesPayloadCopy(t *testing.T) {
	h := newHarness(t, "original")
	h.ready(t)
	h.radio.full = true
	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)

	// An edit mid-transfer does not change what this subscriber gets
	h.p.payload = []byte("edited")
	h.radio.full = false
	h.readyToSend()

	assert.Equal(t, []string{"original", "EOM"}, h.radio.strings())
}

func TestPeripheral_UnsubscribeEndsTransfer(t *testing.T) {
	h := newHarness(t, "hello")
	h.ready(t)
	ep := &transport.Endpoint{ID: "c1"}
	h.radio.full = true
	h.subscribe(ep, 0)

	h.p.Handle(transport.Event{Kind: transport.EventUnsubscribed, Endpoint: ep, Characteristic: h.ch})
	assert.False(t, h.p.slot.Active())
	assert.Equal(t, StateReady, h.p.State())

	h.radio.full = false
	h.readyToSend()
	assert.Empty(t, h.radio.sent)
}

func TestPeripheral_OneSubscriberAtATime(t *testing.T) {
	h := newHarness(t, "hello")
	h.ready(t)
	first := &transport.Endpoint{ID: "c1"}
	h.radio.full = true
	h.subscribe(first, 0)

	h.subscribe(&transport.Endpoint{ID: "c2"}, 0)
	assert.Same(t, first, h.p.slot.Current().Value.endpoint)

	// Unsubscribe from a stranger does not end the transfer
	h.p.Handle(transport.Event{Kind: transport.EventUnsubscribed, Endpoint: &transport.Endpoint{ID: "c2"}})
	assert.True(t, h.p.slot.Active())
}

func TestPeripheral_AdvertiseWaitsForService(t *testing.T) {
	h := newHarness(t, "x")
	h.p.setAdvertise(true)
	assert.Zero(t, h.radio.adStarts)

	h.ready(t)
	assert.Equal(t, 1, h.radio.adStarts)
	assert.True(t, h.p.Advertising())

	h.p.setAdvertise(false)
	assert.Equal(t, 1, h.radio.adStops)
	assert.False(t, h.p.Advertising())
}

func TestPeripheral_ReadvertisesAfterDisconnect(t *testing.T) {
	h := newHarness(t, "x")
	h.ready(t)
	h.p.setAdvertise(true)
	ep := &transport.Endpoint{ID: "c1"}
	h.subscribe(ep, 0)

	h.p.Handle(transport.Event{Kind: transport.EventDisconnected, Endpoint: ep})

	assert.Equal(t, 2, h.radio.adStarts)
	assert.Equal(t, StateReady, h.p.State())
}

func TestPeripheral_AdvertisingFailureClearsFlag(t *testing.T) {
	h := newHarness(t, "x")
	h.ready(t)
	h.p.setAdvertise(true)
	require.True(t, h.p.Advertising())

	h.p.Handle(transport.Event{Kind: transport.EventAdvertisingStarted, Err: errors.New("too many advertisers")})

	assert.False(t, h.p.Advertising())
}

func TestPeripheral_AdvertiseRequestRefused(t *testing.T) {
	h := newHarness(t, "x")
	h.ready(t)
	h.radio.advertErr = errors.New("busy")

	h.p.setAdvertise(true)

	assert.False(t, h.p.Advertising())
	assert.True(t, h.p.advertise, "switch stays on so the next service registration retries")
}

func TestPeripheral_PowerLossForgetsService(t *testing.T) {
	h := newHarness(t, "x")
	h.ready(t)
	h.p.setAdvertise(true)

	h.p.Handle(transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStateResetting})
	assert.Equal(t, StateIdle, h.p.State())
	assert.False(t, h.p.Advertising())

	h.ready(t)
	assert.Len(t, h.radio.services, 2)
	assert.Equal(t, 2, h.radio.adStarts)
}

func TestPeripheral_EditForcesAdvertisingOff(t *testing.T) {
	h := newHarness(t, "before")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(ctx) }()

	h.loop.Deliver(transport.Event{Kind: transport.EventStateChanged, State: transport.ManagerStatePoweredOn})
	h.p.Advertise(true)

	// Service confirmation comes from the loop too
	h.loop.Do(func() {
		h.p.Handle(transport.Event{Kind: transport.EventServiceAdded, Service: h.p.service})
	})
	require.Eventually(t, h.p.Advertising, time.Second, 5*time.Millisecond)

	h.p.Edit([]byte("after"))
	require.Eventually(t, func() bool { return !h.p.Advertising() }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, "after", string(h.p.payload))
	assert.Equal(t, 1, h.radio.adStops)
}

func TestPeripheral_StatusDuringBackpressure(t *testing.T) {
	h := newHarness(t, strings.Repeat("z", 45))
	h.ready(t)
	h.radio.rejectAt[2] = true

	h.subscribe(&transport.Endpoint{ID: "c1"}, 0)

	st := h.p.status()
	assert.Equal(t, "sending", st.State)
	assert.Equal(t, "c1", st.Subscriber)
	assert.Equal(t, 20, st.Sent)
	assert.Equal(t, 45, st.Total)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, 45, st.Payload)
}

func TestPeripheral_StatusFromOtherGoroutine(t *testing.T) {
	h := newHarness(t, "abc")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(ctx) }()

	h.p.Advertise(true)
	st, err := h.p.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Advertise)
	assert.False(t, st.Advertising, "service is not registered yet")
	assert.Equal(t, 3, st.Payload)

	cancel()
	<-errCh
}

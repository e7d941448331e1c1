// Package peripheral implements the sending role: it registers the transfer
// service, advertises while the user switch is on, and streams the current
// payload to a subscriber in MTU-sized chunks followed by the EOM sentinel.
package peripheral

import (
	"context"
	"sync/atomic"

	"github.com/user/btle-transfer/chunk"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/metrics"
	"github.com/user/btle-transfer/session"
	"github.com/user/btle-transfer/transport"
)

// transfer is one subscription's outbound state. It only exists while a
// subscriber is attached.
type transfer struct {
	endpoint       *transport.Endpoint
	characteristic *transport.Characteristic
	payload        []byte
	cursor         *chunk.Cursor
	eom            eomState
	rejected       int
}

// Peripheral is the sender state machine. All methods except State,
// Status, Advertising, Advertise, Edit and Run must be called from the loop goroutine.
type Peripheral struct {
	cfg    Config
	t      transport.Peripheral
	loop   *transport.Dispatcher
	prefix string

	service *transport.Service
	payload []byte

	state      State
	stateView  atomic.Int32
	advView    atomic.Bool
	registered bool
	advertise  bool // user switch
	advertised bool // what was last requested of the transport
	slot       session.Slot[*transfer]
}

// New creates a sender driven by loop, starting with payload as its text
func New(cfg Config, t transport.Peripheral, loop *transport.Dispatcher, payload []byte) *Peripheral {
	if cfg.Name == "" {
		cfg.Name = "peripheral"
	}
	return &Peripheral{
		cfg:     cfg,
		t:       t,
		loop:    loop,
		prefix:  cfg.Name + " peripheral",
		service: transport.NewTransferService(cfg.ServiceUUID, cfg.CharacteristicUUID),
		payload: append([]byte(nil), payload...),
	}
}

// Run drives the sender until ctx is cancelled, then stops advertising
func (p *Peripheral) Run(ctx context.Context) error {
	err := p.loop.Run(ctx, p.Handle)
	p.shutdown()
	return err
}

// Advertise flips the advertising switch. Safe from any goroutine.
func (p *Peripheral) Advertise(on bool) {
	p.loop.Do(func() { p.setAdvertise(on) })
}

// Edit replaces the payload offered to the next subscriber and turns the
// advertising switch off. A transfer already in progress keeps its copy.
// Safe from any goroutine.
func (p *Peripheral) Edit(payload []byte) {
	data := append([]byte(nil), payload...)
	p.loop.Do(func() {
		p.payload = data
		logger.Debug(p.prefix, "payload replaced (%d bytes)", len(data))
		if p.advertise {
			logger.Info(p.prefix, "payload edited, advertising off")
			p.setAdvertise(false)
		}
	})
}

// State returns the current transfer state. Safe from any goroutine.
func (p *Peripheral) State() State {
	return State(p.stateView.Load())
}

// Advertising reports whether advertising is currently requested. Safe from
// any goroutine.
func (p *Peripheral) Advertising() bool {
	return p.advView.Load()
}

// Handle applies one transport event
func (p *Peripheral) Handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventStateChanged:
		p.onStateChanged(ev)
	case transport.EventServiceAdded:
		p.onServiceAdded(ev)
	case transport.EventAdvertisingStarted:
		p.onAdvertisingStarted(ev)
	case transport.EventSubscribed:
		p.onSubscribed(ev)
	case transport.EventUnsubscribed:
		p.onUnsubscribed(ev, false)
	case transport.EventDisconnected:
		p.onUnsubscribed(ev, true)
	case transport.EventReadyToSend:
		p.sendData()
	default:
		logger.Trace(p.prefix, "ignoring %s", ev)
	}
}

func (p *Peripheral) setState(s State) {
	if p.state == s {
		return
	}
	logger.Debug(p.prefix, "%s → %s", p.state, s)
	p.state = s
	p.stateView.Store(int32(s))
	metrics.SetState(metrics.RolePeripheral, int(s))
}

func (p *Peripheral) onStateChanged(ev transport.Event) {
	logger.Debug(p.prefix, "radio %s", ev.State)
	if ev.State != transport.ManagerStatePoweredOn {
		// A powered-down stack forgets its GATT database and advertisements
		p.registered = false
		p.setAdvertised(false)
		if s := p.slot.Release(); s != nil {
			logger.Warn(p.prefix, "radio %s, dropping transfer to %s", ev.State, s.Value.endpoint.Short())
			metrics.RecordSessionFailure(metrics.RolePeripheral, transport.Reason(transport.ErrTransferInterrupted))
		}
		p.setState(StateIdle)
		return
	}

	if p.registered {
		return
	}
	if err := p.t.AddService(p.service); err != nil {
		logger.Error(p.prefix, "add service %s: %v", p.service.UUID, err)
		return
	}
	logger.Debug(p.prefix, "registering service %s", p.service.UUID)
}

func (p *Peripheral) onServiceAdded(ev transport.Event) {
	if ev.Err != nil {
		logger.Error(p.prefix, "service %s not added: %v", p.service.UUID, ev.Err)
		return
	}
	p.registered = true
	logger.Info(p.prefix, "📋 Added service %s", p.service.UUID)
	p.setState(StateReady)
	if p.advertise {
		p.startAdvertising()
	}
}

func (p *Peripheral) onAdvertisingStarted(ev transport.Event) {
	if ev.Err != nil {
		logger.Error(p.prefix, "advertising failed: %v", ev.Err)
		p.setAdvertised(false)
		return
	}
	logger.Info(p.prefix, "📡 Advertising %s as %q", p.cfg.ServiceUUID, p.cfg.LocalName)
}

func (p *Peripheral) setAdvertise(on bool) {
	p.advertise = on
	if on {
		if p.registered && !p.advertised {
			p.startAdvertising()
		}
		return
	}
	p.stopAdvertising()
}

func (p *Peripheral) setAdvertised(on bool) {
	p.advertised = on
	p.advView.Store(on)
}

func (p *Peripheral) startAdvertising() {
	if err := p.t.StartAdvertising(p.cfg.LocalName, p.cfg.ServiceUUID); err != nil {
		logger.Error(p.prefix, "start advertising: %v", err)
		return
	}
	p.setAdvertised(true)
}

func (p *Peripheral) stopAdvertising() {
	if !p.advertised {
		return
	}
	if err := p.t.StopAdvertising(); err != nil {
		logger.Warn(p.prefix, "stop advertising: %v", err)
	}
	p.setAdvertised(false)
	logger.Info(p.prefix, "📴 Advertising stopped")
}

func (p *Peripheral) onSubscribed(ev transport.Event) {
	if ev.Characteristic == nil || ev.Characteristic.UUID != p.cfg.CharacteristicUUID {
		return
	}
	if cur := p.slot.Current(); cur != nil {
		logger.Warn(p.prefix, "%s subscribed while sending to %s, ignoring", ev.Endpoint.Short(), cur.Value.endpoint.Short())
		return
	}

	if ev.MTU > 0 && ev.MTU < len(chunk.EOM) {
		logger.Warn(p.prefix, "%s reports max update length %d, too small for %q; using %d",
			ev.Endpoint.Short(), ev.MTU, chunk.EOM, len(chunk.EOM))
	}

	// The subscriber gets the payload as it is right now
	payload := append([]byte(nil), p.payload...)
	x := &transfer{
		endpoint:       ev.Endpoint,
		characteristic: ev.Characteristic,
		payload:        payload,
		cursor:         chunk.NewCursor(payload, p.cfg.chunkSize(ev.MTU)),
	}
	if len(payload) == 0 {
		x.eom = eomPending
	}
	s := p.slot.Acquire(x)

	logger.Info(p.prefix, "🔔 %s subscribed (session %s), sending %d bytes at mtu %d",
		ev.Endpoint.Short(), transport.ShortID(s.ID.String()), len(payload), x.cursor.MTU())
	p.setState(StateSending)
	p.sendData()
}

func (p *Peripheral) onUnsubscribed(ev transport.Event, disconnected bool) {
	s := p.slot.Current()
	if s == nil || (ev.Endpoint != nil && s.Value.endpoint != ev.Endpoint) {
		return
	}
	x := s.Value
	p.slot.Release()

	if x.eom != eomSent {
		err := transport.Wrap(transport.ErrTransferInterrupted, ev.Err, "%s left after %d of %d bytes", x.endpoint.Short(), x.cursor.Offset(), x.cursor.Len())
		logger.Warn(p.prefix, "%v", err)
		metrics.RecordSessionFailure(metrics.RolePeripheral, transport.Reason(err))
	}
	if disconnected {
		logger.Info(p.prefix, "👋 %s disconnected", x.endpoint.Short())
	} else {
		logger.Info(p.prefix, "🔕 %s unsubscribed", x.endpoint.Short())
	}

	if p.registered {
		p.setState(StateReady)
	} else {
		p.setState(StateIdle)
	}

	// Some stacks stop advertising once a central connects
	if p.advertise && p.registered {
		p.startAdvertising()
	}
}

// sendData pushes chunks until the transport refuses one or the message is
// complete. A refused chunk leaves the cursor where it was, so the next
// ReadyToSend offers the same bytes again.
func (p *Peripheral) sendData() {
	s := p.slot.Current()
	if s == nil {
		return
	}
	x := s.Value

	switch x.eom {
	case eomSent:
		return
	case eomPending:
		p.sendEOM(x)
		return
	}

	for !x.cursor.Done() {
		next := x.cursor.Next()
		if !p.t.Send(x.characteristic, next) {
			p.onRejected(x, len(next))
			return
		}
		x.cursor.Advance(len(next))
		metrics.RecordChunk(metrics.RolePeripheral, len(next))
		logger.Trace(p.prefix, "📤 Sent %d bytes (%d/%d)", len(next), x.cursor.Offset(), x.cursor.Len())
	}

	x.eom = eomPending
	p.sendEOM(x)
}

func (p *Peripheral) sendEOM(x *transfer) {
	if !p.t.Send(x.characteristic, chunk.EOM) {
		p.onRejected(x, len(chunk.EOM))
		return
	}
	x.eom = eomSent
	metrics.RecordMessage(metrics.RolePeripheral)
	logger.Info(p.prefix, "✅ Sent EOM to %s after %d bytes", x.endpoint.Short(), x.cursor.Len())
	p.setState(StateSent)
}

func (p *Peripheral) onRejected(x *transfer, n int) {
	x.rejected++
	metrics.RecordSendRejected()
	logger.Trace(p.prefix, "%v", transport.Wrap(transport.ErrSendRejected, nil, "%d bytes at offset %d", n, x.cursor.Offset()))
}

// shutdown runs after the loop has stopped
func (p *Peripheral) shutdown() {
	p.stopAdvertising()
	p.slot.Release()
	p.setState(StateIdle)
}

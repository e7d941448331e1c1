// Package central implements the receiving role: it scans for a nearby
// sender, subscribes to the transfer characteristic, reassembles chunks until
// the EOM sentinel, hands the message to an Output and starts over.
package central

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/user/btle-transfer/chunk"
	"github.com/user/btle-transfer/logger"
	"github.com/user/btle-transfer/metrics"
	"github.com/user/btle-transfer/session"
	"github.com/user/btle-transfer/transport"
	"google.golang.org/protobuf/types/known/structpb"
)

// link is everything the receiver knows about the connected endpoint. It is
// recorded from transport events, never read back from the transport.
type link struct {
	endpoint  *transport.Endpoint
	requested bool
	connected bool

	services        []*transport.Service
	characteristics map[*transport.Service][]*transport.Characteristic
	notifying       map[*transport.Characteristic]bool
	pendingServices int
	subscribing     int

	buf       chunk.Buffer
	completed bool
}

func newLink(ep *transport.Endpoint) *link {
	return &link{
		endpoint:        ep,
		characteristics: make(map[*transport.Service][]*transport.Characteristic),
		notifying:       make(map[*transport.Characteristic]bool),
	}
}

// Central is the receiver state machine. All methods except State, Status,
// Cancel and Run must be called from the loop goroutine.
type Central struct {
	cfg    Config
	t      transport.Central
	loop   *transport.Dispatcher
	out    Output
	prefix string

	state     State
	stateView atomic.Int32
	poweredOn bool
	scanning  bool
	slot      session.Slot[*link]
	delivered int
}

// New creates a receiver driven by loop. out may be nil.
func New(cfg Config, t transport.Central, loop *transport.Dispatcher, out Output) *Central {
	if cfg.Name == "" {
		cfg.Name = "central"
	}
	return &Central{
		cfg:    cfg,
		t:      t,
		loop:   loop,
		out:    out,
		prefix: cfg.Name + " central",
	}
}

// Run drives the receiver until ctx is cancelled, then stops scanning and
// tears down any open link.
func (c *Central) Run(ctx context.Context) error {
	err := c.loop.Run(ctx, c.Handle)
	c.shutdown()
	return err
}

// Cancel asks the receiver to abandon the current session. Safe from any goroutine.
func (c *Central) Cancel() {
	c.loop.Do(c.cleanup)
}

// State returns the current protocol state. Safe from any goroutine.
func (c *Central) State() State {
	return State(c.stateView.Load())
}

// Endpoint returns the endpoint currently held, or nil
func (c *Central) Endpoint() *transport.Endpoint {
	if s := c.slot.Current(); s != nil {
		return s.Value.endpoint
	}
	return nil
}

// Handle applies one transport event
func (c *Central) Handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventStateChanged:
		c.onStateChanged(ev)
	case transport.EventDiscovered:
		c.onDiscovered(ev)
	case transport.EventConnected:
		c.onConnected(ev)
	case transport.EventConnectFailed:
		c.onConnectFailed(ev)
	case transport.EventDisconnected:
		c.onDisconnected(ev)
	case transport.EventServicesDiscovered:
		c.onServicesDiscovered(ev)
	case transport.EventCharacteristicsDiscovered:
		c.onCharacteristicsDiscovered(ev)
	case transport.EventSubscriptionChanged:
		c.onSubscriptionChanged(ev)
	case transport.EventChunkReceived:
		c.onChunk(ev)
	default:
		logger.Trace(c.prefix, "ignoring %s", ev)
	}
}

func (c *Central) setState(s State) {
	if c.state == s {
		return
	}
	logger.Debug(c.prefix, "%s → %s", c.state, s)
	c.state = s
	c.stateView.Store(int32(s))
	metrics.SetState(metrics.RoleCentral, int(s))
}

// current returns the held link when ep is its endpoint
func (c *Central) current(ep *transport.Endpoint) *link {
	s := c.slot.Current()
	if s == nil || s.Value.endpoint != ep {
		return nil
	}
	return s.Value
}

func (c *Central) onStateChanged(ev transport.Event) {
	logger.Debug(c.prefix, "radio %s", ev.State)
	if ev.State == transport.ManagerStatePoweredOn {
		c.poweredOn = true
		if c.state == StateIdle {
			c.startScan()
		}
		return
	}

	// Radio went away: nothing on it survives, including our scan
	c.poweredOn = false
	c.scanning = false
	if s := c.slot.Release(); s != nil {
		logger.Warn(c.prefix, "radio %s, dropping session with %s", ev.State, s.Value.endpoint.Short())
		metrics.RecordSessionFailure(metrics.RoleCentral, transport.Reason(transport.ErrTransferInterrupted))
	}
	c.setState(StateIdle)
}

func (c *Central) startScan() {
	c.setState(StateScanning)
	if c.scanning {
		return
	}
	if err := c.t.Scan(c.cfg.ServiceUUID, c.cfg.AllowDuplicates); err != nil {
		logger.Error(c.prefix, "scan failed: %v", err)
		c.setState(StateIdle)
		return
	}
	c.scanning = true
	logger.Info(c.prefix, "📡 Scanning for %s", c.cfg.ServiceUUID)
}

func (c *Central) stopScan() {
	if !c.scanning {
		return
	}
	if err := c.t.StopScan(); err != nil {
		logger.Warn(c.prefix, "stop scan: %v", err)
	}
	c.scanning = false
	logger.Debug(c.prefix, "scanning stopped")
}

func (c *Central) onDiscovered(ev transport.Event) {
	ep := ev.Endpoint
	if ep == nil {
		return
	}

	if s := c.slot.Current(); s != nil {
		if s.Value.endpoint == ep {
			metrics.RecordDiscovery("duplicate")
		} else {
			metrics.RecordDiscovery("busy")
		}
		return
	}
	if c.state != StateScanning {
		return
	}

	if ev.RSSI > c.cfg.MaxRSSI {
		metrics.RecordDiscovery("too_strong")
		logger.Trace(c.prefix, "rejecting %s: RSSI %d above %d", ep.Short(), ev.RSSI, c.cfg.MaxRSSI)
		return
	}
	if ev.RSSI < c.cfg.MinRSSI {
		metrics.RecordDiscovery("too_weak")
		logger.Trace(c.prefix, "rejecting %s: RSSI %d below %d", ep.Short(), ev.RSSI, c.cfg.MinRSSI)
		return
	}

	metrics.RecordDiscovery("accepted")
	logger.Info(c.prefix, "🔍 Discovered %s (%s) at %d dBm", ep.Name, ep.Short(), ev.RSSI)

	s := c.slot.Acquire(newLink(ep))
	c.setState(StateConnecting)
	logger.Info(c.prefix, "🔗 Connecting to %s (session %s)", ep.Short(), transport.ShortID(s.ID.String()))
	if err := c.t.Connect(ep); err != nil {
		c.fail(transport.Wrap(transport.ErrConnectFailure, err, "connect %s", ep.Short()))
		return
	}
	s.Value.requested = true
}

func (c *Central) onConnected(ev transport.Event) {
	l := c.current(ev.Endpoint)
	if l == nil {
		// A link we no longer want, most likely from a cancelled attempt
		logger.Debug(c.prefix, "dropping unwanted link %s", ev.Endpoint.Short())
		c.abandon(ev.Endpoint)
		return
	}
	if c.state != StateConnecting {
		logger.Trace(c.prefix, "stale %s", ev)
		return
	}

	l.connected = true
	logger.Info(c.prefix, "✅ Connected to %s", l.endpoint.Short())
	c.stopScan()
	l.buf.Reset()

	c.setState(StateServiceDiscovery)
	if err := c.t.DiscoverServices(l.endpoint, c.cfg.ServiceUUID); err != nil {
		c.fail(transport.Wrap(transport.ErrDiscoveryFailure, err, "discover services"))
	}
}

func (c *Central) onConnectFailed(ev transport.Event) {
	if c.current(ev.Endpoint) == nil {
		return
	}
	c.fail(transport.Wrap(transport.ErrConnectFailure, ev.Err, "connect %s", ev.Endpoint.Short()))
}

func (c *Central) onServicesDiscovered(ev transport.Event) {
	l := c.current(ev.Endpoint)
	if l == nil || c.state != StateServiceDiscovery {
		return
	}
	if ev.Err != nil {
		c.fail(transport.Wrap(transport.ErrDiscoveryFailure, ev.Err, "discover services"))
		return
	}

	for _, svc := range ev.Services {
		if svc != nil && svc.UUID == c.cfg.ServiceUUID {
			l.services = append(l.services, svc)
		}
	}
	if len(l.services) == 0 {
		c.fail(transport.Wrap(transport.ErrDiscoveryFailure, nil, "service %s not found", c.cfg.ServiceUUID))
		return
	}

	c.setState(StateCharacteristicDiscovery)
	l.pendingServices = len(l.services)
	for _, svc := range l.services {
		if err := c.t.DiscoverCharacteristics(l.endpoint, svc, c.cfg.CharacteristicUUID); err != nil {
			c.fail(transport.Wrap(transport.ErrDiscoveryFailure, err, "discover characteristics"))
			return
		}
	}
}

func (c *Central) onCharacteristicsDiscovered(ev transport.Event) {
	l := c.current(ev.Endpoint)
	if l == nil || (c.state != StateCharacteristicDiscovery && c.state != StateSubscribing) {
		return
	}
	if ev.Err != nil {
		c.fail(transport.Wrap(transport.ErrDiscoveryFailure, ev.Err, "discover characteristics"))
		return
	}

	l.pendingServices--
	l.characteristics[ev.Service] = ev.Characteristics
	for _, ch := range ev.Characteristics {
		if ch == nil || ch.UUID != c.cfg.CharacteristicUUID {
			continue
		}
		c.setState(StateSubscribing)
		l.subscribing++
		logger.Debug(c.prefix, "subscribing to %s", ch.UUID)
		if err := c.t.Subscribe(l.endpoint, ch); err != nil {
			c.fail(transport.Wrap(transport.ErrSubscriptionFailure, err, "subscribe"))
			return
		}
	}

	if l.pendingServices <= 0 && l.subscribing == 0 {
		c.fail(transport.Wrap(transport.ErrDiscoveryFailure, nil, "characteristic %s not found", c.cfg.CharacteristicUUID))
	}
}

func (c *Central) onSubscriptionChanged(ev transport.Event) {
	l := c.current(ev.Endpoint)
	if l == nil || ev.Characteristic == nil || ev.Characteristic.UUID != c.cfg.CharacteristicUUID {
		return
	}

	if ev.Err != nil {
		logger.Warn(c.prefix, "notification state change failed: %v", ev.Err)
		switch c.state {
		case StateSubscribing:
			c.fail(transport.Wrap(transport.ErrSubscriptionFailure, ev.Err, "subscribe"))
		case StateUnsubscribing:
			// Unsubscribe could not be confirmed; tear the link down directly
			c.disconnect(l)
		}
		return
	}

	l.notifying[ev.Characteristic] = ev.Notifying
	if ev.Notifying {
		logger.Info(c.prefix, "🔔 Notification began on %s", transport.ShortID(ev.Characteristic.UUID.String()))
		if c.state == StateSubscribing {
			c.setState(StateReceiving)
		}
		return
	}

	logger.Info(c.prefix, "🔕 Notification stopped on %s, disconnecting", transport.ShortID(ev.Characteristic.UUID.String()))
	if c.state != StateDisconnecting {
		c.disconnect(l)
	}
}

func (c *Central) onChunk(ev transport.Event) {
	l := c.current(ev.Endpoint)
	if l == nil || ev.Characteristic == nil || ev.Characteristic.UUID != c.cfg.CharacteristicUUID {
		return
	}
	switch c.state {
	case StateSubscribing:
		// Data can overtake the subscription confirmation
		c.setState(StateReceiving)
	case StateReceiving:
	default:
		logger.Trace(c.prefix, "dropping %d bytes in %s", len(ev.Value), c.state)
		return
	}

	if !chunk.IsEOM(ev.Value) {
		l.buf.Append(ev.Value)
		metrics.RecordChunk(metrics.RoleCentral, len(ev.Value))
		logger.Trace(c.prefix, "📥 Received %d bytes (%d total)", len(ev.Value), l.buf.Len())
		return
	}

	s := c.slot.Current()
	n := l.buf.Chunks()
	msg := Message{
		SessionID: s.ID,
		Endpoint:  l.endpoint,
		Chunks:    n,
		Data:      l.buf.Take(),
		Started:   s.Started,
		Finished:  time.Now(),
	}
	l.completed = true
	c.delivered++
	metrics.RecordMessage(metrics.RoleCentral)
	logger.Info(c.prefix, "📨 Received message from %s: %d bytes in %d chunks", l.endpoint.Short(), len(msg.Data), msg.Chunks)
	if summary, err := summarize(msg); err == nil {
		logger.DebugJSON(c.prefix, "message", summary)
	}

	c.setState(StateUnsubscribing)
	if err := c.t.Unsubscribe(l.endpoint, ev.Characteristic); err != nil {
		logger.Warn(c.prefix, "unsubscribe failed: %v", err)
		c.disconnect(l)
	}

	if c.out != nil {
		c.out.Completed(msg)
	}
}

func (c *Central) onDisconnected(ev transport.Event) {
	s := c.slot.Current()
	if s == nil || (ev.Endpoint != nil && s.Value.endpoint != ev.Endpoint) {
		logger.Trace(c.prefix, "stale %s", ev)
		return
	}

	l := s.Value
	if !l.completed && l.connected {
		err := transport.Wrap(transport.ErrTransferInterrupted, ev.Err, "%s dropped after %d bytes", l.endpoint.Short(), l.buf.Len())
		logger.Warn(c.prefix, "%v", err)
		metrics.RecordSessionFailure(metrics.RoleCentral, transport.Reason(err))
	}
	l.buf.Reset()
	l.connected = false
	c.slot.Release()
	logger.Info(c.prefix, "👋 Disconnected from %s after %s", l.endpoint.Short(), s.Age().Round(time.Millisecond))

	c.startScan()
}

// fail reports err and tears the session down
func (c *Central) fail(err error) {
	logger.Warn(c.prefix, "%v", err)
	metrics.RecordSessionFailure(metrics.RoleCentral, transport.Reason(err))
	c.cleanup()
}

// cleanup cancels the subscription if one is active, or disconnects if not.
// The unsubscribe confirmation drives the disconnect.
func (c *Central) cleanup() {
	s := c.slot.Current()
	if s == nil {
		return
	}
	l := s.Value

	if !l.connected {
		if l.requested {
			c.abandon(l.endpoint)
		}
		c.slot.Release()
		if c.poweredOn {
			c.startScan()
		} else {
			c.setState(StateIdle)
		}
		return
	}

	for _, svc := range l.services {
		for _, ch := range l.characteristics[svc] {
			if ch.UUID == c.cfg.CharacteristicUUID && l.notifying[ch] {
				c.setState(StateUnsubscribing)
				if err := c.t.Unsubscribe(l.endpoint, ch); err != nil {
					logger.Warn(c.prefix, "unsubscribe failed: %v", err)
					c.disconnect(l)
				}
				return
			}
		}
	}

	c.disconnect(l)
}

// abandon withdraws a connect request or drops a link outside any session.
// No event is expected back.
func (c *Central) abandon(ep *transport.Endpoint) {
	if ep == nil {
		return
	}
	if err := c.t.Disconnect(ep); err != nil {
		logger.Debug(c.prefix, "disconnect %s: %v", ep.Short(), err)
	}
}

func (c *Central) disconnect(l *link) {
	c.setState(StateDisconnecting)
	if err := c.t.Disconnect(l.endpoint); err != nil {
		// No disconnect event will follow a refused request
		logger.Warn(c.prefix, "disconnect %s: %v", l.endpoint.Short(), err)
		c.onDisconnected(transport.Event{Kind: transport.EventDisconnected, Endpoint: l.endpoint, Err: err})
	}
}

// shutdown runs after the loop has stopped
func (c *Central) shutdown() {
	c.stopScan()
	if s := c.slot.Release(); s != nil && s.Value.connected && c.state != StateDisconnecting {
		if err := c.t.Disconnect(s.Value.endpoint); err != nil {
			logger.Warn(c.prefix, "disconnect on shutdown: %v", err)
		}
	}
	c.setState(StateIdle)
}

func summarize(msg Message) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"session":     msg.SessionID.String(),
		"endpoint":    msg.Endpoint.ID,
		"name":        msg.Endpoint.Name,
		"bytes":       len(msg.Data),
		"chunks":      msg.Chunks,
		"duration_ms": msg.Finished.Sub(msg.Started).Milliseconds(),
	})
}

package bluetooth

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"
)

var logger = log.New("ble")

type requestOp int

const (
	opStartScan requestOp = iota
	opStopScan
	opSend
	opDisconnect
)

type request struct {
	op    requestOp
	cmd   Command
	reply chan error
}

type counters struct {
	commandsSent      atomic.Uint64
	commandsReceived  atomic.Uint64
	decodeFailures    atomic.Uint64
	writeFailures     atomic.Uint64
	connectFailures   atomic.Uint64
	discoveryFailures atomic.Uint64
	stepTimeouts      atomic.Uint64
	disconnects       atomic.Uint64
}

// CommandChannel is the BLE command-channel client. A single goroutine owns the
// connection state; public calls and adapter events are serialized through it.
type CommandChannel struct {
	adapter Adapter
	cfg     ChannelConfig
	logger  log.Logger

	requests   chan request
	stopChan   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	dispatcher *dispatcher
	stats      counters

	// Owned by the run goroutine.
	state          State
	peer           *Peer
	service        *Service
	characteristic *Characteristic
	inflight       []Command
	stepTimer      *time.Timer
	stepExpired    <-chan time.Time

	mu                   sync.RWMutex
	snapshotState        State
	snapshotPeer         *Peer
	commandCallback      func(Command)
	statusCallback       func(Status)
	adapterStateCallback func(AdapterState)
}

// NewCommandChannel creates a client bound to adapter and starts its event loop.
// The client is idle until StartScanning is called.
func NewCommandChannel(adapter Adapter, cfg ChannelConfig) (*CommandChannel, error) {
	if adapter == nil {
		return nil, errors.New("nil adapter")
	}
	if cfg.ServiceUUID == NilUUID {
		return nil, errors.New("service uuid is required")
	}
	if cfg.CharacteristicUUID == NilUUID {
		return nil, errors.New("characteristic uuid is required")
	}
	if cfg.StepTimeout < 0 {
		return nil, errors.Errorf("negative step timeout %v", cfg.StepTimeout)
	}
	l := cfg.Logger
	if l == nil {
		l = logger
	}

	c := &CommandChannel{
		adapter:       adapter,
		cfg:           cfg,
		logger:        l,
		requests:      make(chan request),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		dispatcher:    newDispatcher(),
		state:         StateIdle,
		snapshotState: StateIdle,
	}
	go c.run()
	return c, nil
}

// SetCommandCallback sets the callback invoked once per decoded inbound command.
func (c *CommandChannel) SetCommandCallback(callback func(Command)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandCallback = callback
}

// SetStatusCallback sets the callback for state transitions and asynchronous failures.
func (c *CommandChannel) SetStatusCallback(callback func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCallback = callback
}

// SetAdapterStateCallback sets the callback for radio power changes, so a host
// can retry StartScanning once the adapter is ready.
func (c *CommandChannel) SetAdapterStateCallback(callback func(AdapterState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapterStateCallback = callback
}

// StartScanning begins scanning for the service. It fails with ErrAdapterNotReady,
// issuing no scan, when the adapter is not powered on. It is a no-op when the
// client is already scanning or connected.
func (c *CommandChannel) StartScanning() error {
	return c.call(request{op: opStartScan})
}

// StopScanning cancels an active scan; it is a no-op in any other state.
func (c *CommandChannel) StopScanning() error {
	return c.call(request{op: opStopScan})
}

// SendCommand writes cmd to the command characteristic. It fails with
// ErrNotConnected, issuing no write, unless the channel is ready. The write's
// completion is reported through the status callback.
func (c *CommandChannel) SendCommand(cmd Command) error {
	if !cmd.Valid() {
		return errors.Errorf("invalid command %d", int(cmd))
	}
	return c.call(request{op: opSend, cmd: cmd})
}

// Disconnect drops the current peer, or stops scanning, and leaves the client idle.
func (c *CommandChannel) Disconnect() error {
	return c.call(request{op: opDisconnect})
}

// State returns the current state.
func (c *CommandChannel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotState
}

// Peer returns the connected or connecting peer.
func (c *CommandChannel) Peer() (Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshotPeer == nil {
		return Peer{}, false
	}
	return *c.snapshotPeer, true
}

// Stats returns a snapshot of the channel counters.
func (c *CommandChannel) Stats() Stats {
	return Stats{
		CommandsSent:      c.stats.commandsSent.Load(),
		CommandsReceived:  c.stats.commandsReceived.Load(),
		DecodeFailures:    c.stats.decodeFailures.Load(),
		WriteFailures:     c.stats.writeFailures.Load(),
		ConnectFailures:   c.stats.connectFailures.Load(),
		DiscoveryFailures: c.stats.discoveryFailures.Load(),
		StepTimeouts:      c.stats.stepTimeouts.Load(),
		Disconnects:       c.stats.disconnects.Load(),
	}
}

// Close stops scanning, drops any peer and stops the event loop. Pending
// notifications are delivered before Close returns, so Close must not be
// called from a status, command or adapter-state callback: it would wait on
// the goroutine running that callback and never return.
func (c *CommandChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		<-c.done
		c.dispatcher.close()
	})
	return nil
}

func (c *CommandChannel) call(req request) error {
	req.reply = make(chan error, 1)
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *CommandChannel) run() {
	defer close(c.done)

	events := c.adapter.Events()
	for {
		select {
		case <-c.stopChan:
			c.shutdown()
			return
		case req := <-c.requests:
			req.reply <- c.handleRequest(req)
		case ev, ok := <-events:
			if !ok {
				c.logger.Warn("adapter event stream closed")
				events = nil
				continue
			}
			c.handleEvent(ev)
		case <-c.stepExpired:
			c.handleStepTimeout()
		}
	}
}

func (c *CommandChannel) handleRequest(req request) error {
	switch req.op {
	case opStartScan:
		return c.startScan()
	case opStopScan:
		if c.state != StateScanning {
			return nil
		}
		if err := c.adapter.StopScan(); err != nil {
			c.logger.Warn("stop scan failed", "err", err)
		}
		c.transition(StateIdle)
		return nil
	case opSend:
		return c.send(req.cmd)
	case opDisconnect:
		return c.disconnect()
	}
	return errors.Errorf("unknown request %d", req.op)
}

func (c *CommandChannel) startScan() error {
	if c.state != StateIdle {
		c.logger.Debug("start scanning ignored", "state", c.state)
		return nil
	}
	if st := c.adapter.State(); !st.Ready() {
		return newError(ErrAdapterNotReady, "start scanning", errors.Errorf("adapter is %s", st))
	}
	if err := c.adapter.Scan(c.cfg.ServiceUUID); err != nil {
		return errors.Wrap(err, "start scan")
	}
	c.logger.Info("scanning", "service", c.cfg.ServiceUUID)
	c.transition(StateScanning)
	return nil
}

func (c *CommandChannel) send(cmd Command) error {
	if c.state != StateReady || c.peer == nil || c.characteristic == nil {
		return newError(ErrNotConnected, "send "+cmd.String(), errors.Errorf("channel is %s", c.state))
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := c.adapter.Write(*c.characteristic, data, !c.cfg.WriteWithoutResponse); err != nil {
		c.stats.writeFailures.Add(1)
		werr := newError(ErrWriteFailed, "send "+cmd.String(), err)
		c.emit(Status{Type: StatusWriteFailed, Command: cmd, Err: werr})
		return werr
	}
	c.inflight = append(c.inflight, cmd)
	c.logger.Info("sent command", "command", cmd)
	return nil
}

func (c *CommandChannel) disconnect() error {
	switch {
	case c.state == StateScanning:
		if err := c.adapter.StopScan(); err != nil {
			c.logger.Warn("stop scan failed", "err", err)
		}
		c.transition(StateIdle)
	case c.peer != nil:
		p := *c.peer
		c.transition(StateDisconnecting)
		c.clearConnection()
		if err := c.adapter.Disconnect(p); err != nil {
			c.logger.Warn("disconnect failed", "peer", p.Address, "err", err)
		}
		c.transition(StateIdle)
	}
	return nil
}

func (c *CommandChannel) handleEvent(ev AdapterEvent) {
	switch ev.Kind {
	case EventAdapterState:
		c.onAdapterState(ev.AdapterState)
	case EventPeerDiscovered:
		c.onPeerDiscovered(ev.Peer)
	case EventConnected:
		if !c.expect(ev, StateConnecting) || !c.isCurrentPeer(ev.Peer) {
			return
		}
		c.logger.Info("connected", "peer", ev.Peer.Address)
		c.advance(StateDiscoveringServices)
		if err := c.adapter.DiscoverServices(*c.peer, c.cfg.ServiceUUID); err != nil {
			c.discoveryFailed("discover services", err)
		}
	case EventConnectFailed:
		if !c.expect(ev, StateConnecting) || !c.isCurrentPeer(ev.Peer) {
			return
		}
		c.connectFailed(ev.Err)
	case EventDisconnected:
		if c.peer == nil || !c.isCurrentPeer(ev.Peer) {
			c.logger.Debug("ignoring disconnect of unknown peer", "peer", ev.Peer.Address)
			return
		}
		c.onDisconnected(ev.Err)
	case EventServicesDiscovered:
		if !c.expect(ev, StateDiscoveringServices) || !c.isCurrentPeer(ev.Peer) {
			return
		}
		c.onServicesDiscovered(ev)
	case EventCharacteristicsDiscovered:
		if !c.expect(ev, StateDiscoveringCharacteristics) || c.service == nil || ev.Service.ID != c.service.ID {
			return
		}
		c.onCharacteristicsDiscovered(ev)
	case EventNotifyChanged:
		if !c.expect(ev, StateSubscribing) || !c.isCurrentCharacteristic(ev.Characteristic) {
			return
		}
		if ev.Err != nil {
			c.discoveryFailed("enable notifications", ev.Err)
			return
		}
		if !ev.Enabled {
			c.logger.Debug("notifications still disabled", "characteristic", ev.Characteristic.UUID)
			return
		}
		c.disarmStep()
		c.logger.Info("command channel ready", "peer", c.peer.Address)
		c.transition(StateReady)
	case EventWriteCompleted:
		c.onWriteCompleted(ev)
	case EventValueUpdated:
		if !c.expect(ev, StateReady) || !c.isCurrentCharacteristic(ev.Characteristic) {
			return
		}
		c.onValue(ev)
	default:
		c.logger.Debug("ignoring unknown adapter event", "kind", int(ev.Kind))
	}
}

// expect logs and rejects events that are not valid in the current state.
func (c *CommandChannel) expect(ev AdapterEvent, want State) bool {
	if c.state != want {
		c.logger.Debug("ignoring event", "event", ev.Kind, "state", c.state)
		return false
	}
	return true
}

func (c *CommandChannel) isCurrentPeer(p Peer) bool {
	return c.peer != nil && c.peer.ID == p.ID
}

func (c *CommandChannel) isCurrentCharacteristic(ch Characteristic) bool {
	return c.characteristic != nil && c.characteristic.ID == ch.ID
}

func (c *CommandChannel) onAdapterState(st AdapterState) {
	c.logger.Info("adapter state changed", "state", st)
	c.notifyAdapterState(st)
	if st.Ready() || c.state == StateIdle {
		return
	}
	// The radio is gone; nothing can be torn down through it.
	c.clearConnection()
	c.emit(Status{Type: StatusAdapterLost, Err: newError(ErrAdapterNotReady, "adapter", errors.Errorf("adapter is %s", st))})
	c.transition(StateIdle)
}

func (c *CommandChannel) onPeerDiscovered(p Peer) {
	if c.state != StateScanning {
		c.logger.Debug("ignoring discovered peer", "peer", p.Address, "state", c.state)
		return
	}
	if len(p.Services) > 0 && !containsUUID(p.Services, c.cfg.ServiceUUID) {
		c.logger.Debug("peer does not advertise service", "peer", p.Address)
		return
	}
	c.logger.Info("discovered peer", "peer", p.Address, "name", p.Name, "rssi", p.RSSI)
	if err := c.adapter.StopScan(); err != nil {
		c.logger.Warn("stop scan failed", "err", err)
	}
	peer := p
	c.peer = &peer
	c.advance(StateConnecting)
	if err := c.adapter.Connect(p); err != nil {
		c.connectFailed(err)
	}
}

func (c *CommandChannel) onServicesDiscovered(ev AdapterEvent) {
	if ev.Err != nil {
		c.discoveryFailed("discover services", ev.Err)
		return
	}
	for _, svc := range ev.Services {
		if svc.UUID != c.cfg.ServiceUUID {
			continue
		}
		s := svc
		c.service = &s
		c.advance(StateDiscoveringCharacteristics)
		if err := c.adapter.DiscoverCharacteristics(s, c.cfg.CharacteristicUUID); err != nil {
			c.discoveryFailed("discover characteristics", err)
		}
		return
	}
	c.logger.Debug("service not among discovered services", "count", len(ev.Services))
}

func (c *CommandChannel) onCharacteristicsDiscovered(ev AdapterEvent) {
	if ev.Err != nil {
		c.discoveryFailed("discover characteristics", ev.Err)
		return
	}
	for _, ch := range ev.Characteristics {
		if ch.UUID != c.cfg.CharacteristicUUID {
			continue
		}
		found := ch
		c.characteristic = &found
		c.advance(StateSubscribing)
		if err := c.adapter.SetNotify(found, true); err != nil {
			c.discoveryFailed("enable notifications", err)
		}
		return
	}
	c.logger.Debug("characteristic not among discovered characteristics", "count", len(ev.Characteristics))
}

func (c *CommandChannel) onWriteCompleted(ev AdapterEvent) {
	if len(c.inflight) == 0 || !c.isCurrentCharacteristic(ev.Characteristic) {
		c.logger.Debug("ignoring write completion", "state", c.state)
		return
	}
	cmd := c.inflight[0]
	c.inflight = c.inflight[1:]
	if ev.Err != nil {
		c.stats.writeFailures.Add(1)
		c.logger.Warn("command write failed", "command", cmd, "err", ev.Err)
		c.emit(Status{Type: StatusWriteFailed, Command: cmd, Err: newError(ErrWriteFailed, "send "+cmd.String(), ev.Err)})
		return
	}
	c.stats.commandsSent.Add(1)
	c.emit(Status{Type: StatusCommandSent, Command: cmd})
}

func (c *CommandChannel) onValue(ev AdapterEvent) {
	if ev.Err != nil {
		c.logger.Warn("notification error", "err", ev.Err)
		return
	}
	cmd, err := DecodeCommand(ev.Value)
	if err != nil {
		c.stats.decodeFailures.Add(1)
		c.logger.Warn("dropping invalid command payload", "size", len(ev.Value), "err", err)
		c.emit(Status{Type: StatusDecodeFailed, Err: err})
		return
	}
	c.stats.commandsReceived.Add(1)
	c.logger.Info("received command", "command", cmd)
	c.dispatcher.push(func() {
		c.mu.RLock()
		cb := c.commandCallback
		c.mu.RUnlock()
		if cb != nil {
			cb(cmd)
		}
	})
}

func (c *CommandChannel) onDisconnected(cause error) {
	c.stats.disconnects.Add(1)
	p := *c.peer
	c.logger.Info("peer disconnected", "peer", p.Address, "state", c.state)
	c.clearConnection()
	c.emit(Status{Type: StatusDisconnected, Peer: &p, Err: cause})
	c.rescan()
}

func (c *CommandChannel) connectFailed(cause error) {
	c.stats.connectFailures.Add(1)
	p := *c.peer
	c.logger.Warn("connect failed", "peer", p.Address, "err", cause)
	c.clearConnection()
	c.emit(Status{Type: StatusConnectFailed, Peer: &p, Err: newError(ErrConnectFailed, "connect "+p.Address, cause)})
	c.transition(StateIdle)
}

// discoveryFailed resets a connection whose discovery hit a hard error and
// starts scanning again.
func (c *CommandChannel) discoveryFailed(op string, cause error) {
	c.stats.discoveryFailures.Add(1)
	p := *c.peer
	c.logger.Warn("discovery failed", "op", op, "peer", p.Address, "err", cause)
	c.clearConnection()
	if err := c.adapter.Disconnect(p); err != nil {
		c.logger.Warn("disconnect failed", "peer", p.Address, "err", err)
	}
	c.emit(Status{Type: StatusDiscoveryFailed, Peer: &p, Err: newError(ErrDiscoveryFailed, op, cause)})
	c.rescan()
}

func (c *CommandChannel) handleStepTimeout() {
	c.stepTimer = nil
	c.stepExpired = nil
	if !c.state.awaitsStep() || c.peer == nil {
		return
	}
	c.stats.stepTimeouts.Add(1)
	step := c.state
	p := *c.peer
	c.logger.Warn("step timed out", "state", step, "peer", p.Address, "timeout", c.cfg.StepTimeout)
	c.clearConnection()
	if err := c.adapter.Disconnect(p); err != nil {
		c.logger.Warn("disconnect failed", "peer", p.Address, "err", err)
	}
	c.emit(Status{Type: StatusStepTimeout, Peer: &p, Err: newError(ErrStepTimeout, string(step), errors.Errorf("no completion within %v", c.cfg.StepTimeout))})
	c.rescan()
}

// rescan restarts scanning after a lost connection, or goes idle if the adapter cannot scan.
func (c *CommandChannel) rescan() {
	if st := c.adapter.State(); !st.Ready() {
		c.logger.Info("adapter not ready, staying idle", "adapter", st)
		c.transition(StateIdle)
		return
	}
	if err := c.adapter.Scan(c.cfg.ServiceUUID); err != nil {
		c.logger.Warn("restart scan failed", "err", err)
		c.transition(StateIdle)
		return
	}
	c.transition(StateScanning)
}

func (c *CommandChannel) shutdown() {
	switch {
	case c.state == StateScanning:
		if err := c.adapter.StopScan(); err != nil {
			c.logger.Warn("stop scan failed", "err", err)
		}
	case c.peer != nil:
		p := *c.peer
		c.transition(StateDisconnecting)
		if err := c.adapter.Disconnect(p); err != nil {
			c.logger.Warn("disconnect failed", "peer", p.Address, "err", err)
		}
	}
	c.clearConnection()
	c.transition(StateIdle)
}

// advance enters a step that waits on an adapter completion and arms its timeout.
func (c *CommandChannel) advance(to State) {
	c.transition(to)
	c.armStep()
}

func (c *CommandChannel) armStep() {
	c.disarmStep()
	if c.cfg.StepTimeout <= 0 {
		return
	}
	c.stepTimer = time.NewTimer(c.cfg.StepTimeout)
	c.stepExpired = c.stepTimer.C
}

func (c *CommandChannel) disarmStep() {
	if c.stepTimer != nil {
		c.stepTimer.Stop()
	}
	c.stepTimer = nil
	c.stepExpired = nil
}

// clearConnection drops the peer and characteristic together.
func (c *CommandChannel) clearConnection() {
	c.disarmStep()
	c.peer = nil
	c.service = nil
	c.characteristic = nil
	c.inflight = nil
	c.mu.Lock()
	c.snapshotPeer = nil
	c.mu.Unlock()
}

func (c *CommandChannel) transition(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	var peer *Peer
	if c.peer != nil {
		p := *c.peer
		peer = &p
	}
	c.mu.Lock()
	c.snapshotState = to
	c.snapshotPeer = peer
	c.mu.Unlock()

	c.logger.Debug("state transition", "from", from, "to", to)
	c.emit(Status{Type: StatusStateChanged, State: to, Peer: peer})
}

func (c *CommandChannel) emit(s Status) {
	if s.State == "" {
		s.State = c.state
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	c.dispatcher.push(func() {
		c.mu.RLock()
		cb := c.statusCallback
		c.mu.RUnlock()
		if cb != nil {
			cb(s)
		}
	})
}

func (c *CommandChannel) notifyAdapterState(st AdapterState) {
	c.dispatcher.push(func() {
		c.mu.RLock()
		cb := c.adapterStateCallback
		c.mu.RUnlock()
		if cb != nil {
			cb(st)
		}
	})
}

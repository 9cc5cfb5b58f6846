// Package fake provides an in-memory bluetooth.Adapter for tests and demos.
//
// By default the fake only records calls and the test drives the client by
// emitting events. With a Peripheral attached it answers every operation the
// way a well-behaved command-channel device would.
package fake

import (
	"sync"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
)

// Operation names recorded in Call.Op.
const (
	OpScan                    = "scan"
	OpStopScan                = "stop_scan"
	OpConnect                 = "connect"
	OpDisconnect              = "disconnect"
	OpDiscoverServices        = "discover_services"
	OpDiscoverCharacteristics = "discover_characteristics"
	OpSetNotify               = "set_notify"
	OpWrite                   = "write"
)

// Call is one recorded Adapter method invocation.
type Call struct {
	Op           string
	UUID         bluetooth.UUID
	Peer         bluetooth.Peer
	Service      bluetooth.Service
	Char         bluetooth.Characteristic
	Enabled      bool
	Data         []byte
	WithResponse bool
}

// Peripheral describes the device an auto-responding fake connects to.
type Peripheral struct {
	Peer           bluetooth.Peer
	Service        bluetooth.Service
	Characteristic bluetooth.Characteristic
}

// NewPeripheral builds a peripheral exposing the given channel identity.
func NewPeripheral(address string, service, characteristic bluetooth.UUID) Peripheral {
	peerID := "fake/" + address
	svcID := peerID + "/service0001"
	return Peripheral{
		Peer: bluetooth.Peer{
			ID:       peerID,
			Address:  address,
			Name:     "fake-" + address,
			RSSI:     -50,
			Services: []bluetooth.UUID{service},
		},
		Service: bluetooth.Service{ID: svcID, PeerID: peerID, UUID: service},
		Characteristic: bluetooth.Characteristic{
			ID:        svcID + "/char0001",
			ServiceID: svcID,
			UUID:      characteristic,
			Flags:     []string{"write", "notify"},
		},
	}
}

// Adapter implements bluetooth.Adapter in memory.
type Adapter struct {
	mu         sync.Mutex
	state      bluetooth.AdapterState
	events     chan bluetooth.AdapterEvent
	calls      []Call
	failNext   map[string]error
	peripheral *Peripheral
	connected  bool
	notifying  bool
}

// NewAdapter returns a fake in the given radio state.
func NewAdapter(state bluetooth.AdapterState) *Adapter {
	return &Adapter{
		state:    state,
		events:   make(chan bluetooth.AdapterEvent, 256),
		failNext: make(map[string]error),
	}
}

// Attach makes the fake respond to every operation on behalf of p.
func (a *Adapter) Attach(p Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripheral = &p
}

// FailNext makes the next call of op return err without side effects.
func (a *Adapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = err
}

// SetState changes the radio state and emits an adapter state event.
func (a *Adapter) SetState(st bluetooth.AdapterState) {
	a.mu.Lock()
	a.state = st
	if !st.Ready() {
		a.connected = false
		a.notifying = false
	}
	a.mu.Unlock()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventAdapterState, AdapterState: st})
}

// Emit pushes an event to the client.
func (a *Adapter) Emit(ev bluetooth.AdapterEvent) {
	a.events <- ev
}

// Notify delivers a notification from the attached peripheral.
func (a *Adapter) Notify(value []byte) {
	a.mu.Lock()
	p := a.peripheral
	a.mu.Unlock()
	if p == nil {
		return
	}
	a.Emit(bluetooth.AdapterEvent{
		Kind:           bluetooth.EventValueUpdated,
		Characteristic: p.Characteristic,
		Value:          append([]byte(nil), value...),
	})
}

// DropConnection simulates the attached peripheral going away.
func (a *Adapter) DropConnection() {
	a.mu.Lock()
	p := a.peripheral
	a.connected = false
	a.notifying = false
	a.mu.Unlock()
	if p == nil {
		return
	}
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventDisconnected, Peer: p.Peer})
}

// Calls returns every recorded call in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallCount returns how many times op was called.
func (a *Adapter) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Written returns the payloads of every write, in order.
func (a *Adapter) Written() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]byte
	for _, c := range a.calls {
		if c.Op == OpWrite {
			out = append(out, c.Data)
		}
	}
	return out
}

// Connected reports whether the fake considers the peripheral connected.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) State() bluetooth.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Events() <-chan bluetooth.AdapterEvent {
	return a.events
}

func (a *Adapter) Scan(service bluetooth.UUID) error {
	p, err := a.record(Call{Op: OpScan, UUID: service})
	if err != nil {
		return err
	}
	if p != nil && containsUUID(p.Peer.Services, service) {
		a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	}
	return nil
}

func (a *Adapter) StopScan() error {
	_, err := a.record(Call{Op: OpStopScan})
	return err
}

func (a *Adapter) Connect(peer bluetooth.Peer) error {
	p, err := a.record(Call{Op: OpConnect, Peer: peer})
	if err != nil {
		return err
	}
	if p != nil && p.Peer.ID == peer.ID {
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: peer})
	}
	return nil
}

func (a *Adapter) Disconnect(peer bluetooth.Peer) error {
	_, err := a.record(Call{Op: OpDisconnect, Peer: peer})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = false
	a.notifying = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) DiscoverServices(peer bluetooth.Peer, service bluetooth.UUID) error {
	p, err := a.record(Call{Op: OpDiscoverServices, Peer: peer, UUID: service})
	if err != nil {
		return err
	}
	if p != nil {
		a.Emit(bluetooth.AdapterEvent{
			Kind:     bluetooth.EventServicesDiscovered,
			Peer:     peer,
			Services: []bluetooth.Service{p.Service},
		})
	}
	return nil
}

func (a *Adapter) DiscoverCharacteristics(svc bluetooth.Service, characteristic bluetooth.UUID) error {
	p, err := a.record(Call{Op: OpDiscoverCharacteristics, Service: svc, UUID: characteristic})
	if err != nil {
		return err
	}
	if p != nil {
		a.Emit(bluetooth.AdapterEvent{
			Kind:            bluetooth.EventCharacteristicsDiscovered,
			Service:         svc,
			Characteristics: []bluetooth.Characteristic{p.Characteristic},
		})
	}
	return nil
}

func (a *Adapter) SetNotify(ch bluetooth.Characteristic, enabled bool) error {
	p, err := a.record(Call{Op: OpSetNotify, Char: ch, Enabled: enabled})
	if err != nil {
		return err
	}
	if p != nil {
		a.mu.Lock()
		a.notifying = enabled
		a.mu.Unlock()
		a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventNotifyChanged, Characteristic: ch, Enabled: enabled})
	}
	return nil
}

func (a *Adapter) Write(ch bluetooth.Characteristic, data []byte, withResponse bool) error {
	p, err := a.record(Call{Op: OpWrite, Char: ch, Data: append([]byte(nil), data...), WithResponse: withResponse})
	if err != nil {
		return err
	}
	if p != nil {
		a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventWriteCompleted, Characteristic: ch})
	}
	return nil
}

// record appends c and returns the attached peripheral, or the injected failure.
func (a *Adapter) record(c Call) (*Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
	if err, ok := a.failNext[c.Op]; ok {
		delete(a.failNext, c.Op)
		return nil, err
	}
	return a.peripheral, nil
}

func containsUUID(list []bluetooth.UUID, u bluetooth.UUID) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

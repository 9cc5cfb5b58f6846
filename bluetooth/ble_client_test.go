package bluetooth_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth/fake"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// recorder collects everything the client reports through its callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []bluetooth.Status
	commands []bluetooth.Command
	adapter  []bluetooth.AdapterState
}

func (r *recorder) attach(c *bluetooth.CommandChannel) {
	c.SetStatusCallback(func(s bluetooth.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, s)
	})
	c.SetCommandCallback(func(cmd bluetooth.Command) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.commands = append(r.commands, cmd)
	})
	c.SetAdapterStateCallback(func(st bluetooth.AdapterState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.adapter = append(r.adapter, st)
	})
}

func (r *recorder) states() []bluetooth.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bluetooth.State
	for _, s := range r.statuses {
		if s.Type == bluetooth.StatusStateChanged {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) find(typ bluetooth.StatusType) (bluetooth.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s.Type == typ {
			return s, true
		}
	}
	return bluetooth.Status{}, false
}

func (r *recorder) count(typ bluetooth.StatusType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) received() []bluetooth.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bluetooth.Command(nil), r.commands...)
}

func (r *recorder) adapterStates() []bluetooth.AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bluetooth.AdapterState(nil), r.adapter...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *bluetooth.CommandChannel, want bluetooth.State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return c.State() == want })
}

func waitStatus(t *testing.T, r *recorder, typ bluetooth.StatusType) bluetooth.Status {
	t.Helper()
	var s bluetooth.Status
	waitFor(t, "status "+string(typ), func() bool {
		var ok bool
		s, ok = r.find(typ)
		return ok
	})
	return s
}

func newClient(t *testing.T, a *fake.Adapter, cfg bluetooth.ChannelConfig) (*bluetooth.CommandChannel, *recorder) {
	t.Helper()
	c, err := bluetooth.NewCommandChannel(a, cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	r := &recorder{}
	r.attach(c)
	t.Cleanup(func() { c.Close() })
	return c, r
}

// newAutoClient returns a client whose adapter answers on behalf of a peripheral.
func newAutoClient(t *testing.T, cfg bluetooth.ChannelConfig) (*fake.Adapter, *bluetooth.CommandChannel, *recorder) {
	t.Helper()
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	a.Attach(fake.NewPeripheral(testAddress, cfg.ServiceUUID, cfg.CharacteristicUUID))
	c, r := newClient(t, a, cfg)
	return a, c, r
}

func readyAutoClient(t *testing.T, cfg bluetooth.ChannelConfig) (*fake.Adapter, *bluetooth.CommandChannel, *recorder) {
	t.Helper()
	a, c, r := newAutoClient(t, cfg)
	if err := c.StartScanning(); err != nil {
		t.Fatalf("Failed to start scanning: %v", err)
	}
	waitState(t, c, bluetooth.StateReady)
	return a, c, r
}

// driveToReady walks a manual fake through the discovery sequence.
func driveToReady(t *testing.T, a *fake.Adapter, c *bluetooth.CommandChannel, p fake.Peripheral) {
	t.Helper()
	if err := c.StartScanning(); err != nil {
		t.Fatalf("Failed to start scanning: %v", err)
	}
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventServicesDiscovered, Peer: p.Peer, Services: []bluetooth.Service{p.Service}})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventCharacteristicsDiscovered, Service: p.Service, Characteristics: []bluetooth.Characteristic{p.Characteristic}})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventNotifyChanged, Characteristic: p.Characteristic, Enabled: true})
	waitState(t, c, bluetooth.StateReady)
}

func TestNewCommandChannelValidatesConfig(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)

	if _, err := bluetooth.NewCommandChannel(nil, bluetooth.DefaultChannelConfig()); err == nil {
		t.Error("Expected nil adapter to be rejected")
	}
	cfg := bluetooth.DefaultChannelConfig()
	cfg.ServiceUUID = bluetooth.NilUUID
	if _, err := bluetooth.NewCommandChannel(a, cfg); err == nil {
		t.Error("Expected missing service uuid to be rejected")
	}
	cfg = bluetooth.DefaultChannelConfig()
	cfg.StepTimeout = -time.Second
	if _, err := bluetooth.NewCommandChannel(a, cfg); err == nil {
		t.Error("Expected negative step timeout to be rejected")
	}
}

func TestConnectSequence(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	want := []bluetooth.State{
		bluetooth.StateScanning,
		bluetooth.StateConnecting,
		bluetooth.StateDiscoveringServices,
		bluetooth.StateDiscoveringCharacteristics,
		bluetooth.StateSubscribing,
		bluetooth.StateReady,
	}
	waitFor(t, "all transitions", func() bool { return len(r.states()) >= len(want) })
	got := r.states()
	for i, st := range want {
		if got[i] != st {
			t.Fatalf("Expected transitions %v, got %v", want, got)
		}
	}

	calls := a.Calls()
	ops := make([]string, 0, len(calls))
	for _, call := range calls {
		ops = append(ops, call.Op)
	}
	wantOps := []string{
		fake.OpScan, fake.OpStopScan, fake.OpConnect, fake.OpDiscoverServices,
		fake.OpDiscoverCharacteristics, fake.OpSetNotify,
	}
	if len(ops) != len(wantOps) {
		t.Fatalf("Expected calls %v, got %v", wantOps, ops)
	}
	for i := range wantOps {
		if ops[i] != wantOps[i] {
			t.Fatalf("Expected calls %v, got %v", wantOps, ops)
		}
	}
	if calls[0].UUID != bluetooth.DefaultServiceUUID {
		t.Errorf("Expected scan filtered by %v, got %v", bluetooth.DefaultServiceUUID, calls[0].UUID)
	}
	if !calls[5].Enabled || calls[5].Char.UUID != bluetooth.DefaultCharacteristicUUID {
		t.Errorf("Expected notifications enabled on command characteristic, got %+v", calls[5])
	}

	peer, ok := c.Peer()
	if !ok || peer.Address != testAddress {
		t.Errorf("Expected peer %s, got %+v (%v)", testAddress, peer, ok)
	}
}

func TestStartScanningAdapterNotReady(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOff)
	c, _ := newClient(t, a, bluetooth.DefaultChannelConfig())

	err := c.StartScanning()
	if !errors.Is(err, bluetooth.ErrAdapterNotReady) {
		t.Fatalf("Expected ErrAdapterNotReady, got %v", err)
	}
	if a.CallCount(fake.OpScan) != 0 {
		t.Error("Expected no scan to be issued")
	}
	if c.State() != bluetooth.StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
}

func TestStartScanningIsNoOpWhenActive(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, _ := newClient(t, a, bluetooth.DefaultChannelConfig())

	if err := c.StartScanning(); err != nil {
		t.Fatalf("Failed to start scanning: %v", err)
	}
	if err := c.StartScanning(); err != nil {
		t.Fatalf("Second StartScanning failed: %v", err)
	}
	if n := a.CallCount(fake.OpScan); n != 1 {
		t.Errorf("Expected 1 scan, got %d", n)
	}

	if err := c.StopScanning(); err != nil {
		t.Fatalf("Failed to stop scanning: %v", err)
	}
	if c.State() != bluetooth.StateIdle {
		t.Errorf("Expected idle after stop, got %s", c.State())
	}
	if a.CallCount(fake.OpStopScan) != 1 {
		t.Error("Expected scan to be stopped on the adapter")
	}
}

func TestAdapterStateCallback(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOff)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())

	a.SetState(bluetooth.AdapterPoweredOn)
	waitFor(t, "adapter state callback", func() bool { return len(r.adapterStates()) == 1 })
	if got := r.adapterStates()[0]; got != bluetooth.AdapterPoweredOn {
		t.Errorf("Expected powered_on, got %v", got)
	}
	if err := c.StartScanning(); err != nil {
		t.Errorf("Expected scanning to start once powered on, got %v", err)
	}
}

func TestSendCommandRequiresReady(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, _ := newClient(t, a, bluetooth.DefaultChannelConfig())

	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected while idle, got %v", err)
	}

	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)
	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	waitState(t, c, bluetooth.StateDiscoveringServices)

	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected during discovery, got %v", err)
	}
	if len(a.Written()) != 0 {
		t.Error("Expected no write before the channel is ready")
	}
	if err := c.SendCommand(bluetooth.Command(0)); err == nil {
		t.Error("Expected invalid command to be rejected")
	}
}

func TestSendCommandWritesName(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	for _, cmd := range bluetooth.Commands() {
		if err := c.SendCommand(cmd); err != nil {
			t.Fatalf("Failed to send %v: %v", cmd, err)
		}
	}
	written := a.Written()
	if len(written) != len(bluetooth.Commands()) {
		t.Fatalf("Expected %d writes, got %d", len(bluetooth.Commands()), len(written))
	}
	for i, cmd := range bluetooth.Commands() {
		if string(written[i]) != cmd.String() {
			t.Errorf("Expected payload '%s', got '%s'", cmd.String(), string(written[i]))
		}
	}
	for _, call := range a.Calls() {
		if call.Op == fake.OpWrite && !call.WithResponse {
			t.Error("Expected write with response by default")
		}
	}

	waitFor(t, "command_sent statuses", func() bool { return r.count(bluetooth.StatusCommandSent) == 7 })
	if got := c.Stats().CommandsSent; got != 7 {
		t.Errorf("Expected 7 commands sent, got %d", got)
	}
}

func TestSendCommandWithoutResponse(t *testing.T) {
	cfg := bluetooth.DefaultChannelConfig()
	cfg.WriteWithoutResponse = true
	a, c, _ := readyAutoClient(t, cfg)

	if err := c.SendCommand(bluetooth.CommandStop); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	calls := a.Calls()
	last := calls[len(calls)-1]
	if last.Op != fake.OpWrite || last.WithResponse {
		t.Errorf("Expected write without response, got %+v", last)
	}
}

func TestWriteFailures(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)
	driveToReady(t, a, c, p)

	// Rejected synchronously by the adapter.
	a.FailNext(fake.OpWrite, errors.New("not permitted"))
	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed, got %v", err)
	}

	// Failed asynchronously by the peripheral.
	if err := c.SendCommand(bluetooth.CommandPause); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventWriteCompleted, Characteristic: p.Characteristic, Err: errors.New("att error")})

	waitFor(t, "two write failures", func() bool { return r.count(bluetooth.StatusWriteFailed) == 2 })
	if got := c.Stats().WriteFailures; got != 2 {
		t.Errorf("Expected 2 write failures, got %d", got)
	}
	if c.State() != bluetooth.StateReady {
		t.Errorf("Expected to stay ready after write failure, got %s", c.State())
	}
}

func TestInboundCommandDeliveredOnce(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	a.Notify([]byte("pause"))
	a.Notify([]byte("volumeDown"))
	waitFor(t, "two commands", func() bool { return len(r.received()) == 2 })
	c.Close()

	got := r.received()
	if len(got) != 2 || got[0] != bluetooth.CommandPause || got[1] != bluetooth.CommandVolumeDown {
		t.Errorf("Expected [pause volumeDown], got %v", got)
	}
	if n := c.Stats().CommandsReceived; n != 2 {
		t.Errorf("Expected 2 commands received, got %d", n)
	}
}

func TestInvalidNotificationCounted(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	a.Notify([]byte("rewind"))
	a.Notify([]byte{0xff, 0x00})
	a.Notify([]byte("play"))

	waitFor(t, "valid command after invalid ones", func() bool { return len(r.received()) == 1 })
	if got := c.Stats().DecodeFailures; got != 2 {
		t.Errorf("Expected 2 decode failures, got %d", got)
	}
	s := waitStatus(t, r, bluetooth.StatusDecodeFailed)
	if !errors.Is(s.Err, bluetooth.ErrDecodeFailed) {
		t.Errorf("Expected ErrDecodeFailed, got %v", s.Err)
	}
	if r.received()[0] != bluetooth.CommandPlay {
		t.Errorf("Expected play, got %v", r.received()[0])
	}
	if c.State() != bluetooth.StateReady {
		t.Errorf("Expected to stay ready, got %s", c.State())
	}
}

func TestCallbackMayCallClient(t *testing.T) {
	a, c, _ := newAutoClient(t, bluetooth.DefaultChannelConfig())

	echoed := make(chan error, 1)
	c.SetCommandCallback(func(cmd bluetooth.Command) {
		echoed <- c.SendCommand(cmd)
	})
	if err := c.StartScanning(); err != nil {
		t.Fatalf("Failed to start scanning: %v", err)
	}
	waitState(t, c, bluetooth.StateReady)

	a.Notify([]byte("seekForward"))
	select {
	case err := <-echoed:
		if err != nil {
			t.Fatalf("Echo failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Callback deadlocked calling back into the client")
	}
	written := a.Written()
	if len(written) != 1 || string(written[0]) != "seekForward" {
		t.Errorf("Expected echoed seekForward, got %q", written)
	}
}

func TestNotificationsIgnoredWhenNotReady(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventValueUpdated, Characteristic: p.Characteristic, Value: []byte("play")})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	c.StopScanning()
	c.Close()

	if len(r.received()) != 0 {
		t.Errorf("Expected no commands, got %v", r.received())
	}
	if c.Stats().DecodeFailures != 0 {
		t.Error("Expected ignored notification not to count as decode failure")
	}
	if a.CallCount(fake.OpDiscoverServices) != 0 {
		t.Error("Expected stray connect event to be ignored")
	}
}

func TestPeerWithoutServiceIgnored(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, _ := newClient(t, a, bluetooth.DefaultChannelConfig())

	other := fake.NewPeripheral("11:22:33:44:55:66", bluetooth.MustParseUUID("0000180f-0000-1000-8000-00805f9b34fb"), bluetooth.DefaultCharacteristicUUID)
	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: other.Peer})
	c.StopScanning()

	if a.CallCount(fake.OpConnect) != 0 {
		t.Error("Expected no connect to a peer without the service")
	}
}

func TestConnectFailure(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	waitState(t, c, bluetooth.StateConnecting)
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnectFailed, Peer: p.Peer, Err: errors.New("le-connection-abort-by-local")})

	s := waitStatus(t, r, bluetooth.StatusConnectFailed)
	if !errors.Is(s.Err, bluetooth.ErrConnectFailed) {
		t.Errorf("Expected ErrConnectFailed, got %v", s.Err)
	}
	if s.Peer == nil || s.Peer.Address != testAddress {
		t.Errorf("Expected failed peer %s, got %+v", testAddress, s.Peer)
	}
	waitState(t, c, bluetooth.StateIdle)
	if _, ok := c.Peer(); ok {
		t.Error("Expected no peer after connect failure")
	}
	if got := c.Stats().ConnectFailures; got != 1 {
		t.Errorf("Expected 1 connect failure, got %d", got)
	}
}

func TestDiscoveryFailureRescans(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventServicesDiscovered, Peer: p.Peer, Err: errors.New("gatt error")})

	s := waitStatus(t, r, bluetooth.StatusDiscoveryFailed)
	if !errors.Is(s.Err, bluetooth.ErrDiscoveryFailed) {
		t.Errorf("Expected ErrDiscoveryFailed, got %v", s.Err)
	}
	waitState(t, c, bluetooth.StateScanning)
	if a.CallCount(fake.OpDisconnect) != 1 {
		t.Error("Expected the peer to be disconnected")
	}
	if a.CallCount(fake.OpScan) != 2 {
		t.Errorf("Expected a second scan, got %d scans", a.CallCount(fake.OpScan))
	}
	if got := c.Stats().DiscoveryFailures; got != 1 {
		t.Errorf("Expected 1 discovery failure, got %d", got)
	}
}

func TestDisconnectDuringCharacteristicDiscovery(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventServicesDiscovered, Peer: p.Peer, Services: []bluetooth.Service{p.Service}})
	waitState(t, c, bluetooth.StateDiscoveringCharacteristics)

	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventDisconnected, Peer: p.Peer})
	waitStatus(t, r, bluetooth.StatusDisconnected)
	waitState(t, c, bluetooth.StateScanning)
	if a.CallCount(fake.OpScan) != 2 {
		t.Errorf("Expected scanning to resume, got %d scans", a.CallCount(fake.OpScan))
	}
	if _, ok := c.Peer(); ok {
		t.Error("Expected peer to be cleared")
	}

	// A late result for the dropped peer must not resume the old sequence.
	// The adapter state event behind it marks when it has been handled.
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventCharacteristicsDiscovered, Service: p.Service, Characteristics: []bluetooth.Characteristic{p.Characteristic}})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventAdapterState, AdapterState: bluetooth.AdapterPoweredOn})
	waitFor(t, "adapter state callback", func() bool { return len(r.adapterStates()) == 1 })

	if n := a.CallCount(fake.OpSetNotify); n != 0 {
		t.Errorf("Expected no subscribe after disconnect, got %d", n)
	}
	if c.State() != bluetooth.StateScanning {
		t.Errorf("Expected scanning, got %s", c.State())
	}
}

func TestSubscribeFailure(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventServicesDiscovered, Peer: p.Peer, Services: []bluetooth.Service{p.Service}})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventCharacteristicsDiscovered, Service: p.Service, Characteristics: []bluetooth.Characteristic{p.Characteristic}})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventNotifyChanged, Characteristic: p.Characteristic, Err: errors.New("not permitted")})

	waitStatus(t, r, bluetooth.StatusDiscoveryFailed)
	waitState(t, c, bluetooth.StateScanning)
	for _, st := range r.states() {
		if st == bluetooth.StateReady {
			t.Fatal("Did not expect to reach ready without notifications")
		}
	}
}

func TestStepTimeout(t *testing.T) {
	cfg := bluetooth.DefaultChannelConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, cfg)
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)

	c.StartScanning()
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventPeerDiscovered, Peer: p.Peer})
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventConnected, Peer: p.Peer})
	// The peripheral lacks the service; discovery never completes.
	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventServicesDiscovered, Peer: p.Peer})

	s := waitStatus(t, r, bluetooth.StatusStepTimeout)
	if !errors.Is(s.Err, bluetooth.ErrStepTimeout) {
		t.Errorf("Expected ErrStepTimeout, got %v", s.Err)
	}
	waitState(t, c, bluetooth.StateScanning)
	if a.CallCount(fake.OpDisconnect) != 1 {
		t.Error("Expected the stalled peer to be disconnected")
	}
	if got := c.Stats().StepTimeouts; got != 1 {
		t.Errorf("Expected 1 step timeout, got %d", got)
	}
}

func TestReadyIsNotBoundedByStepTimeout(t *testing.T) {
	cfg := bluetooth.DefaultChannelConfig()
	cfg.StepTimeout = 30 * time.Millisecond
	_, c, r := readyAutoClient(t, cfg)

	time.Sleep(100 * time.Millisecond)
	if c.State() != bluetooth.StateReady {
		t.Errorf("Expected to stay ready, got %s", c.State())
	}
	if r.count(bluetooth.StatusStepTimeout) != 0 {
		t.Error("Did not expect a step timeout once ready")
	}
}

func TestPeerDisconnectReconnects(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	a.DropConnection()
	s := waitStatus(t, r, bluetooth.StatusDisconnected)
	if s.Peer == nil || s.Peer.Address != testAddress {
		t.Errorf("Expected disconnect of %s, got %+v", testAddress, s.Peer)
	}
	waitFor(t, "reconnect", func() bool { return a.CallCount(fake.OpConnect) == 2 })
	waitState(t, c, bluetooth.StateReady)
	if got := c.Stats().Disconnects; got != 1 {
		t.Errorf("Expected 1 disconnect, got %d", got)
	}
}

func TestSendAfterPeerDisconnect(t *testing.T) {
	a := fake.NewAdapter(bluetooth.AdapterPoweredOn)
	c, r := newClient(t, a, bluetooth.DefaultChannelConfig())
	p := fake.NewPeripheral(testAddress, bluetooth.DefaultServiceUUID, bluetooth.DefaultCharacteristicUUID)
	driveToReady(t, a, c, p)

	a.Emit(bluetooth.AdapterEvent{Kind: bluetooth.EventDisconnected, Peer: p.Peer})
	waitStatus(t, r, bluetooth.StatusDisconnected)
	waitState(t, c, bluetooth.StateScanning)

	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if _, ok := c.Peer(); ok {
		t.Error("Expected peer to be cleared")
	}
}

func TestAdapterLoss(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	a.SetState(bluetooth.AdapterPoweredOff)
	s := waitStatus(t, r, bluetooth.StatusAdapterLost)
	if !errors.Is(s.Err, bluetooth.ErrAdapterNotReady) {
		t.Errorf("Expected ErrAdapterNotReady, got %v", s.Err)
	}
	waitState(t, c, bluetooth.StateIdle)
	waitFor(t, "adapter state callback", func() bool { return len(r.adapterStates()) == 1 })
	if r.adapterStates()[0] != bluetooth.AdapterPoweredOff {
		t.Errorf("Expected powered_off, got %v", r.adapterStates()[0])
	}
	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := c.StartScanning(); !errors.Is(err, bluetooth.ErrAdapterNotReady) {
		t.Errorf("Expected ErrAdapterNotReady, got %v", err)
	}
}

func TestExplicitDisconnect(t *testing.T) {
	a, c, r := readyAutoClient(t, bluetooth.DefaultChannelConfig())
	if !a.Connected() {
		t.Fatal("Expected the peripheral to be connected once ready")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	if a.Connected() {
		t.Error("Expected the peripheral to be disconnected")
	}
	if c.State() != bluetooth.StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
	if a.CallCount(fake.OpDisconnect) != 1 {
		t.Error("Expected the adapter to disconnect the peer")
	}
	waitFor(t, "disconnecting transition", func() bool {
		for _, st := range r.states() {
			if st == bluetooth.StateDisconnecting {
				return true
			}
		}
		return false
	})

	// A late notification from the dropped peer is ignored.
	a.Notify([]byte("play"))
	c.Close()
	if len(r.received()) != 0 {
		t.Errorf("Expected no commands after disconnect, got %v", r.received())
	}
}

func TestCloseDisconnectsAndRejectsCalls(t *testing.T) {
	a, c, _ := readyAutoClient(t, bluetooth.DefaultChannelConfig())

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if a.CallCount(fake.OpDisconnect) != 1 {
		t.Error("Expected Close to disconnect the peer")
	}
	if c.State() != bluetooth.StateIdle {
		t.Errorf("Expected idle after close, got %s", c.State())
	}
	if err := c.SendCommand(bluetooth.CommandPlay); !errors.Is(err, bluetooth.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := c.StartScanning(); !errors.Is(err, bluetooth.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

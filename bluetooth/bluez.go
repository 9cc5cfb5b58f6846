package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	log "github.com/mgutz/logxi/v1"
	"github.com/pkg/errors"
)

var bluezLogger = log.New("bluez")

// BluezAdapter implements Adapter on top of BlueZ over the system D-Bus.
type BluezAdapter struct {
	conn        *dbus.Conn
	ownsConn    bool
	adapterPath dbus.ObjectPath
	logger      log.Logger

	events   chan AdapterEvent
	sigChan  chan *dbus.Signal
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	rules    []string

	opsMu   sync.Mutex
	pending []func()
	opsWake chan struct{}

	mu         sync.RWMutex
	state      AdapterState
	scanning   bool
	scanFilter UUID
	seen       map[dbus.ObjectPath]bool
	connected  map[dbus.ObjectPath]Peer
	notifying  map[dbus.ObjectPath]Characteristic
	closeOnce  sync.Once
}

// NewBluezAdapter opens a private system bus connection and binds to the named
// adapter ("hci0" when empty).
func NewBluezAdapter(adapterName string) (*BluezAdapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to system bus")
	}
	a, err := NewBluezAdapterWithConn(conn, adapterName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.ownsConn = true
	return a, nil
}

// NewBluezAdapterWithConn binds to the named adapter over an existing connection.
// The connection is not closed by Close.
func NewBluezAdapterWithConn(conn *dbus.Conn, adapterName string) (*BluezAdapter, error) {
	if adapterName == "" {
		adapterName = DEFAULT_ADAPTER_NAME
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &BluezAdapter{
		conn:        conn,
		adapterPath: adapterPathFor(adapterName),
		logger:      bluezLogger,
		events:      make(chan AdapterEvent, eventBufferSize),
		sigChan:     make(chan *dbus.Signal, eventBufferSize),
		opsWake:     make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		seen:        make(map[dbus.ObjectPath]bool),
		connected:   make(map[dbus.ObjectPath]Peer),
		notifying:   make(map[dbus.ObjectPath]Characteristic),
	}

	objects, err := a.managedObjects()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "is bluetooth.service running?")
	}
	props, ok := objects[a.adapterPath][BLUEZ_ADAPTER_INTERFACE]
	if !ok {
		cancel()
		return nil, errors.Errorf("bluetooth adapter %s not found", a.adapterPath)
	}
	if powered, ok := boolProp(props, "Powered"); ok {
		a.state = adapterStateFromPowered(powered)
	}

	if err := a.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	a.wg.Add(2)
	go a.watchSignals()
	go a.processOps()

	a.logger.Info("bluez adapter ready", "adapter", a.adapterPath, "state", a.state)
	return a, nil
}

// SetLogger replaces the adapter logger. Call before use.
func (a *BluezAdapter) SetLogger(l log.Logger) {
	if l != nil {
		a.logger = l
	}
}

// Close removes signal subscriptions and stops the adapter goroutines.
func (a *BluezAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		close(a.stopChan)
		a.conn.RemoveSignal(a.sigChan)
		for _, rule := range a.rules {
			a.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		}
		a.wg.Wait()
		if a.ownsConn {
			a.conn.Close()
		}
	})
	return nil
}

func (a *BluezAdapter) State() AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *BluezAdapter) Events() <-chan AdapterEvent {
	return a.events
}

func (a *BluezAdapter) Scan(service UUID) error {
	if st := a.State(); !st.Ready() {
		return newError(ErrAdapterNotReady, "scan", errors.Errorf("adapter is %s", st))
	}
	adapter := a.conn.Object(BLUEZ_BUS_NAME, a.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"UUIDs":         dbus.MakeVariant([]string{service.String()}),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; peers are still filtered below.
		a.logger.Warn("set discovery filter failed", "err", err)
	}

	a.mu.Lock()
	a.scanning = true
	a.scanFilter = service
	a.seen = make(map[dbus.ObjectPath]bool)
	a.mu.Unlock()

	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil && !isBluezError(err, "InProgress") {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		return errors.Wrap(err, "start discovery")
	}
	a.logger.Info("discovery started", "service", service)

	// BlueZ keeps devices it saw earlier; report those that already match.
	a.enqueue(a.reportKnownDevices)
	return nil
}

func (a *BluezAdapter) StopScan() error {
	a.mu.Lock()
	wasScanning := a.scanning
	a.scanning = false
	a.mu.Unlock()
	if !wasScanning {
		return nil
	}

	adapter := a.conn.Object(BLUEZ_BUS_NAME, a.adapterPath)
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err; err != nil && !isBluezError(err, "NotReady") {
		return errors.Wrap(err, "stop discovery")
	}
	a.logger.Info("discovery stopped")
	return nil
}

func (a *BluezAdapter) Connect(peer Peer) error {
	if st := a.State(); !st.Ready() {
		return newError(ErrAdapterNotReady, "connect", errors.Errorf("adapter is %s", st))
	}
	path := dbus.ObjectPath(peer.ID)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("connecting", "peer", peer.Address)
		err := a.conn.Object(BLUEZ_BUS_NAME, path).CallWithContext(a.ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err
		if err != nil && !isBluezError(err, "AlreadyConnected") {
			a.emit(AdapterEvent{Kind: EventConnectFailed, Peer: peer, Err: err})
			return
		}
		a.mu.Lock()
		a.connected[path] = peer
		a.mu.Unlock()
		a.emit(AdapterEvent{Kind: EventConnected, Peer: peer})
	}()
	return nil
}

func (a *BluezAdapter) Disconnect(peer Peer) error {
	path := dbus.ObjectPath(peer.ID)
	a.mu.Lock()
	delete(a.connected, path)
	for p := range a.notifying {
		if isChildOf(p, path) {
			delete(a.notifying, p)
		}
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.conn.Object(BLUEZ_BUS_NAME, path).Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
			a.logger.Warn("disconnect failed", "peer", peer.Address, "err", err)
		}
	}()
	return nil
}

func (a *BluezAdapter) DiscoverServices(peer Peer, service UUID) error {
	path := dbus.ObjectPath(peer.ID)
	return a.enqueue(func() {
		ev := AdapterEvent{Kind: EventServicesDiscovered, Peer: peer}
		if err := a.waitServicesResolved(path); err != nil {
			ev.Err = err
			a.emit(ev)
			return
		}
		objects, err := a.managedObjects()
		if err != nil {
			ev.Err = err
			a.emit(ev)
			return
		}
		ev.Services = servicesOf(objects, path, service)
		a.logger.Debug("services discovered", "peer", peer.Address, "count", len(ev.Services))
		a.emit(ev)
	})
}

func (a *BluezAdapter) DiscoverCharacteristics(svc Service, characteristic UUID) error {
	return a.enqueue(func() {
		ev := AdapterEvent{Kind: EventCharacteristicsDiscovered, Service: svc}
		objects, err := a.managedObjects()
		if err != nil {
			ev.Err = err
			a.emit(ev)
			return
		}
		ev.Characteristics = characteristicsOf(objects, dbus.ObjectPath(svc.ID), characteristic)
		a.logger.Debug("characteristics discovered", "service", svc.UUID, "count", len(ev.Characteristics))
		a.emit(ev)
	})
}

func (a *BluezAdapter) SetNotify(ch Characteristic, enabled bool) error {
	return a.enqueue(func() {
		path := dbus.ObjectPath(ch.ID)
		method := BLUEZ_GATT_CHAR_INTERFACE + ".StartNotify"
		if !enabled {
			method = BLUEZ_GATT_CHAR_INTERFACE + ".StopNotify"
		}
		err := a.conn.Object(BLUEZ_BUS_NAME, path).Call(method, 0).Err
		if err == nil {
			a.mu.Lock()
			if enabled {
				a.notifying[path] = ch
			} else {
				delete(a.notifying, path)
			}
			a.mu.Unlock()
		}
		a.emit(AdapterEvent{Kind: EventNotifyChanged, Characteristic: ch, Enabled: enabled && err == nil, Err: err})
	})
}

func (a *BluezAdapter) Write(ch Characteristic, data []byte, withResponse bool) error {
	payload := append([]byte(nil), data...)
	return a.enqueue(func() {
		writeType := "request"
		if !withResponse {
			writeType = "command"
		}
		opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
		err := a.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(ch.ID)).
			Call(BLUEZ_GATT_CHAR_INTERFACE+".WriteValue", 0, payload, opts).Err
		a.emit(AdapterEvent{Kind: EventWriteCompleted, Characteristic: ch, Err: err})
	})
}

// enqueue runs GATT operations one at a time, in call order. It never blocks;
// the queue is drained by processOps.
func (a *BluezAdapter) enqueue(op func()) error {
	select {
	case <-a.stopChan:
		return errors.New("bluez adapter closed")
	default:
	}

	a.opsMu.Lock()
	a.pending = append(a.pending, op)
	a.opsMu.Unlock()

	select {
	case a.opsWake <- struct{}{}:
	default:
	}
	return nil
}

func (a *BluezAdapter) nextOp() (func(), bool) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if len(a.pending) == 0 {
		return nil, false
	}
	op := a.pending[0]
	a.pending[0] = nil
	a.pending = a.pending[1:]
	return op, true
}

func (a *BluezAdapter) processOps() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopChan:
			return
		case <-a.opsWake:
		}
		for {
			select {
			case <-a.stopChan:
				return
			default:
			}
			op, ok := a.nextOp()
			if !ok {
				break
			}
			op()
		}
	}
}

func (a *BluezAdapter) emit(ev AdapterEvent) {
	select {
	case a.events <- ev:
	case <-a.stopChan:
	}
}

func (a *BluezAdapter) managedObjects() (managedObjects, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := a.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER_INTERFACE+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, errors.Wrap(err, "get managed objects")
	}
	return managedObjects(objects), nil
}

func (a *BluezAdapter) deviceProperties(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	obj := a.conn.Object(BLUEZ_BUS_NAME, path)
	if err := obj.Call(DBUS_PROPERTIES_INTERFACE+".GetAll", 0, BLUEZ_DEVICE_INTERFACE).Store(&props); err != nil {
		return nil, errors.Wrapf(err, "get properties of %s", path)
	}
	return props, nil
}

// waitServicesResolved polls Device1.ServicesResolved until BlueZ has walked the GATT database.
func (a *BluezAdapter) waitServicesResolved(path dbus.ObjectPath) error {
	obj := a.conn.Object(BLUEZ_BUS_NAME, path)
	deadline := time.Now().Add(ServicesResolvedTimeout)
	for {
		var resolved bool
		err := obj.Call(DBUS_PROPERTIES_INTERFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return errors.Wrap(err, "services not resolved")
			}
			return errors.Errorf("services not resolved within %v", ServicesResolvedTimeout)
		}
		select {
		case <-a.stopChan:
			return errors.New("bluez adapter closed")
		case <-time.After(servicesResolvedPoll):
		}
	}
}

func (a *BluezAdapter) reportKnownDevices() {
	objects, err := a.managedObjects()
	if err != nil {
		a.logger.Warn("list known devices failed", "err", err)
		return
	}
	for path, ifaces := range objects {
		if props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]; ok {
			a.considerPeer(path, props)
		}
	}
}

// considerPeer reports a device once per scan if it advertises the scan service.
func (a *BluezAdapter) considerPeer(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !isChildOf(path, a.adapterPath) {
		return
	}
	p := peerFromProperties(path, props)

	a.mu.Lock()
	if !a.scanning || a.seen[path] || !containsUUID(p.Services, a.scanFilter) {
		a.mu.Unlock()
		return
	}
	a.seen[path] = true
	a.mu.Unlock()

	a.logger.Debug("peer discovered", "peer", p.Address, "name", p.Name, "rssi", p.RSSI)
	a.emit(AdapterEvent{Kind: EventPeerDiscovered, Peer: p})
}

func (a *BluezAdapter) subscribe() error {
	a.rules = []string{
		fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'", DBUS_PROPERTIES_INTERFACE, BLUEZ_OBJECT_PATH),
		fmt.Sprintf("type='signal',interface='%s',member='InterfacesAdded'", DBUS_OBJECT_MANAGER_INTERFACE),
	}
	for _, rule := range a.rules {
		if err := a.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return errors.Wrapf(err, "add match %q", rule)
		}
	}
	a.conn.Signal(a.sigChan)
	return nil
}

func (a *BluezAdapter) watchSignals() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopChan:
			return
		case sig, ok := <-a.sigChan:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

func (a *BluezAdapter) handleSignal(sig *dbus.Signal) {
	if path, ifaces, ok := interfacesAdded(sig); ok {
		if props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]; ok {
			a.considerPeer(path, props)
		}
		return
	}

	iface, changed, ok := propertiesChanged(sig)
	if !ok {
		return
	}
	switch iface {
	case BLUEZ_ADAPTER_INTERFACE:
		if sig.Path != a.adapterPath {
			return
		}
		if powered, ok := boolProp(changed, "Powered"); ok {
			st := adapterStateFromPowered(powered)
			a.mu.Lock()
			a.state = st
			if !powered {
				a.scanning = false
				a.connected = make(map[dbus.ObjectPath]Peer)
				a.notifying = make(map[dbus.ObjectPath]Characteristic)
			}
			a.mu.Unlock()
			a.emit(AdapterEvent{Kind: EventAdapterState, AdapterState: st})
		}

	case BLUEZ_DEVICE_INTERFACE:
		if connected, ok := boolProp(changed, "Connected"); ok && !connected {
			a.mu.Lock()
			peer, tracked := a.connected[sig.Path]
			delete(a.connected, sig.Path)
			a.mu.Unlock()
			if tracked {
				a.emit(AdapterEvent{Kind: EventDisconnected, Peer: peer})
			}
			return
		}
		if _, ok := changed["UUIDs"]; ok {
			a.mu.RLock()
			scanning := a.scanning
			a.mu.RUnlock()
			if !scanning {
				return
			}
			props, err := a.deviceProperties(sig.Path)
			if err != nil {
				a.logger.Debug("read device properties failed", "err", err)
				return
			}
			a.considerPeer(sig.Path, props)
		}

	case BLUEZ_GATT_CHAR_INTERFACE:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		a.mu.RLock()
		ch, subscribed := a.notifying[sig.Path]
		a.mu.RUnlock()
		if !subscribed {
			return
		}
		value, ok := v.Value().([]byte)
		if !ok {
			a.logger.Debug("unexpected value type", "path", sig.Path)
			return
		}
		a.emit(AdapterEvent{Kind: EventValueUpdated, Characteristic: ch, Value: value})
	}
}

// isBluezError matches BlueZ error names such as org.bluez.Error.InProgress.
func isBluezError(err error, name string) bool {
	if err == nil {
		return false
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.bluez.Error."+name
	}
	return strings.Contains(err.Error(), name)
}

package bluetooth

// AdapterState is the radio state reported by the platform adapter.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	}
	return "unknown"
}

// Ready reports whether radio operations may be issued.
func (s AdapterState) Ready() bool { return s == AdapterPoweredOn }

// MarshalText renders the state by name.
func (s AdapterState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Peer is a discovered peripheral. ID is an adapter-specific handle.
type Peer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	RSSI     int16  `json:"rssi,omitempty"`
	Services []UUID `json:"services,omitempty"`
}

// Service is a GATT service resolved on a peer.
type Service struct {
	ID     string `json:"id"`
	PeerID string `json:"peer_id"`
	UUID   UUID   `json:"uuid"`
}

// Characteristic is a GATT characteristic resolved on a service.
type Characteristic struct {
	ID        string   `json:"id"`
	ServiceID string   `json:"service_id"`
	UUID      UUID     `json:"uuid"`
	Flags     []string `json:"flags,omitempty"`
}

// EventKind identifies an adapter event.
type EventKind int

const (
	EventAdapterState EventKind = iota + 1
	EventPeerDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventNotifyChanged
	EventWriteCompleted
	EventValueUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventAdapterState:
		return "adapter_state"
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics_discovered"
	case EventNotifyChanged:
		return "notify_changed"
	case EventWriteCompleted:
		return "write_completed"
	case EventValueUpdated:
		return "value_updated"
	}
	return "unknown"
}

// AdapterEvent is a completion or notification pushed by an Adapter. Only the
// fields relevant to Kind are set.
type AdapterEvent struct {
	Kind            EventKind
	AdapterState    AdapterState
	Peer            Peer
	Service         Service
	Services        []Service
	Characteristic  Characteristic
	Characteristics []Characteristic
	Enabled         bool
	Value           []byte
	Err             error
}

// Adapter is the central-role capability set the command channel drives.
// Methods start an operation and return an error only when it cannot be
// issued; completions arrive on Events.
type Adapter interface {
	State() AdapterState
	Events() <-chan AdapterEvent

	Scan(service UUID) error
	StopScan() error
	Connect(peer Peer) error
	Disconnect(peer Peer) error
	DiscoverServices(peer Peer, service UUID) error
	DiscoverCharacteristics(svc Service, characteristic UUID) error
	SetNotify(ch Characteristic, enabled bool) error
	Write(ch Characteristic, data []byte, withResponse bool) error
}

package bluetooth

// State of the command channel.
type State string

const (
	StateIdle                       State = "idle"
	StateScanning                   State = "scanning"
	StateConnecting                 State = "connecting"
	StateDiscoveringServices        State = "discovering_services"
	StateDiscoveringCharacteristics State = "discovering_characteristics"
	StateSubscribing                State = "subscribing"
	StateReady                      State = "ready"
	StateDisconnecting              State = "disconnecting"
)

// Connected reports whether a peer is held in this state.
func (s State) Connected() bool {
	switch s {
	case StateConnecting, StateDiscoveringServices, StateDiscoveringCharacteristics,
		StateSubscribing, StateReady, StateDisconnecting:
		return true
	}
	return false
}

// awaitsStep reports whether the state waits on an adapter completion bounded by the step timeout.
func (s State) awaitsStep() bool {
	switch s {
	case StateConnecting, StateDiscoveringServices, StateDiscoveringCharacteristics, StateSubscribing:
		return true
	}
	return false
}

// StatusType identifies a status notification.
type StatusType string

const (
	StatusStateChanged    StatusType = "state_changed"
	StatusConnectFailed   StatusType = "connect_failed"
	StatusDiscoveryFailed StatusType = "discovery_failed"
	StatusDisconnected    StatusType = "disconnected"
	StatusStepTimeout     StatusType = "step_timeout"
	StatusCommandSent     StatusType = "command_sent"
	StatusWriteFailed     StatusType = "write_failed"
	StatusDecodeFailed    StatusType = "decode_failed"
	StatusAdapterLost     StatusType = "adapter_lost"
)

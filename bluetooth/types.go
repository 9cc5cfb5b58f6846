package bluetooth

import (
	"time"

	log "github.com/mgutz/logxi/v1"
)

// ChannelConfig identifies the command channel and bounds its discovery steps.
type ChannelConfig struct {
	ServiceUUID        UUID
	CharacteristicUUID UUID

	// StepTimeout bounds connect, service discovery, characteristic discovery
	// and subscribe. Zero disables the timeout.
	StepTimeout time.Duration

	// WriteWithoutResponse switches command writes to write-command semantics.
	WriteWithoutResponse bool

	// Logger defaults to the package logger.
	Logger log.Logger
}

// DefaultChannelConfig returns the factory channel identity.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		StepTimeout:        DefaultStepTimeout,
	}
}

// Status is emitted on every state transition and every asynchronous failure.
type Status struct {
	Type      StatusType `json:"type"`
	State     State      `json:"state"`
	Peer      *Peer      `json:"peer,omitempty"`
	Command   Command    `json:"command,omitempty"`
	Err       error      `json:"-"`
	Timestamp time.Time  `json:"timestamp"`
}

// Stats are monotonically increasing counters for one CommandChannel.
type Stats struct {
	CommandsSent      uint64 `json:"commands_sent"`
	CommandsReceived  uint64 `json:"commands_received"`
	DecodeFailures    uint64 `json:"decode_failures"`
	WriteFailures     uint64 `json:"write_failures"`
	ConnectFailures   uint64 `json:"connect_failures"`
	DiscoveryFailures uint64 `json:"discovery_failures"`
	StepTimeouts      uint64 `json:"step_timeouts"`
	Disconnects       uint64 `json:"disconnects"`
}

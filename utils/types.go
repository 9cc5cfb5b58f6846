package utils

import (
	"time"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
)

// WebSocket event types
const (
	EventChannelStatus   = "channel_status"
	EventCommandReceived = "command_received"
	EventAdapterState    = "adapter_state"
	EventSnapshot        = "snapshot"
)

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ChannelStatusPayload mirrors bluetooth.Status with the error rendered as text.
type ChannelStatusPayload struct {
	Status    bluetooth.StatusType `json:"status"`
	State     bluetooth.State      `json:"state"`
	Peer      *bluetooth.Peer      `json:"peer,omitempty"`
	Command   string               `json:"command,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

type CommandReceivedPayload struct {
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
}

type AdapterStatePayload struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`
}

// ChannelSnapshot is the answer to a status query.
type ChannelSnapshot struct {
	State        bluetooth.State `json:"state"`
	AdapterState string          `json:"adapter_state"`
	Peer         *bluetooth.Peer `json:"peer,omitempty"`
	Stats        bluetooth.Stats `json:"stats"`
	Clients      int             `json:"clients"`
}

// NewChannelStatusPayload converts a client status for the wire.
func NewChannelStatusPayload(s bluetooth.Status) ChannelStatusPayload {
	p := ChannelStatusPayload{
		Status:    s.Type,
		State:     s.State,
		Peer:      s.Peer,
		Timestamp: s.Timestamp.UnixMilli(),
	}
	if s.Command.Valid() {
		p.Command = s.Command.String()
	}
	if s.Err != nil {
		p.Error = s.Err.Error()
	}
	if s.Timestamp.IsZero() {
		p.Timestamp = time.Now().UnixMilli()
	}
	return p
}

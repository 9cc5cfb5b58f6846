package utils

import (
	"time"

	"github.com/sounddoctrine-de/sdo-devicekit/bluetooth"
)

// WebSocketBroadcaster provides high-level broadcasting functions for command channel events
type WebSocketBroadcaster struct {
	wsHub *WebSocketHub
}

// NewWebSocketBroadcaster creates a new broadcaster instance
func NewWebSocketBroadcaster(wsHub *WebSocketHub) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		wsHub: wsHub,
	}
}

// BroadcastStatus forwards a state transition or failure to WebSocket clients.
func (b *WebSocketBroadcaster) BroadcastStatus(s bluetooth.Status) {
	logger.Debug("broadcasting status", "status", s.Type, "state", s.State)

	b.wsHub.Broadcast(WebSocketEvent{
		Type:    EventChannelStatus,
		Payload: NewChannelStatusPayload(s),
	})
}

// BroadcastCommand forwards a command received from the peripheral.
func (b *WebSocketBroadcaster) BroadcastCommand(cmd bluetooth.Command) {
	logger.Info("broadcasting command", "command", cmd)

	b.wsHub.Broadcast(WebSocketEvent{
		Type: EventCommandReceived,
		Payload: CommandReceivedPayload{
			Command:   cmd.String(),
			Timestamp: time.Now().UnixMilli(),
		},
	})
}

// BroadcastAdapterState forwards radio power changes.
func (b *WebSocketBroadcaster) BroadcastAdapterState(st bluetooth.AdapterState) {
	logger.Info("broadcasting adapter state", "state", st)

	b.wsHub.Broadcast(WebSocketEvent{
		Type: EventAdapterState,
		Payload: AdapterStatePayload{
			State: st.String(),
			Ready: st.Ready(),
		},
	})
}

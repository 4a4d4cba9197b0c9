package websocket

import "time"

// Event types pushed to a user's connected devices. The hub is push-only:
// clients never send anything meaningful upstream.
const (
	EventDeviceRevoked  = "device_revoked"
	EventDevicesRevoked = "devices_revoked"
	EventKeyDelivered   = "key_delivered"
)

type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

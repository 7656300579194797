// Package realtime provides the WebSocket layer for live cross-device
// synchronization: connection tracking, presence and message forwarding.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/models"
)

// MessageType tags every frame on the wire.
type MessageType string

const (
	MessageDeviceOnline       MessageType = "device_online"
	MessageDeviceOffline      MessageType = "device_offline"
	MessageDataUpdate         MessageType = "data_update"
	MessageChatMessage        MessageType = "chat_message"
	MessageFriendStatusUpdate MessageType = "friend_status_update"
	MessageSyncRequest        MessageType = "sync_request"
	MessageSyncResponse       MessageType = "sync_response"
	MessageHeartbeat          MessageType = "heartbeat"
)

// Message is the wire envelope for every realtime frame. The Data field
// carries the type-specific body and stays opaque to the forwarding layer.
type Message struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"user_id"`
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"timestamp"` // unix nanoseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope stamped with the current time.
func NewMessage(t MessageType, userID, deviceID string, data interface{}) (*Message, error) {
	msg := &Message{
		Type:      t,
		UserID:    userID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixNano(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// SyncRequestData is the body of a sync_request frame: the client asks
// for every change it has not seen since the given watermark.
type SyncRequestData struct {
	Since     int64             `json:"since"` // unix nanoseconds
	DataTypes []models.DataType `json:"data_types,omitempty"`
}

// SyncResponseData is the body of a sync_response frame.
type SyncResponseData struct {
	SyncToken string               `json:"sync_token"`
	Records   []*models.SyncRecord `json:"records"`
}

// PresenceData is the body of device_online and device_offline frames.
type PresenceData struct {
	DeviceType models.DeviceType `json:"device_type,omitempty"`
	DeviceName string            `json:"device_name,omitempty"`
}

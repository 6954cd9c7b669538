package server

import (
	"encoding/json"
	"time"
)

// MessageType defines the type of message pushed to event clients
type MessageType string

const (
	// Server -> Client message types
	MessageTypeInitialState       MessageType = "initial_state"
	MessageTypeDeviceOnline       MessageType = "device_online"
	MessageTypeDeviceOffline      MessageType = "device_offline"
	MessageTypePropertyChanged    MessageType = "property_changed"
	MessageTypeSubscriptionFailed MessageType = "subscription_failed"
	MessageTypeCommandResult      MessageType = "command_result"

	// Client -> Server message types
	MessageTypeDiscoverDevices MessageType = "discover_devices"
	MessageTypeListDevices     MessageType = "list_devices"
)

// Message is the base structure for all event-push messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeviceSummary describes one discovered device for UI clients
type DeviceSummary struct {
	UDN          string           `json:"udn"`
	DeviceType   string           `json:"deviceType"`
	FriendlyName string           `json:"friendlyName"`
	Manufacturer string           `json:"manufacturer"`
	ModelName    string           `json:"modelName"`
	Services     []ServiceSummary `json:"services,omitempty"`
}

// ServiceSummary describes one service of a discovered device
type ServiceSummary struct {
	ServiceID   string `json:"serviceId"`
	ServiceType string `json:"serviceType"`
	Evented     bool   `json:"evented"`
}

// DeviceOnlinePayload is the payload for device_online messages
type DeviceOnlinePayload struct {
	Device DeviceSummary `json:"device"`
}

// DeviceOfflinePayload is the payload for device_offline messages
type DeviceOfflinePayload struct {
	UDN string `json:"udn"`
}

// PropertyChangedPayload is the payload for property_changed messages
type PropertyChangedPayload struct {
	UDN       string `json:"udn"`
	ServiceID string `json:"serviceId"`
	Variable  string `json:"variable"`
	Value     string `json:"value"`
}

// SubscriptionFailedPayload is the payload for subscription_failed messages
type SubscriptionFailedPayload struct {
	ServiceID string `json:"serviceId"`
	Error     string `json:"error"`
}

// InitialStatePayload is sent to a client right after it connects
type InitialStatePayload struct {
	Devices []DeviceSummary `json:"devices"`
}

// newMessage marshals a payload into a push message
func newMessage(msgType MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now(),
	})
}

package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/controlpoint"
)

// recordingTransport records pushed messages instead of opening sockets
type recordingTransport struct {
	mu             sync.Mutex
	sent           map[string][][]byte
	broadcast      [][]byte
	messageHandler func(connID string, message []byte) error
	connectHandler func(connID string) error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[string][][]byte)}
}

func (t *recordingTransport) Start(StartOptions) error { return nil }
func (t *recordingTransport) Stop() error              { return nil }

func (t *recordingTransport) SetMessageHandler(h func(connID string, message []byte) error) {
	t.messageHandler = h
}

func (t *recordingTransport) SetConnectHandler(h func(connID string) error) {
	t.connectHandler = h
}

func (t *recordingTransport) SendMessage(connID string, message []byte) error {
	t.mu.Lock()
	t.sent[connID] = append(t.sent[connID], message)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) BroadcastMessage(message []byte) error {
	t.mu.Lock()
	t.broadcast = append(t.broadcast, message)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) lastBroadcast() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.broadcast) == 0 {
		return nil
	}
	return t.broadcast[len(t.broadcast)-1]
}

func newTestDevice(t *testing.T) *upnp.Device {
	t.Helper()
	dt, err := upnp.ParseResourceType("urn:schemas-upnp-org:device:Basic:1")
	require.NoError(t, err)
	d, err := upnp.NewDevice(upnp.DeviceInfo{
		DeviceType:   dt,
		FriendlyName: "Push Test",
		Manufacturer: "Acme",
		ModelName:    "P1",
		UDN:          upnp.NewUDN(),
	})
	require.NoError(t, err)
	return d
}

func TestEventServerInitialState(t *testing.T) {
	cp := controlpoint.NewControlPoint(controlpoint.Config{})
	device := newTestDevice(t)
	require.NoError(t, cp.Storage().Add(device, "http://x/desc.xml", 0))

	transport := newRecordingTransport()
	s := NewEventServer(context.Background(), cp, transport)
	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, transport.connectHandler("c1"))

	transport.mu.Lock()
	messages := transport.sent["c1"]
	transport.mu.Unlock()
	require.Len(t, messages, 1)

	var msg Message
	require.NoError(t, json.Unmarshal(messages[0], &msg))
	assert.Equal(t, MessageTypeInitialState, msg.Type)

	var payload InitialStatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Len(t, payload.Devices, 1)
	assert.Equal(t, "Push Test", payload.Devices[0].FriendlyName)
	assert.Equal(t, device.UDN().String(), payload.Devices[0].UDN)
}

func TestEventServerRelay(t *testing.T) {
	cp := controlpoint.NewControlPoint(controlpoint.Config{})
	transport := newRecordingTransport()
	s := NewEventServer(context.Background(), cp, transport)
	t.Cleanup(func() { _ = s.Stop() })

	device := newTestDevice(t)
	s.relay(controlpoint.Event{Type: controlpoint.RootDeviceOnline, UDN: device.UDN().String(), Device: device})

	var msg Message
	require.NoError(t, json.Unmarshal(transport.lastBroadcast(), &msg))
	assert.Equal(t, MessageTypeDeviceOnline, msg.Type)

	s.relay(controlpoint.Event{Type: controlpoint.RootDeviceOffline, UDN: device.UDN().String()})
	require.NoError(t, json.Unmarshal(transport.lastBroadcast(), &msg))
	assert.Equal(t, MessageTypeDeviceOffline, msg.Type)

	var offline DeviceOfflinePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &offline))
	assert.Equal(t, device.UDN().String(), offline.UDN)
}

func TestEventServerPropertyChangedPayload(t *testing.T) {
	cp := controlpoint.NewControlPoint(controlpoint.Config{})
	transport := newRecordingTransport()
	s := NewEventServer(context.Background(), cp, transport)
	t.Cleanup(func() { _ = s.Stop() })

	device := newTestDevice(t)
	st, err := upnp.ParseResourceType("urn:schemas-upnp-org:service:Sensor:1")
	require.NoError(t, err)
	svc, err := upnp.NewService(upnp.ServiceDefinition{ServiceID: "urn:upnp-org:serviceId:Sensor", ServiceType: st})
	require.NoError(t, err)
	require.NoError(t, device.AddService(svc))

	s.relay(controlpoint.Event{
		Type:     controlpoint.PropertyChanged,
		Service:  svc,
		Variable: "Status",
		Value:    "1",
	})

	var msg Message
	require.NoError(t, json.Unmarshal(transport.lastBroadcast(), &msg))
	assert.Equal(t, MessageTypePropertyChanged, msg.Type)

	var payload PropertyChangedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, device.UDN().String(), payload.UDN)
	assert.Equal(t, "urn:upnp-org:serviceId:Sensor", payload.ServiceID)
	assert.Equal(t, "Status", payload.Variable)
	assert.Equal(t, "1", payload.Value)
}

func TestEventServerClientCommands(t *testing.T) {
	cp := controlpoint.NewControlPoint(controlpoint.Config{})
	transport := newRecordingTransport()
	s := NewEventServer(context.Background(), cp, transport)
	t.Cleanup(func() { _ = s.Stop() })

	// discover_devices on a stopped control point is a safe no-op
	cmd, err := json.Marshal(Message{Type: MessageTypeDiscoverDevices, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, transport.messageHandler("c1", cmd))

	transport.mu.Lock()
	n := len(transport.sent["c1"])
	transport.mu.Unlock()
	require.Equal(t, 1, n)

	var msg Message
	transport.mu.Lock()
	raw := transport.sent["c1"][0]
	transport.mu.Unlock()
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, MessageTypeCommandResult, msg.Type)

	// garbage input is ignored without error
	require.NoError(t, transport.messageHandler("c1", []byte("not json")))
}

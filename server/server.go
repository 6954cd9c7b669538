package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/controlpoint"
	"github.com/gladhorn/hupnp/upnp/ssdp"
)

// EventServer は、コントロールポイントのイベントを WebSocket クライアントへ
// 中継する。クライアントからは再探索とデバイス一覧の要求を受け付ける。
type EventServer struct {
	cp        *controlpoint.ControlPoint
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEventServer は、イベント配信サーバを作成する
func NewEventServer(ctx context.Context, cp *controlpoint.ControlPoint, transport Transport) *EventServer {
	srvCtx, cancel := context.WithCancel(ctx)
	s := &EventServer{
		cp:        cp,
		transport: transport,
		ctx:       srvCtx,
		cancel:    cancel,
	}
	transport.SetConnectHandler(s.onConnect)
	transport.SetMessageHandler(s.onMessage)
	return s
}

// Start は、イベント中継ループとトランスポートを起動する
func (s *EventServer) Start(options StartOptions) error {
	go s.relayLoop()
	return s.transport.Start(options)
}

// Stop は、サーバを停止する
func (s *EventServer) Stop() error {
	s.cancel()
	return s.transport.Stop()
}

func deviceSummary(d *upnp.Device) DeviceSummary {
	info := d.Info()
	summary := DeviceSummary{
		UDN:          info.UDN.String(),
		DeviceType:   info.DeviceType.String(),
		FriendlyName: info.FriendlyName,
		Manufacturer: info.Manufacturer,
		ModelName:    info.ModelName,
	}
	for _, svc := range d.Services() {
		summary.Services = append(summary.Services, ServiceSummary{
			ServiceID:   svc.ID(),
			ServiceType: svc.ServiceType().String(),
			Evented:     svc.IsEvented(),
		})
	}
	return summary
}

// onConnect は、接続直後のクライアントへ現在のデバイス一覧を送る
func (s *EventServer) onConnect(connID string) error {
	payload := InitialStatePayload{}
	for _, root := range s.cp.Storage().RootDevices() {
		payload.Devices = append(payload.Devices, deviceSummary(root))
	}
	data, err := newMessage(MessageTypeInitialState, payload)
	if err != nil {
		return err
	}
	return s.transport.SendMessage(connID, data)
}

// onMessage は、クライアントからのコマンドを処理する
func (s *EventServer) onMessage(connID string, message []byte) error {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Debug("不正なクライアントメッセージ", "err", err)
		return nil
	}
	switch msg.Type {
	case MessageTypeDiscoverDevices:
		s.cp.Search(ssdp.STAll, 2)
		data, err := newMessage(MessageTypeCommandResult, map[string]string{"status": "ok"})
		if err != nil {
			return err
		}
		return s.transport.SendMessage(connID, data)
	case MessageTypeListDevices:
		return s.onConnect(connID)
	default:
		slog.Debug("未知のクライアントメッセージ種別", "type", string(msg.Type))
	}
	return nil
}

// relayLoop は、コントロールポイントのイベントをブロードキャストへ変換する
func (s *EventServer) relayLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.cp.Events():
			s.relay(ev)
		}
	}
}

func (s *EventServer) relay(ev controlpoint.Event) {
	var (
		data []byte
		err  error
	)
	switch ev.Type {
	case controlpoint.RootDeviceOnline:
		data, err = newMessage(MessageTypeDeviceOnline, DeviceOnlinePayload{Device: deviceSummary(ev.Device)})
	case controlpoint.RootDeviceOffline:
		data, err = newMessage(MessageTypeDeviceOffline, DeviceOfflinePayload{UDN: ev.UDN})
	case controlpoint.PropertyChanged:
		payload := PropertyChangedPayload{Variable: ev.Variable, Value: ev.Value}
		if ev.Service != nil {
			payload.ServiceID = ev.Service.ID()
			if d := ev.Service.Device(); d != nil {
				payload.UDN = d.UDN().String()
			}
		}
		data, err = newMessage(MessageTypePropertyChanged, payload)
	case controlpoint.SubscriptionFailed:
		payload := SubscriptionFailedPayload{}
		if ev.Service != nil {
			payload.ServiceID = ev.Service.ID()
		}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		data, err = newMessage(MessageTypeSubscriptionFailed, payload)
	default:
		return
	}
	if err != nil {
		slog.Error("イベントの直列化に失敗", "err", err)
		return
	}
	_ = s.transport.BroadcastMessage(data)
}

package upnp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeviceEventType は、デバイスストレージのイベント種別を表す
type DeviceEventType int

const (
	DeviceEventAdded DeviceEventType = iota
	DeviceEventRemoved
)

// DeviceEvent は、ルートデバイスの追加・削除イベントを表す
type DeviceEvent struct {
	Type   DeviceEventType
	Device *Device
	UDN    UDN
}

// rootRecord は、ルートデバイスと SSDP 由来の寿命情報を保持する
type rootRecord struct {
	device   *Device
	location string
	maxAge   time.Duration
	lastSeen time.Time
}

// DeviceStorage は、UDN をキーとするルートデバイスツリーの集合を表す。
// location URL とサービスIDでも全ルートを走査して検索でき、挿入・削除は
// ルート単位でアトミックに行われる。
type DeviceStorage struct {
	mu      sync.RWMutex
	roots   map[string]*rootRecord // key: 小文字化した UDN
	eventCh chan DeviceEvent
}

// NewDeviceStorage は、空のストレージを作成する
func NewDeviceStorage() *DeviceStorage {
	return &DeviceStorage{
		roots: make(map[string]*rootRecord),
	}
}

// SetEventChannel は、追加・削除イベントの送信先チャンネルを設定する
func (ds *DeviceStorage) SetEventChannel(ch chan DeviceEvent) {
	ds.mu.Lock()
	ds.eventCh = ch
	ds.mu.Unlock()
}

func (ds *DeviceStorage) sendEvent(ev DeviceEvent) {
	if ds.eventCh == nil {
		return
	}
	select {
	case ds.eventCh <- ev:
	default:
		// チャンネルがブロックされている場合は無視
		slog.Warn("device event channel is full", "udn", ev.UDN.String())
	}
}

func udnKey(udn UDN) string {
	return normalizeKey(udn.String())
}

// Add は、ルートデバイスを登録する。同一 UDN のルートが既にあればエラー。
func (ds *DeviceStorage) Add(root *Device, location string, maxAge time.Duration) error {
	if root == nil || !root.IsRoot() {
		return fmt.Errorf("not a root device")
	}
	ds.mu.Lock()
	key := udnKey(root.UDN())
	if _, exists := ds.roots[key]; exists {
		ds.mu.Unlock()
		return fmt.Errorf("%w: duplicate root device %s", ErrInvalidConfiguration, root.UDN())
	}
	ds.roots[key] = &rootRecord{
		device:   root,
		location: location,
		maxAge:   maxAge,
		lastSeen: time.Now(),
	}
	ds.mu.Unlock()

	ds.sendEvent(DeviceEvent{Type: DeviceEventAdded, Device: root, UDN: root.UDN()})
	return nil
}

// Remove は、UDN で指定したルートデバイスを取り除き、そのデバイスを返す。
// 見つからない場合は nil。削除後のツリーは破棄はされない（呼び出し側の判断）。
func (ds *DeviceStorage) Remove(udn UDN) *Device {
	ds.mu.Lock()
	key := udnKey(udn)
	rec, exists := ds.roots[key]
	if !exists {
		ds.mu.Unlock()
		return nil
	}
	delete(ds.roots, key)
	ds.mu.Unlock()

	ds.sendEvent(DeviceEvent{Type: DeviceEventRemoved, Device: rec.device, UDN: rec.device.UDN()})
	return rec.device
}

// RootDeviceByUDN は、UDN でルートデバイスを探す
func (ds *DeviceStorage) RootDeviceByUDN(udn UDN) *Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if rec, ok := ds.roots[udnKey(udn)]; ok {
		return rec.device
	}
	return nil
}

// DeviceByUDN は、組込みデバイスを含む全ツリーから UDN でデバイスを探す
func (ds *DeviceStorage) DeviceByUDN(udn UDN) *Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if rec, ok := ds.roots[udnKey(udn)]; ok {
		return rec.device
	}
	for _, rec := range ds.roots {
		if d := rec.device.DeviceByUDN(udn); d != nil {
			return d
		}
	}
	return nil
}

// RootDeviceByLocation は、location URL でルートデバイスを探す
func (ds *DeviceStorage) RootDeviceByLocation(location string) *Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, rec := range ds.roots {
		if rec.location == location {
			return rec.device
		}
	}
	return nil
}

// ServiceByID は、全ツリーからサービスIDでサービスを探す
func (ds *DeviceStorage) ServiceByID(serviceID string) *Service {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, rec := range ds.roots {
		if s := rec.device.ServiceByID(serviceID, VisitThisRecursively); s != nil {
			return s
		}
	}
	return nil
}

// RootDevices は、登録中のルートデバイスのスナップショットを返す
func (ds *DeviceStorage) RootDevices() []*Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	devices := make([]*Device, 0, len(ds.roots))
	for _, rec := range ds.roots {
		devices = append(devices, rec.device)
	}
	return devices
}

// Location は、ルートデバイスの location URL を返す
func (ds *DeviceStorage) Location(udn UDN) (string, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if rec, ok := ds.roots[udnKey(udn)]; ok {
		return rec.location, true
	}
	return "", false
}

// Refresh は、SSDP の再アナウンスを受けて寿命情報を更新する。
// maxAge が以前より延長された場合は true を返す。
func (ds *DeviceStorage) Refresh(udn UDN, location string, maxAge time.Duration) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	rec, ok := ds.roots[udnKey(udn)]
	if !ok {
		return false
	}
	extended := maxAge > rec.maxAge
	rec.location = location
	rec.maxAge = maxAge
	rec.lastSeen = time.Now()
	return extended
}

// ExpiredRoots は、max-age を超えて再アナウンスのないルートの UDN を返す
func (ds *DeviceStorage) ExpiredRoots(now time.Time) []UDN {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	var expired []UDN
	for _, rec := range ds.roots {
		if rec.maxAge > 0 && now.Sub(rec.lastSeen) > rec.maxAge {
			expired = append(expired, rec.device.UDN())
		}
	}
	return expired
}

// Len は、ルートデバイス数を返す
func (ds *DeviceStorage) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.roots)
}

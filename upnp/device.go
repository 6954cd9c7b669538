package upnp

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// VisitMode は、デバイスツリー探索の範囲を表す
type VisitMode int

const (
	VisitThisOnly VisitMode = iota
	VisitThisAndDirectChildren
	VisitThisRecursively
)

// Icon は、デバイスのアイコン情報を表す。Data は取得済みの場合のみ設定される。
type Icon struct {
	MimeType string
	Width    int
	Height   int
	Depth    int
	URL      string
	Data     []byte
}

// DeviceInfo は、デバイスの不変の記述属性を表す
type DeviceInfo struct {
	DeviceType       ResourceType
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelDescription string
	ModelName        string
	ModelNumber      string
	ModelURL         string
	SerialNumber     string
	UDN              UDN
	UPC              string
	PresentationURL  string
	Icons            []Icon
}

// Device は、デバイスツリーのノードを表す。
// 親への参照は所有権を持たない逆辺（GC管理の素のポインタ）。
type Device struct {
	info     DeviceInfo
	parent   *Device
	services []*Service
	embedded []*Device
	disposed atomic.Bool
}

// NewDevice は、記述属性からデバイスを作成する。
// UDN とデバイスタイプが妥当でなければエラーになる。
func NewDevice(info DeviceInfo) (*Device, error) {
	if info.UDN.IsZero() {
		return nil, fmt.Errorf("device has no UDN")
	}
	if info.DeviceType.IsZero() || info.DeviceType.Kind() != ResourceTypeDevice {
		return nil, fmt.Errorf("device %s: invalid device type", info.UDN)
	}
	return &Device{info: info}, nil
}

func (d *Device) Info() DeviceInfo         { return d.info }
func (d *Device) UDN() UDN                 { return d.info.UDN }
func (d *Device) DeviceType() ResourceType { return d.info.DeviceType }
func (d *Device) FriendlyName() string     { return d.info.FriendlyName }

// Parent は親デバイスを返す。ルートデバイスでは nil。
func (d *Device) Parent() *Device {
	return d.parent
}

// Root は、このデバイスが属するツリーのルートデバイスを返す
func (d *Device) Root() *Device {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// IsRoot は、ルートデバイスかどうかを返す
func (d *Device) IsRoot() bool {
	return d.parent == nil
}

// AddService は、サービスを追加する
func (d *Device) AddService(s *Service) error {
	if s == nil {
		return fmt.Errorf("nil service")
	}
	for _, existing := range d.services {
		if existing.ID() == s.ID() {
			return fmt.Errorf("device %s: duplicate service id %q", d.info.UDN, s.ID())
		}
	}
	s.device = d
	d.services = append(d.services, s)
	return nil
}

// AddEmbeddedDevice は、組込みデバイスを追加する
func (d *Device) AddEmbeddedDevice(child *Device) error {
	if child == nil {
		return fmt.Errorf("nil device")
	}
	if child.parent != nil {
		return fmt.Errorf("device %s already has a parent", child.info.UDN)
	}
	child.parent = d
	d.embedded = append(d.embedded, child)
	return nil
}

// Services は、このデバイス直下のサービスのリストを返す
func (d *Device) Services() []*Service {
	if d.disposed.Load() {
		return nil
	}
	return slices.Clone(d.services)
}

// EmbeddedDevices は、探索範囲に従ってデバイスのリストを返す。
// VisitThisOnly では自身のみ、VisitThisRecursively では部分木全体を
// 深さ優先・追加順で返す。
func (d *Device) EmbeddedDevices(mode VisitMode) []*Device {
	if d.disposed.Load() {
		return nil
	}
	switch mode {
	case VisitThisOnly:
		return []*Device{d}
	case VisitThisAndDirectChildren:
		result := []*Device{d}
		return append(result, slices.Clone(d.embedded)...)
	case VisitThisRecursively:
		result := []*Device{d}
		for _, child := range d.embedded {
			result = append(result, child.EmbeddedDevices(VisitThisRecursively)...)
		}
		return result
	}
	return nil
}

// DeviceByUDN は、この部分木から UDN でデバイスを探す
func (d *Device) DeviceByUDN(udn UDN) *Device {
	if d.disposed.Load() {
		return nil
	}
	for _, dev := range d.EmbeddedDevices(VisitThisRecursively) {
		if dev.info.UDN.Equal(udn) {
			return dev
		}
	}
	return nil
}

// ServiceByID は、探索範囲に従ってサービスIDでサービスを探す
func (d *Device) ServiceByID(serviceID string, mode VisitMode) *Service {
	if d.disposed.Load() {
		return nil
	}
	for _, dev := range d.EmbeddedDevices(mode) {
		for _, s := range dev.services {
			if s.ID() == serviceID {
				return s
			}
		}
	}
	return nil
}

// ServicesByType は、探索範囲に従って要求タイプと互換のサービスを集める
func (d *Device) ServicesByType(t ResourceType, mode VisitMode) []*Service {
	if d.disposed.Load() {
		return nil
	}
	var result []*Service
	for _, dev := range d.EmbeddedDevices(mode) {
		for _, s := range dev.services {
			if s.ServiceType().CompatibleWith(t) {
				result = append(result, s)
			}
		}
	}
	return result
}

// SetIconData は、取得済みのアイコンデータを格納する
func (d *Device) SetIconData(index int, data []byte) {
	if index >= 0 && index < len(d.info.Icons) {
		d.info.Icons[index].Data = data
	}
}

// IsDisposed は、破棄済みかどうかを返す
func (d *Device) IsDisposed() bool {
	return d.disposed.Load()
}

// Dispose は、部分木全体を終端状態へ遷移させる。
// 以後の検索は空を返し、保持済みの外部参照は no-op になる。
func (d *Device) Dispose() {
	for _, child := range d.embedded {
		child.Dispose()
	}
	for _, s := range d.services {
		s.dispose()
	}
	d.disposed.Store(true)
}

package description

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/gladhorn/hupnp/upnp"
)

// Warning は、致命的ではない記述上の問題を表す (UDA の SHOULD 違反など)
type Warning struct {
	Element string
	Reason  string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Element, w.Reason)
}

// ParseOptions は、記述パースの動作を表す
type ParseOptions struct {
	// Level は UDN などの検証レベル
	Level upnp.ValidityLevel
	// BaseURL は相対 URL の解決に使うベース（デバイス記述の取得元 URL）
	BaseURL string
}

// Result は、デバイス記述のパース結果を表す。
// Device のサービスは骨格のみで、SCPD の適用は別段階 (ApplySCPD) で行う。
type Result struct {
	Device   *upnp.Device
	Warnings []Warning
}

// 記述要素のサイズ上限。超過は警告のみで致命的ではない。
var sizeWarnings = []struct {
	field string
	max   int
	get   func(*xmlDevice) string
}{
	{"friendlyName", 64, func(d *xmlDevice) string { return d.FriendlyName }},
	{"manufacturer", 64, func(d *xmlDevice) string { return d.Manufacturer }},
	{"modelDescription", 128, func(d *xmlDevice) string { return d.ModelDescription }},
	{"modelName", 32, func(d *xmlDevice) string { return d.ModelName }},
	{"modelNumber", 32, func(d *xmlDevice) string { return d.ModelNumber }},
	{"serialNumber", 64, func(d *xmlDevice) string { return d.SerialNumber }},
}

// UPC は12桁の数字。13文字形式では6文字目に空白またはハイフンを1つ許す。
var upcRe = regexp.MustCompile(`^(\d{12}|\d{6}[ -]\d{6})$`)

func deviceError(reason, element string) error {
	return &upnp.DescriptionError{Reason: reason, Element: element}
}

// ParseDeviceDescription は、デバイス記述 XML をパースしてデバイスツリーの
// 骨格（サービスは URL のみ）を構築する
func ParseDeviceDescription(data []byte, opts ParseOptions) (*Result, error) {
	var root xmlRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, deviceError(fmt.Sprintf("not a valid XML document: %v", err), "root")
	}
	if root.XMLName.Space != DeviceDescriptionNamespace {
		return nil, deviceError(
			fmt.Sprintf("unexpected root namespace %q", root.XMLName.Space), "root")
	}

	base := opts.BaseURL
	if root.URLBase != "" {
		base = root.URLBase
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" {
		return nil, deviceError(fmt.Sprintf("invalid base URL %q", base), "URLBase")
	}

	result := &Result{}
	device, err := parseDevice(&root.Device, baseURL, opts, result, "root/device")
	if err != nil {
		return nil, err
	}
	result.Device = device
	return result, nil
}

func parseDevice(x *xmlDevice, base *url.URL, opts ParseOptions, result *Result, path string) (*upnp.Device, error) {
	// 必須要素の存在チェック
	for _, m := range []struct{ name, value string }{
		{"deviceType", x.DeviceType},
		{"friendlyName", x.FriendlyName},
		{"manufacturer", x.Manufacturer},
		{"modelName", x.ModelName},
		{"UDN", x.UDN},
	} {
		if m.value == "" {
			return nil, deviceError(fmt.Sprintf("mandatory element <%s> is missing", m.name), path)
		}
	}

	deviceType, err := upnp.ParseResourceType(x.DeviceType)
	if err != nil {
		return nil, deviceError(err.Error(), path+"/deviceType")
	}
	udn, err := upnp.ParseUDN(x.UDN, opts.Level)
	if err != nil {
		return nil, deviceError(err.Error(), path+"/UDN")
	}

	for _, sw := range sizeWarnings {
		if v := sw.get(x); len(v) > sw.max {
			result.Warnings = append(result.Warnings, Warning{
				Element: path + "/" + sw.field,
				Reason:  fmt.Sprintf("value exceeds %d characters", sw.max),
			})
		}
	}
	if x.UPC != "" && !upcRe.MatchString(x.UPC) {
		result.Warnings = append(result.Warnings, Warning{
			Element: path + "/UPC",
			Reason:  fmt.Sprintf("UPC %q is not 12 digits", x.UPC),
		})
	}

	info := upnp.DeviceInfo{
		DeviceType:       deviceType,
		FriendlyName:     x.FriendlyName,
		Manufacturer:     x.Manufacturer,
		ManufacturerURL:  x.ManufacturerURL,
		ModelDescription: x.ModelDescription,
		ModelName:        x.ModelName,
		ModelNumber:      x.ModelNumber,
		ModelURL:         x.ModelURL,
		SerialNumber:     x.SerialNumber,
		UDN:              udn,
		UPC:              x.UPC,
		PresentationURL:  x.PresentationURL,
	}
	for _, icon := range x.Icons {
		info.Icons = append(info.Icons, upnp.Icon{
			MimeType: icon.MimeType,
			Width:    icon.Width,
			Height:   icon.Height,
			Depth:    icon.Depth,
			URL:      resolveURL(base, icon.URL),
		})
	}

	device, err := upnp.NewDevice(info)
	if err != nil {
		return nil, deviceError(err.Error(), path)
	}

	for i, sx := range x.Services {
		spath := fmt.Sprintf("%s/serviceList/service[%d]", path, i)
		svc, err := parseServiceElement(&sx, base, spath)
		if err != nil {
			return nil, err
		}
		if err := device.AddService(svc); err != nil {
			return nil, deviceError(err.Error(), spath)
		}
	}

	for i, dx := range x.Devices {
		dpath := fmt.Sprintf("%s/deviceList/device[%d]", path, i)
		child, err := parseDevice(&dx, base, opts, result, dpath)
		if err != nil {
			return nil, err
		}
		if err := device.AddEmbeddedDevice(child); err != nil {
			return nil, deviceError(err.Error(), dpath)
		}
	}

	return device, nil
}

func parseServiceElement(x *xmlService, base *url.URL, path string) (*upnp.Service, error) {
	for _, m := range []struct{ name, value string }{
		{"serviceType", x.ServiceType},
		{"serviceId", x.ServiceID},
		{"SCPDURL", x.SCPDURL},
		{"controlURL", x.ControlURL},
		{"eventSubURL", x.EventSubURL},
	} {
		if m.value == "" {
			return nil, deviceError(fmt.Sprintf("mandatory element <%s> is missing", m.name), path)
		}
	}
	serviceType, err := upnp.ParseResourceType(x.ServiceType)
	if err != nil {
		return nil, deviceError(err.Error(), path+"/serviceType")
	}
	svc, err := upnp.NewService(upnp.ServiceDefinition{
		ServiceID:   x.ServiceID,
		ServiceType: serviceType,
		SCPDURL:     resolveURL(base, x.SCPDURL),
		ControlURL:  resolveURL(base, x.ControlURL),
		EventSubURL: resolveURL(base, x.EventSubURL),
	})
	if err != nil {
		return nil, deviceError(err.Error(), path)
	}
	return svc, nil
}

// resolveURL は、相対 URL をデバイスベース URL に対して解決する
func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// ComposeLocation は、UDN 付加モードのデバイス location を合成する。
// 1つの HTTP サーバの背後に複数のデバイスを置くための曖昧性解消。
func ComposeLocation(baseURL string, udn upnp.UDN, appendUDN bool) string {
	if !appendUDN {
		return baseURL
	}
	if baseURL != "" && baseURL[len(baseURL)-1] == '/' {
		return baseURL + udn.String()
	}
	return baseURL + "/" + udn.String()
}

// serviceError は、SCPD 側のエラーを作る
func serviceError(reason, element string) error {
	return &upnp.DescriptionError{Service: true, Reason: reason, Element: element}
}

// ParseSCPD は、SCPD XML をパースして状態変数定義とアクション骨格を返す
func ParseSCPD(data []byte) (*SCPD, error) {
	var x xmlSCPD
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, serviceError(fmt.Sprintf("not a valid XML document: %v", err), "scpd")
	}
	scpd := &SCPD{}
	for i, sv := range x.StateVariables {
		path := fmt.Sprintf("scpd/serviceStateTable/stateVariable[%d]", i)
		def, err := parseStateVariable(&sv, path)
		if err != nil {
			return nil, err
		}
		scpd.StateVariables = append(scpd.StateVariables, def)
	}
	for i, act := range x.Actions {
		path := fmt.Sprintf("scpd/actionList/action[%d]", i)
		def, err := parseActionDef(&act, scpd, path)
		if err != nil {
			return nil, err
		}
		scpd.Actions = append(scpd.Actions, def)
	}
	return scpd, nil
}

func parseStateVariable(x *xmlStateVariable, path string) (upnp.StateVariableDefinition, error) {
	var def upnp.StateVariableDefinition
	if x.Name == "" {
		return def, serviceError("mandatory element <name> is missing", path)
	}
	dataType, err := upnp.ParseDataType(x.DataType)
	if err != nil {
		return def, serviceError(err.Error(), path+"/dataType")
	}
	def.Name = x.Name
	def.Type = dataType
	def.DefaultValue = x.DefaultValue
	def.AllowedValues = x.AllowedValues

	switch x.SendEvents {
	case "", "no", "0":
		def.Eventing = upnp.EventingNo
	case "yes", "1":
		def.Eventing = upnp.EventingYes
	default:
		return def, serviceError(fmt.Sprintf("invalid sendEvents value %q", x.SendEvents), path)
	}
	if def.Eventing == upnp.EventingYes && (x.Multicast == "yes" || x.Multicast == "1") {
		def.Eventing = upnp.EventingMulticast
	}

	if x.AllowedValueRange != nil {
		r := &upnp.AllowedValueRange{}
		r.Min, err = strconv.ParseFloat(x.AllowedValueRange.Minimum, 64)
		if err != nil {
			return def, serviceError(fmt.Sprintf("invalid minimum %q", x.AllowedValueRange.Minimum), path+"/allowedValueRange")
		}
		r.Max, err = strconv.ParseFloat(x.AllowedValueRange.Maximum, 64)
		if err != nil {
			return def, serviceError(fmt.Sprintf("invalid maximum %q", x.AllowedValueRange.Maximum), path+"/allowedValueRange")
		}
		if x.AllowedValueRange.Step != "" {
			r.Step, err = strconv.ParseFloat(x.AllowedValueRange.Step, 64)
			if err != nil {
				return def, serviceError(fmt.Sprintf("invalid step %q", x.AllowedValueRange.Step), path+"/allowedValueRange")
			}
			if r.Step <= 0 {
				return def, serviceError("step must be > 0", path+"/allowedValueRange")
			}
		}
		if r.Min > r.Max {
			return def, serviceError("minimum > maximum", path+"/allowedValueRange")
		}
		def.AllowedRange = r
	}
	return def, nil
}

func parseActionDef(x *xmlAction, scpd *SCPD, path string) (ActionDefinition, error) {
	var def ActionDefinition
	if x.Name == "" {
		return def, serviceError("mandatory element <name> is missing", path)
	}
	def.Name = x.Name
	for i, ax := range x.Arguments {
		apath := fmt.Sprintf("%s/argumentList/argument[%d]", path, i)
		var dir upnp.ArgumentDirection
		switch ax.Direction {
		case "in":
			dir = upnp.ArgumentIn
		case "out":
			dir = upnp.ArgumentOut
		default:
			return def, serviceError(fmt.Sprintf("invalid direction %q", ax.Direction), apath)
		}
		// 引数が参照する状態変数は SCPD 内に存在しなければならない
		if !scpd.HasStateVariable(ax.RelatedStateVariable) {
			return def, serviceError(
				fmt.Sprintf("related state variable %q does not exist", ax.RelatedStateVariable), apath)
		}
		def.Arguments = append(def.Arguments, &upnp.Argument{
			Name:                 ax.Name,
			Direction:            dir,
			RelatedStateVariable: ax.RelatedStateVariable,
			RetVal:               ax.RetVal != nil,
		})
	}
	return def, nil
}

// SCPD は、パース済みのサービス記述を表す
type SCPD struct {
	StateVariables []upnp.StateVariableDefinition
	Actions        []ActionDefinition
}

// ActionDefinition は、SCPD のアクション骨格を表す（呼び出し能力は含まない）
type ActionDefinition struct {
	Name      string
	Arguments []*upnp.Argument
}

// HasStateVariable は、指定名の状態変数が SCPD に含まれるかを返す
func (s *SCPD) HasStateVariable(name string) bool {
	for _, sv := range s.StateVariables {
		if sv.Name == name {
			return true
		}
	}
	return false
}

// ApplySCPD は、SCPD の内容をサービスに適用する。
// invokers はアクション名→呼び出し能力の対応（コントロールポイント側は nil）。
func ApplySCPD(svc *upnp.Service, scpd *SCPD, invokers map[string]upnp.ActionInvoker) error {
	for _, def := range scpd.StateVariables {
		sv, err := upnp.NewStateVariable(def)
		if err != nil {
			return serviceError(err.Error(), "scpd/serviceStateTable")
		}
		if err := svc.AddStateVariable(sv); err != nil {
			return serviceError(err.Error(), "scpd/serviceStateTable")
		}
	}
	for _, def := range scpd.Actions {
		var invoker upnp.ActionInvoker
		if invokers != nil {
			invoker = invokers[def.Name]
		}
		action, err := upnp.NewAction(def.Name, def.Arguments, invoker)
		if err != nil {
			return serviceError(err.Error(), "scpd/actionList")
		}
		if err := svc.AddAction(action); err != nil {
			return serviceError(err.Error(), "scpd/actionList")
		}
	}
	return nil
}

package description

import (
	"encoding/xml"
	"strconv"

	"github.com/gladhorn/hupnp/upnp"
)

// BuildDeviceDescription は、デバイスツリーからデバイス記述 XML を生成する。
// デバイスホストが GET /<udn>/description.xml に応答するために使う。
// URL は相対形式のまま出力する（クライアント側が取得元 URL で解決する）。
func BuildDeviceDescription(root *upnp.Device) ([]byte, error) {
	doc := xmlRoot{
		Xmlns:       DeviceDescriptionNamespace,
		SpecVersion: xmlSpecVersion{Major: 1, Minor: 1},
		Device:      buildDeviceElement(root),
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

func buildDeviceElement(d *upnp.Device) xmlDevice {
	info := d.Info()
	x := xmlDevice{
		DeviceType:       info.DeviceType.String(),
		FriendlyName:     info.FriendlyName,
		Manufacturer:     info.Manufacturer,
		ManufacturerURL:  info.ManufacturerURL,
		ModelDescription: info.ModelDescription,
		ModelName:        info.ModelName,
		ModelNumber:      info.ModelNumber,
		ModelURL:         info.ModelURL,
		SerialNumber:     info.SerialNumber,
		UDN:              info.UDN.String(),
		UPC:              info.UPC,
		PresentationURL:  info.PresentationURL,
	}
	for _, icon := range info.Icons {
		x.Icons = append(x.Icons, xmlIcon{
			MimeType: icon.MimeType,
			Width:    icon.Width,
			Height:   icon.Height,
			Depth:    icon.Depth,
			URL:      icon.URL,
		})
	}
	for _, svc := range d.Services() {
		x.Services = append(x.Services, xmlService{
			ServiceType: svc.ServiceType().String(),
			ServiceID:   svc.ID(),
			SCPDURL:     svc.SCPDURL(),
			ControlURL:  svc.ControlURL(),
			EventSubURL: svc.EventSubURL(),
		})
	}
	for _, child := range d.EmbeddedDevices(upnp.VisitThisAndDirectChildren) {
		if child == d {
			continue
		}
		x.Devices = append(x.Devices, buildDeviceElement(child))
	}
	return x
}

// BuildSCPD は、サービスから SCPD XML を生成する
func BuildSCPD(svc *upnp.Service) ([]byte, error) {
	doc := xmlSCPD{
		Xmlns:       ServiceDescriptionNamespace,
		SpecVersion: xmlSpecVersion{Major: 1, Minor: 1},
	}
	for _, action := range svc.Actions() {
		x := xmlAction{Name: action.Name()}
		args := append(action.InArguments(), action.OutArguments()...)
		for _, arg := range args {
			ax := xmlArgument{
				Name:                 arg.Name,
				Direction:            arg.Direction.String(),
				RelatedStateVariable: arg.RelatedStateVariable,
			}
			if arg.RetVal {
				ax.RetVal = &struct{}{}
			}
			x.Arguments = append(x.Arguments, ax)
		}
		doc.Actions = append(doc.Actions, x)
	}
	for _, sv := range svc.StateVariables() {
		def := sv.Definition()
		x := xmlStateVariable{
			Name:          def.Name,
			DataType:      def.Type.String(),
			DefaultValue:  def.DefaultValue,
			AllowedValues: def.AllowedValues,
		}
		switch def.Eventing {
		case upnp.EventingNo:
			x.SendEvents = "no"
		case upnp.EventingYes:
			x.SendEvents = "yes"
		case upnp.EventingMulticast:
			x.SendEvents = "yes"
			x.Multicast = "yes"
		}
		if r := def.AllowedRange; r != nil {
			x.AllowedValueRange = &xmlRange{
				Minimum: strconv.FormatFloat(r.Min, 'f', -1, 64),
				Maximum: strconv.FormatFloat(r.Max, 'f', -1, 64),
			}
			if r.Step != 0 {
				x.AllowedValueRange.Step = strconv.FormatFloat(r.Step, 'f', -1, 64)
			}
		}
		doc.StateVariables = append(doc.StateVariables, x)
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

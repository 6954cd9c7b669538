// Package description は、UPnP デバイス記述 (device description) と
// サービス記述 (SCPD) の XML をパース・生成し、upnp パッケージの
// オブジェクトグラフと相互変換します。
package description

import "encoding/xml"

// DeviceDescriptionNamespace は、デバイス記述のルート要素の名前空間
const DeviceDescriptionNamespace = "urn:schemas-upnp-org:device-1-0"

// ServiceDescriptionNamespace は、SCPD のルート要素の名前空間
const ServiceDescriptionNamespace = "urn:schemas-upnp-org:service-1-0"

// デバイス記述 XML のワイヤ構造
type xmlRoot struct {
	XMLName     xml.Name       `xml:"root"`
	Xmlns       string         `xml:"xmlns,attr"`
	SpecVersion xmlSpecVersion `xml:"specVersion"`
	URLBase     string         `xml:"URLBase,omitempty"`
	Device      xmlDevice      `xml:"device"`
}

type xmlSpecVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type xmlDevice struct {
	DeviceType       string       `xml:"deviceType"`
	FriendlyName     string       `xml:"friendlyName"`
	Manufacturer     string       `xml:"manufacturer"`
	ManufacturerURL  string       `xml:"manufacturerURL,omitempty"`
	ModelDescription string       `xml:"modelDescription,omitempty"`
	ModelName        string       `xml:"modelName"`
	ModelNumber      string       `xml:"modelNumber,omitempty"`
	ModelURL         string       `xml:"modelURL,omitempty"`
	SerialNumber     string       `xml:"serialNumber,omitempty"`
	UDN              string       `xml:"UDN"`
	UPC              string       `xml:"UPC,omitempty"`
	Icons            []xmlIcon    `xml:"iconList>icon"`
	Services         []xmlService `xml:"serviceList>service"`
	Devices          []xmlDevice  `xml:"deviceList>device"`
	PresentationURL  string       `xml:"presentationURL,omitempty"`
}

type xmlIcon struct {
	MimeType string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// SCPD のワイヤ構造
type xmlSCPD struct {
	XMLName        xml.Name           `xml:"scpd"`
	Xmlns          string             `xml:"xmlns,attr"`
	SpecVersion    xmlSpecVersion     `xml:"specVersion"`
	Actions        []xmlAction        `xml:"actionList>action"`
	StateVariables []xmlStateVariable `xml:"serviceStateTable>stateVariable"`
}

type xmlAction struct {
	Name      string        `xml:"name"`
	Arguments []xmlArgument `xml:"argumentList>argument"`
}

type xmlArgument struct {
	Name                 string    `xml:"name"`
	Direction            string    `xml:"direction"`
	RetVal               *struct{} `xml:"retval"`
	RelatedStateVariable string    `xml:"relatedStateVariable"`
}

type xmlStateVariable struct {
	SendEvents        string    `xml:"sendEvents,attr"`
	Multicast         string    `xml:"multicast,attr"`
	Name              string    `xml:"name"`
	DataType          string    `xml:"dataType"`
	DefaultValue      string    `xml:"defaultValue,omitempty"`
	AllowedValues     []string  `xml:"allowedValueList>allowedValue"`
	AllowedValueRange *xmlRange `xml:"allowedValueRange"`
}

type xmlRange struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

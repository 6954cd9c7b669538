// Package soap は、UPnP アクション制御のための SOAP 1.1 エンベロープを
// 実装します (UDA 1.1 §3)。
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gladhorn/hupnp/upnp"
)

const (
	envelopeNS    = "http://schemas.xmlsoap.org/soap/envelope/"
	encodingStyle = "http://schemas.xmlsoap.org/soap/encoding/"
	controlNS     = "urn:schemas-upnp-org:control-1-0"
	// ContentType は、SOAP リクエスト・レスポンスの Content-Type
	ContentType = `text/xml; charset="utf-8"`
)

// Call は、パースされたアクション呼び出し（またはその応答）を表す
type Call struct {
	ActionName  string
	ServiceType string // アクション要素の名前空間 (サービスタイプ URN)
	Arguments   *upnp.ActionArguments
}

// SOAPAction は、SOAPACTION ヘッダ値 `"<serviceType>#<actionName>"` を作る
func SOAPAction(serviceType, actionName string) string {
	return fmt.Sprintf("%q", serviceType+"#"+actionName)
}

// ParseSOAPAction は、SOAPACTION ヘッダ値を分解する
func ParseSOAPAction(value string) (serviceType, actionName string, err error) {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	serviceType, actionName, found := strings.Cut(value, "#")
	if !found || serviceType == "" || actionName == "" {
		return "", "", fmt.Errorf("invalid SOAPACTION value %q", value)
	}
	return serviceType, actionName, nil
}

func writeEscaped(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

// buildEnvelope は、ボディ要素名（`ActionName` または `ActionNameResponse`）と
// 引数から SOAP エンベロープを直列化する。引数は宣言順で出力される。
func buildEnvelope(element, serviceType string, args *upnp.ActionArguments) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="` + encodingStyle + `">`)
	buf.WriteString("<s:Body>")
	buf.WriteString(`<u:` + element + ` xmlns:u="`)
	writeEscaped(&buf, serviceType)
	buf.WriteString(`">`)
	if args != nil {
		for _, name := range args.Names() {
			value, _ := args.Get(name)
			buf.WriteString("<" + name + ">")
			writeEscaped(&buf, value)
			buf.WriteString("</" + name + ">")
		}
	}
	buf.WriteString("</u:" + element + ">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")
	return buf.Bytes()
}

// BuildRequest は、アクション呼び出しのエンベロープを作る
func BuildRequest(action *upnp.Action, serviceType string, in *upnp.ActionArguments) []byte {
	return buildEnvelope(action.Name(), serviceType, in)
}

// BuildResponse は、`<u:<ActionName>Response>` エンベロープを作る
func BuildResponse(actionName, serviceType string, out *upnp.ActionArguments) []byte {
	return buildEnvelope(actionName+"Response", serviceType, out)
}

// BuildFault は、SOAP fault エンベロープを作る。
// faultcode は常に Client、detail に UPnPError を格納する (UDA 1.1 §3.2.2)。
func BuildFault(actionErr *upnp.ActionError) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="` + encodingStyle + `">`)
	buf.WriteString("<s:Body>")
	buf.WriteString("<s:Fault>")
	buf.WriteString("<faultcode>s:Client</faultcode>")
	buf.WriteString("<faultstring>UPnPError</faultstring>")
	buf.WriteString("<detail>")
	buf.WriteString(`<UPnPError xmlns="` + controlNS + `">`)
	buf.WriteString("<errorCode>" + strconv.Itoa(actionErr.Code) + "</errorCode>")
	buf.WriteString("<errorDescription>")
	writeEscaped(&buf, actionErr.Description)
	buf.WriteString("</errorDescription>")
	buf.WriteString("</UPnPError>")
	buf.WriteString("</detail>")
	buf.WriteString("</s:Fault>")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")
	return buf.Bytes()
}

// ParseEnvelope は、エンベロープからボディの最初の要素（アクション呼び出し
// またはその応答）を取り出す。子要素は宣言順のまま Arguments に入る。
func ParseEnvelope(data []byte) (*Call, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := skipToBody(dec); err != nil {
		return nil, err
	}

	// Body の最初の子要素がアクション要素
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("envelope body has no action element")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		call := &Call{
			ActionName:  start.Name.Local,
			ServiceType: start.Name.Space,
			Arguments:   upnp.NewActionArguments(),
		}
		if err := parseArguments(dec, &start, call.Arguments); err != nil {
			return nil, err
		}
		return call, nil
	}
}

func skipToBody(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("envelope has no Body element")
			}
			return fmt.Errorf("invalid SOAP envelope: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local == "Body" && start.Name.Space == envelopeNS {
				return nil
			}
			if start.Name.Local != "Envelope" {
				// Envelope 直下の Header などは読み飛ばす
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("invalid SOAP envelope: %w", err)
				}
			}
		}
	}
}

// parseArguments は、アクション要素の子要素を順に読み取る
func parseArguments(dec *xml.Decoder, parent *xml.StartElement, args *upnp.ActionArguments) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("truncated action element: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := dec.DecodeElement(&value, &t); err != nil {
				return fmt.Errorf("bad argument element <%s>: %w", t.Name.Local, err)
			}
			args.Set(t.Name.Local, value)
		case xml.EndElement:
			if t.Name == parent.Name {
				return nil
			}
		}
	}
}

// xmlFaultEnvelope は、SOAP fault のパース用構造
type xmlFaultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *struct {
			FaultCode   string `xml:"faultcode"`
			FaultString string `xml:"faultstring"`
			Detail      struct {
				UPnPError struct {
					ErrorCode        int    `xml:"errorCode"`
					ErrorDescription string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// ParseFault は、SOAP fault から ActionError を取り出す。
// fault が存在しない場合は nil を返す。
func ParseFault(data []byte) (*upnp.ActionError, error) {
	var env xmlFaultEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid SOAP envelope: %w", err)
	}
	if env.Body.Fault == nil {
		return nil, nil
	}
	e := env.Body.Fault.Detail.UPnPError
	return upnp.NewActionError(e.ErrorCode, e.ErrorDescription), nil
}

// HTTPStatusForActionError は、アクションエラーに対応する HTTP ステータスを返す。
// 標準コードは表どおり、ベンダーコードはコードをそのまま透過する。
func HTTPStatusForActionError(e *upnp.ActionError) int {
	switch e.Code {
	case upnp.ActionErrorInvalidAction:
		return 401
	case upnp.ActionErrorInvalidArgs:
		return 402
	case upnp.ActionErrorActionFailed:
		return 501
	case upnp.ActionErrorArgumentValueInvalid,
		upnp.ActionErrorArgumentValueOutOfRange,
		upnp.ActionErrorOptionalActionNotImplemented,
		upnp.ActionErrorOutOfMemory,
		upnp.ActionErrorHumanInterventionRequired,
		upnp.ActionErrorStringArgumentTooLong:
		return e.Code
	default:
		return e.Code
	}
}

// Package gena は、UDA 1.1 §4 の GENA イベント機構を実装します。
// サーバ側（購読受付と NOTIFY 配送）とコントロールポイント側
// （購読管理・更新タイマー・NOTIFY 受信）の両方を含みます。
package gena

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gladhorn/hupnp/upnp"
)

const (
	eventNS = "urn:schemas-upnp-org:event-1-0"
	// NTEvent は、購読リクエストの NT ヘッダ値
	NTEvent = "upnp:event"
	// NTSPropChange は、NOTIFY の NTS ヘッダ値
	NTSPropChange = "upnp:propchange"
)

// BuildPropertySet は、変更された状態変数から e:propertyset XML を作る。
// 1変数につき1つの e:property 要素になる。
func BuildPropertySet(values []upnp.StateVariableValue) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<e:propertyset xmlns:e="` + eventNS + `">`)
	for _, v := range values {
		buf.WriteString("<e:property>")
		buf.WriteString("<" + v.Name + ">")
		_ = xml.EscapeText(&buf, []byte(v.Value))
		buf.WriteString("</" + v.Name + ">")
		buf.WriteString("</e:property>")
	}
	buf.WriteString("</e:propertyset>")
	return buf.Bytes()
}

// ParsePropertySet は、NOTIFY ボディから変数名と値の組を宣言順で取り出す
func ParsePropertySet(data []byte) ([]upnp.StateVariableValue, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var values []upnp.StateVariableValue
	inProperty := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("invalid propertyset: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "propertyset" && t.Name.Space == eventNS:
				// ルート要素
			case t.Name.Local == "property" && t.Name.Space == eventNS:
				inProperty = true
			case inProperty:
				var value string
				if err := dec.DecodeElement(&value, &t); err != nil {
					return nil, fmt.Errorf("bad property element <%s>: %w", t.Name.Local, err)
				}
				values = append(values, upnp.StateVariableValue{Name: t.Name.Local, Value: value})
			default:
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("invalid propertyset: %w", err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "property" && t.Name.Space == eventNS {
				inProperty = false
			}
		}
	}
}

// ParseTimeoutHeader は、`Second-<n>` / `Second-infinite` をパースする
func ParseTimeoutHeader(value string) (d time.Duration, infinite bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, fmt.Errorf("empty TIMEOUT header")
	}
	rest, found := strings.CutPrefix(strings.ToLower(value), "second-")
	if !found {
		return 0, false, fmt.Errorf("invalid TIMEOUT header %q", value)
	}
	if rest == "infinite" {
		return 0, true, nil
	}
	secs, err := strconv.Atoi(rest)
	if err != nil || secs < 0 {
		return 0, false, fmt.Errorf("invalid TIMEOUT header %q", value)
	}
	return time.Duration(secs) * time.Second, false, nil
}

// FormatTimeoutHeader は、秒数を `Second-<n>` 形式にする
func FormatTimeoutHeader(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int(d/time.Second))
}

// SEQ の増分規則: 初回 NOTIFY が 0、以後は 1 ずつ増え、
// 2^32-1 の次は 1 に巻き戻る（0 には二度と戻らない）。
func nextSeq(seq uint32) uint32 {
	if seq == ^uint32(0) {
		return 1
	}
	return seq + 1
}

package upnp

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceTypeKind は、リソースタイプURNの種別（device / service）を表す
type ResourceTypeKind int

const (
	ResourceTypeUndefined ResourceTypeKind = iota
	ResourceTypeDevice
	ResourceTypeService
)

func (k ResourceTypeKind) String() string {
	switch k {
	case ResourceTypeDevice:
		return "device"
	case ResourceTypeService:
		return "service"
	default:
		return "undefined"
	}
}

// ResourceType は、`urn:<domain>:(device|service):<type>:<version>` 形式の
// リソースタイプURNをパースした結果を表す。
// 標準ドメイン "schemas-upnp-org" のほか、ベンダードメインも受け付ける。
type ResourceType struct {
	domain  string
	kind    ResourceTypeKind
	typ     string
	version int
}

// ParseResourceType は、URN文字列をパースする
func ParseResourceType(s string) (ResourceType, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "urn" {
		return ResourceType{}, fmt.Errorf("invalid resource type URN: %q", s)
	}
	var kind ResourceTypeKind
	switch parts[2] {
	case "device":
		kind = ResourceTypeDevice
	case "service":
		kind = ResourceTypeService
	default:
		return ResourceType{}, fmt.Errorf("invalid resource type kind %q in %q", parts[2], s)
	}
	if parts[1] == "" || parts[3] == "" {
		return ResourceType{}, fmt.Errorf("empty domain or type in resource type URN: %q", s)
	}
	version, err := strconv.Atoi(parts[4])
	if err != nil || version < 1 {
		return ResourceType{}, fmt.Errorf("invalid version %q in resource type URN: %q", parts[4], s)
	}
	return ResourceType{
		domain:  parts[1],
		kind:    kind,
		typ:     parts[3],
		version: version,
	}, nil
}

// IsZero は、未設定のResourceTypeかどうかを返す
func (t ResourceType) IsZero() bool {
	return t.kind == ResourceTypeUndefined
}

func (t ResourceType) Domain() string         { return t.domain }
func (t ResourceType) Kind() ResourceTypeKind { return t.kind }
func (t ResourceType) Type() string           { return t.typ }
func (t ResourceType) Version() int           { return t.version }

func (t ResourceType) String() string {
	return fmt.Sprintf("urn:%s:%s:%s:%d", t.domain, t.kind, t.typ, t.version)
}

// Equal は、完全一致（ドメイン・種別・タイプ・バージョン）を判定する
func (t ResourceType) Equal(o ResourceType) bool {
	return t == o
}

// CompatibleWith は、要求タイプ req に対して t が互換かどうかを返す。
// ドメイン・種別・タイプが一致し、バージョンが要求以上であれば互換とする。
func (t ResourceType) CompatibleWith(req ResourceType) bool {
	return t.domain == req.domain &&
		t.kind == req.kind &&
		t.typ == req.typ &&
		t.version >= req.version
}

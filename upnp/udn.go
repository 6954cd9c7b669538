package upnp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ValidityLevel は、パース時の検証レベルを表す。
// Strict は UDA の文面どおり（UUIDは小文字16進のみ）、
// Lenient は実機互換のため大文字・混在も受け付ける。
type ValidityLevel int

const (
	LevelStrict ValidityLevel = iota
	LevelLenient
)

var (
	udnStrictRe  = regexp.MustCompile(`^uuid:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	udnLenientRe = regexp.MustCompile(`^uuid:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// UDN は、`uuid:<uuid>` 形式の Unique Device Name を表す
type UDN struct {
	value string
}

// ParseUDN は、UDN文字列を検証レベルに従ってパースする
func ParseUDN(s string, level ValidityLevel) (UDN, error) {
	re := udnStrictRe
	if level == LevelLenient {
		re = udnLenientRe
	}
	if !re.MatchString(s) {
		return UDN{}, fmt.Errorf("invalid UDN: %q", s)
	}
	return UDN{value: s}, nil
}

// NewUDN は、新しいランダムUUIDに基づくUDNを生成する
func NewUDN() UDN {
	return UDN{value: "uuid:" + uuid.NewString()}
}

// IsZero は、未設定のUDNかどうかを返す
func (u UDN) IsZero() bool {
	return u.value == ""
}

// String は `uuid:<uuid>` 形式の完全な文字列を返す
func (u UDN) String() string {
	return u.value
}

// UUID は `uuid:` プレフィックスを除いた部分を返す
func (u UDN) UUID() string {
	return strings.TrimPrefix(u.value, "uuid:")
}

// Equal は、UUID部分の大文字小文字を無視して比較する
func (u UDN) Equal(o UDN) bool {
	return strings.EqualFold(u.value, o.value)
}

package upnp

import (
	"cmp"
	"strings"
)

// Clamp は、値を [min, max] の範囲に収める
func Clamp[T cmp.Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// normalizeKey は、大文字小文字を無視するマップキーを作る
func normalizeKey(s string) string {
	return strings.ToLower(s)
}

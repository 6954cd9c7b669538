package upnp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DataType は、UPnP の単純データ型 (UDA 1.1 Table 2-4) を表す
type DataType int

const (
	DataTypeUndefined DataType = iota
	DataTypeUI1
	DataTypeUI2
	DataTypeUI4
	DataTypeI1
	DataTypeI2
	DataTypeI4
	DataTypeInt
	DataTypeR4
	DataTypeR8
	DataTypeNumber
	DataTypeFixed14_4
	DataTypeFloat
	DataTypeChar
	DataTypeString
	DataTypeDate
	DataTypeDateTime
	DataTypeDateTimeTz
	DataTypeTime
	DataTypeTimeTz
	DataTypeBoolean
	DataTypeBinBase64
	DataTypeBinHex
	DataTypeURI
	DataTypeUUID
)

var dataTypeNames = map[DataType]string{
	DataTypeUI1:        "ui1",
	DataTypeUI2:        "ui2",
	DataTypeUI4:        "ui4",
	DataTypeI1:         "i1",
	DataTypeI2:         "i2",
	DataTypeI4:         "i4",
	DataTypeInt:        "int",
	DataTypeR4:         "r4",
	DataTypeR8:         "r8",
	DataTypeNumber:     "number",
	DataTypeFixed14_4:  "fixed.14.4",
	DataTypeFloat:      "float",
	DataTypeChar:       "char",
	DataTypeString:     "string",
	DataTypeDate:       "date",
	DataTypeDateTime:   "dateTime",
	DataTypeDateTimeTz: "dateTime.tz",
	DataTypeTime:       "time",
	DataTypeTimeTz:     "time.tz",
	DataTypeBoolean:    "boolean",
	DataTypeBinBase64:  "bin.base64",
	DataTypeBinHex:     "bin.hex",
	DataTypeURI:        "uri",
	DataTypeUUID:       "uuid",
}

var dataTypesByName = func() map[string]DataType {
	m := make(map[string]DataType, len(dataTypeNames))
	for t, n := range dataTypeNames {
		m[n] = t
	}
	return m
}()

// ParseDataType は、SCPD の <dataType> 要素の値をパースする
func ParseDataType(name string) (DataType, error) {
	if t, ok := dataTypesByName[name]; ok {
		return t, nil
	}
	return DataTypeUndefined, fmt.Errorf("unknown data type: %q", name)
}

func (t DataType) String() string {
	if n, ok := dataTypeNames[t]; ok {
		return n
	}
	return "undefined"
}

// IsNumeric は、数値型（整数・実数）かどうかを返す
func (t DataType) IsNumeric() bool {
	switch t {
	case DataTypeUI1, DataTypeUI2, DataTypeUI4, DataTypeI1, DataTypeI2, DataTypeI4,
		DataTypeInt, DataTypeR4, DataTypeR8, DataTypeNumber, DataTypeFixed14_4, DataTypeFloat:
		return true
	}
	return false
}

// IsInteger は、整数型かどうかを返す
func (t DataType) IsInteger() bool {
	switch t {
	case DataTypeUI1, DataTypeUI2, DataTypeUI4, DataTypeI1, DataTypeI2, DataTypeI4, DataTypeInt:
		return true
	}
	return false
}

func (t DataType) integerBounds() (min, max int64) {
	switch t {
	case DataTypeUI1:
		return 0, math.MaxUint8
	case DataTypeUI2:
		return 0, math.MaxUint16
	case DataTypeUI4:
		return 0, math.MaxUint32
	case DataTypeI1:
		return math.MinInt8, math.MaxInt8
	case DataTypeI2:
		return math.MinInt16, math.MaxInt16
	case DataTypeI4, DataTypeInt:
		return math.MinInt32, math.MaxInt32
	}
	return 0, 0
}

// 日付・時刻型のレイアウト。ISO 8601 のサブセット (UDA 1.1 §2.5)。
var (
	dateLayouts       = []string{"2006-01-02"}
	dateTimeLayouts   = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}
	dateTimeTzLayouts = []string{"2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05-0700", time.RFC3339}
	timeLayouts       = []string{"15:04:05", "15:04"}
	timeTzLayouts     = []string{"15:04:05Z07:00", "15:04:05-0700"}
)

func parseAny(layouts []string, s string) (time.Time, error) {
	var lastErr error
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// Validate は、文字列表現が型として妥当かどうかを検証する
func (t DataType) Validate(s string) error {
	_, err := t.Coerce(s)
	return err
}

// Coerce は、ワイヤ上の文字列表現を Go の値に変換する。
// 整数型は int64、実数型は float64、boolean は bool、
// bin.* は []byte、日付時刻型は time.Time、その他は string になる。
func (t DataType) Coerce(s string) (any, error) {
	switch {
	case t.IsInteger():
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", t, s, err)
		}
		min, max := t.integerBounds()
		if v < min || v > max {
			return nil, fmt.Errorf("%s value %d out of range [%d, %d]", t, v, min, max)
		}
		return v, nil
	case t == DataTypeR4 || t == DataTypeR8 || t == DataTypeNumber ||
		t == DataTypeFloat || t == DataTypeFixed14_4:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", t, s, err)
		}
		if t == DataTypeR4 && !math.IsInf(v, 0) && math.Abs(v) > math.MaxFloat32 {
			return nil, fmt.Errorf("r4 value %q out of range", s)
		}
		return v, nil
	case t == DataTypeBoolean:
		switch s {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value %q", s)
	case t == DataTypeChar:
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("invalid char value %q", s)
		}
		return s, nil
	case t == DataTypeString:
		return s, nil
	case t == DataTypeDate:
		return parseAny(dateLayouts, s)
	case t == DataTypeDateTime:
		return parseAny(dateTimeLayouts, s)
	case t == DataTypeDateTimeTz:
		return parseAny(dateTimeTzLayouts, s)
	case t == DataTypeTime:
		return parseAny(timeLayouts, s)
	case t == DataTypeTimeTz:
		return parseAny(timeTzLayouts, s)
	case t == DataTypeBinBase64:
		return base64.StdEncoding.DecodeString(s)
	case t == DataTypeBinHex:
		return hex.DecodeString(s)
	case t == DataTypeURI:
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uri value %q: %w", s, err)
		}
		return u.String(), nil
	case t == DataTypeUUID:
		if _, err := uuid.Parse(s); err != nil {
			return nil, fmt.Errorf("invalid uuid value %q: %w", s, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("undefined data type")
}

package upnp

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// EventingMode は、状態変数のイベント送信モードを表す
type EventingMode int

const (
	EventingNo EventingMode = iota
	EventingYes
	EventingMulticast
)

func (m EventingMode) String() string {
	switch m {
	case EventingYes:
		return "yes"
	case EventingMulticast:
		return "multicast"
	default:
		return "no"
	}
}

// AllowedValueRange は、数値型状態変数の許容範囲を表す。
// Step が 0 の場合は step 指定なしとして扱う。
type AllowedValueRange struct {
	Min  float64
	Max  float64
	Step float64
}

// StateVariableDefinition は、SCPD から得られる状態変数の定義を表す
type StateVariableDefinition struct {
	Name          string
	Type          DataType
	Eventing      EventingMode
	DefaultValue  string
	AllowedValues []string
	AllowedRange  *AllowedValueRange
}

// StateVariable は、サービスに属する状態変数を表す。
// 値はワイヤ表現（文字列）のまま保持し、検証時に型変換する。
// 値の更新は Service の更新パス経由でのみ行われる。
type StateVariable struct {
	def StateVariableDefinition

	mu    sync.RWMutex
	value string
}

// NewStateVariable は、定義から状態変数を作成する。初期値はデフォルト値。
func NewStateVariable(def StateVariableDefinition) (*StateVariable, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("state variable name is empty")
	}
	if def.Type == DataTypeUndefined {
		return nil, fmt.Errorf("state variable %q has no data type", def.Name)
	}
	if def.AllowedRange != nil {
		if !def.Type.IsNumeric() {
			return nil, fmt.Errorf("state variable %q: allowedValueRange on non-numeric type %s", def.Name, def.Type)
		}
		if def.AllowedRange.Min > def.AllowedRange.Max {
			return nil, fmt.Errorf("state variable %q: allowedValueRange min > max", def.Name)
		}
		if def.AllowedRange.Step < 0 {
			return nil, fmt.Errorf("state variable %q: allowedValueRange step < 0", def.Name)
		}
	}
	sv := &StateVariable{def: def, value: def.DefaultValue}
	if def.DefaultValue != "" {
		if err := sv.ValidateValue(def.DefaultValue); err != nil {
			return nil, fmt.Errorf("state variable %q: invalid default value: %w", def.Name, err)
		}
	}
	return sv, nil
}

func (sv *StateVariable) Name() string                        { return sv.def.Name }
func (sv *StateVariable) Type() DataType                      { return sv.def.Type }
func (sv *StateVariable) Eventing() EventingMode              { return sv.def.Eventing }
func (sv *StateVariable) DefaultValue() string                { return sv.def.DefaultValue }
func (sv *StateVariable) AllowedValues() []string             { return slices.Clone(sv.def.AllowedValues) }
func (sv *StateVariable) AllowedRange() *AllowedValueRange    { return sv.def.AllowedRange }
func (sv *StateVariable) Definition() StateVariableDefinition { return sv.def }

// IsEvented は、この変数の変更が NOTIFY を発生させるかどうかを返す
func (sv *StateVariable) IsEvented() bool {
	return sv.def.Eventing != EventingNo
}

// Value は、現在の値（ワイヤ表現）を返す
func (sv *StateVariable) Value() string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.value
}

// ValidateValue は、値が型と制約（許容リスト・範囲）を満たすか検証する
func (sv *StateVariable) ValidateValue(value string) error {
	coerced, err := sv.def.Type.Coerce(value)
	if err != nil {
		// 型の境界を超えていても、許容範囲を外れる数値は範囲外 (601) とする
		if r := sv.def.AllowedRange; r != nil {
			if f, perr := strconv.ParseFloat(value, 64); perr == nil && (f < r.Min || f > r.Max) {
				return NewActionError(ActionErrorArgumentValueOutOfRange, "")
			}
		}
		return NewActionError(ActionErrorArgumentValueInvalid, fmt.Sprintf("%s: %v", sv.def.Name, err))
	}
	if len(sv.def.AllowedValues) > 0 && !slices.Contains(sv.def.AllowedValues, value) {
		return NewActionError(ActionErrorArgumentValueInvalid,
			fmt.Sprintf("%s: value %q not in allowed value list", sv.def.Name, value))
	}
	if r := sv.def.AllowedRange; r != nil {
		var v float64
		switch c := coerced.(type) {
		case int64:
			v = float64(c)
		case float64:
			v = c
		}
		if v < r.Min || v > r.Max {
			return NewActionError(ActionErrorArgumentValueOutOfRange, "")
		}
	}
	return nil
}

// setValue は検証済みの値を格納する。Service の更新ロック配下から呼ばれる。
func (sv *StateVariable) setValue(value string) {
	sv.mu.Lock()
	sv.value = value
	sv.mu.Unlock()
}

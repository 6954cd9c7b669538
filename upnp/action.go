package upnp

import (
	"context"
	"fmt"
	"slices"
)

// ArgumentDirection は、アクション引数の方向を表す
type ArgumentDirection int

const (
	ArgumentIn ArgumentDirection = iota
	ArgumentOut
)

func (d ArgumentDirection) String() string {
	if d == ArgumentOut {
		return "out"
	}
	return "in"
}

// Argument は、アクション引数の定義を表す。
// RelatedStateVariable は型と制約の参照元となる状態変数名。
type Argument struct {
	Name                 string
	Direction            ArgumentDirection
	RelatedStateVariable string
	RetVal               bool
}

// ActionArguments は、宣言順を保持する引数名→値の集合を表す
type ActionArguments struct {
	names  []string
	values map[string]string
}

// NewActionArguments は、空の引数集合を作成する
func NewActionArguments() *ActionArguments {
	return &ActionArguments{values: make(map[string]string)}
}

// Set は、値を設定する。未知の名前は宣言順の末尾に追加される。
func (a *ActionArguments) Set(name, value string) {
	if _, ok := a.values[name]; !ok {
		a.names = append(a.names, name)
	}
	a.values[name] = value
}

// Get は、値と存在の有無を返す
func (a *ActionArguments) Get(name string) (string, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Names は、宣言順の引数名リストを返す
func (a *ActionArguments) Names() []string {
	return slices.Clone(a.names)
}

// Len は引数の個数を返す
func (a *ActionArguments) Len() int {
	return len(a.names)
}

// ActionInvoker は、サーバ側でアクションを実行する呼び出し能力を表す。
// 入力引数を受け取り、出力引数またはエラー（*ActionError を含む）を返す。
type ActionInvoker func(ctx context.Context, in *ActionArguments) (*ActionArguments, error)

// Action は、サービスのアクションを表す。
// コントロールポイント側では invoker は nil で、呼び出しは SOAP 経由となる。
type Action struct {
	name    string
	inArgs  []*Argument
	outArgs []*Argument
	invoker ActionInvoker
	service *Service
}

// NewAction は、引数定義からアクションを作成する。
// 引数名の重複、in/out 以外の方向、複数の retval、入力側の retval は拒否する。
func NewAction(name string, args []*Argument, invoker ActionInvoker) (*Action, error) {
	if name == "" {
		return nil, fmt.Errorf("action name is empty")
	}
	a := &Action{name: name, invoker: invoker}
	seen := make(map[string]bool, len(args))
	retvals := 0
	for _, arg := range args {
		if arg.Name == "" {
			return nil, fmt.Errorf("action %q: argument with empty name", name)
		}
		if seen[arg.Name] {
			return nil, fmt.Errorf("action %q: duplicate argument name %q", name, arg.Name)
		}
		seen[arg.Name] = true
		switch arg.Direction {
		case ArgumentIn:
			if arg.RetVal {
				return nil, fmt.Errorf("action %q: input argument %q marked retval", name, arg.Name)
			}
			a.inArgs = append(a.inArgs, arg)
		case ArgumentOut:
			if arg.RetVal {
				retvals++
			}
			a.outArgs = append(a.outArgs, arg)
		default:
			return nil, fmt.Errorf("action %q: argument %q has invalid direction", name, arg.Name)
		}
	}
	if retvals > 1 {
		return nil, fmt.Errorf("action %q: more than one retval argument", name)
	}
	return a, nil
}

func (a *Action) Name() string              { return a.name }
func (a *Action) InArguments() []*Argument  { return slices.Clone(a.inArgs) }
func (a *Action) OutArguments() []*Argument { return slices.Clone(a.outArgs) }

// Service は、このアクションが属するサービスを返す
func (a *Action) Service() *Service { return a.service }

// InArgument は、名前で入力引数定義を探す
func (a *Action) InArgument(name string) *Argument {
	for _, arg := range a.inArgs {
		if arg.Name == name {
			return arg
		}
	}
	return nil
}

// validateInputs は、入力引数を SCPD 定義に対して検証する。
// 不足・未知の引数は 402、値の違反は 600 系の ActionError になる。
func (a *Action) validateInputs(in *ActionArguments) error {
	for _, arg := range a.inArgs {
		v, ok := in.Get(arg.Name)
		if !ok {
			return NewActionError(ActionErrorInvalidArgs,
				fmt.Sprintf("missing input argument %q", arg.Name))
		}
		if sv := a.service.StateVariable(arg.RelatedStateVariable); sv != nil {
			if err := sv.ValidateValue(v); err != nil {
				return err
			}
		}
	}
	for _, name := range in.Names() {
		if a.InArgument(name) == nil {
			return NewActionError(ActionErrorInvalidArgs,
				fmt.Sprintf("unknown input argument %q", name))
		}
	}
	return nil
}

// Invoke は、サーバ側の呼び出し能力を実行する。
// 入力検証の後に invoker を呼び、出力を宣言順に整えて返す。
func (a *Action) Invoke(ctx context.Context, in *ActionArguments) (*ActionArguments, error) {
	if a.service != nil && a.service.IsDisposed() {
		return nil, ErrDisposed
	}
	if a.invoker == nil {
		return nil, NewActionError(ActionErrorOptionalActionNotImplemented, "")
	}
	if in == nil {
		in = NewActionArguments()
	}
	if err := a.validateInputs(in); err != nil {
		return nil, err
	}
	out, err := a.invoker(ctx, in)
	if err != nil {
		return nil, err
	}
	// 出力は宣言順で返す。invoker が埋めなかった出力は空文字列になる。
	ordered := NewActionArguments()
	for _, arg := range a.outArgs {
		v := ""
		if out != nil {
			if ov, ok := out.Get(arg.Name); ok {
				v = ov
			}
		}
		ordered.Set(arg.Name, v)
	}
	return ordered, nil
}

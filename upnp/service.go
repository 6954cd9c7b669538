package upnp

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// StateVariableChange は、状態変数の値変更通知を表す
type StateVariableChange struct {
	Service  *Service
	Variable *StateVariable
	Value    string
}

// ChangeListener は、状態変数の変更ストリームの購読先を表す
type ChangeListener func(change StateVariableChange)

// ServiceDefinition は、記述文書から得られるサービスの骨格を表す
type ServiceDefinition struct {
	ServiceID   string
	ServiceType ResourceType
	SCPDURL     string
	ControlURL  string
	EventSubURL string
}

// Service は、デバイスに属するサービスを表す。
// アクションと状態変数の集合を持ち、状態変数の更新はこのサービスの
// 更新ロック配下で行われる。
type Service struct {
	def    ServiceDefinition
	device *Device

	mu        sync.RWMutex
	actions   map[string]*Action
	actionsIn []string // 宣言順
	stateVars map[string]*StateVariable
	varsIn    []string // 宣言順

	listenerMu sync.RWMutex
	listeners  []ChangeListener

	disposed atomic.Bool
}

// NewService は、定義からサービスを作成する
func NewService(def ServiceDefinition) (*Service, error) {
	if def.ServiceID == "" {
		return nil, fmt.Errorf("service id is empty")
	}
	if def.ServiceType.IsZero() || def.ServiceType.Kind() != ResourceTypeService {
		return nil, fmt.Errorf("service %q: invalid service type", def.ServiceID)
	}
	return &Service{
		def:       def,
		actions:   make(map[string]*Action),
		stateVars: make(map[string]*StateVariable),
	}, nil
}

func (s *Service) ID() string                { return s.def.ServiceID }
func (s *Service) ServiceType() ResourceType { return s.def.ServiceType }
func (s *Service) SCPDURL() string           { return s.def.SCPDURL }
func (s *Service) ControlURL() string        { return s.def.ControlURL }
func (s *Service) EventSubURL() string       { return s.def.EventSubURL }

// Device は、このサービスが属するデバイスを返す
func (s *Service) Device() *Device {
	return s.device
}

// SetURLs は、サービスの3つの URL を付け替える。
// デバイスホストが記述ファイル内の URL を自身のレイアウトへ
// 正規化するときに使う。
func (s *Service) SetURLs(scpdURL, controlURL, eventSubURL string) {
	s.mu.Lock()
	s.def.SCPDURL = scpdURL
	s.def.ControlURL = controlURL
	s.def.EventSubURL = eventSubURL
	s.mu.Unlock()
}

// AddStateVariable は、状態変数を追加する。名前はサービス内で一意でなければならない。
func (s *Service) AddStateVariable(sv *StateVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stateVars[sv.Name()]; exists {
		return fmt.Errorf("service %q: duplicate state variable %q", s.def.ServiceID, sv.Name())
	}
	s.stateVars[sv.Name()] = sv
	s.varsIn = append(s.varsIn, sv.Name())
	return nil
}

// AddAction は、アクションを追加する。名前はサービス内で一意でなければならない。
func (s *Service) AddAction(a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[a.name]; exists {
		return fmt.Errorf("service %q: duplicate action %q", s.def.ServiceID, a.name)
	}
	a.service = s
	s.actions[a.name] = a
	s.actionsIn = append(s.actionsIn, a.name)
	return nil
}

// StateVariable は、名前で状態変数を探す。破棄済みの場合は nil。
func (s *Service) StateVariable(name string) *StateVariable {
	if s.disposed.Load() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateVars[name]
}

// StateVariables は、宣言順の状態変数リストを返す
func (s *Service) StateVariables() []*StateVariable {
	if s.disposed.Load() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make([]*StateVariable, 0, len(s.varsIn))
	for _, name := range s.varsIn {
		vars = append(vars, s.stateVars[name])
	}
	return vars
}

// Action は、名前でアクションを探す。破棄済みの場合は nil。
func (s *Service) Action(name string) *Action {
	if s.disposed.Load() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actions[name]
}

// Actions は、宣言順のアクションリストを返す
func (s *Service) Actions() []*Action {
	if s.disposed.Load() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	actions := make([]*Action, 0, len(s.actionsIn))
	for _, name := range s.actionsIn {
		actions = append(actions, s.actions[name])
	}
	return actions
}

// IsEvented は、イベント対象の状態変数を1つ以上持つかどうかを返す
func (s *Service) IsEvented() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sv := range s.stateVars {
		if sv.IsEvented() {
			return true
		}
	}
	return false
}

// OnChange は、状態変数の変更ストリームに購読先を追加する
func (s *Service) OnChange(l ChangeListener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenerMu.Unlock()
}

func (s *Service) notifyChange(sv *StateVariable, value string) {
	s.listenerMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		l(StateVariableChange{Service: s, Variable: sv, Value: value})
	}
}

// Update は、状態変数を検証の上で更新する。
// 変数がイベント対象であれば変更ストリームへ通知する。
func (s *Service) Update(name, value string) error {
	return s.UpdateMany([]StateVariableValue{{Name: name, Value: value}}, true)
}

// StateVariableValue は、一括更新の1要素を表す
type StateVariableValue struct {
	Name  string
	Value string
}

// UpdateMany は、複数の状態変数を all-or-nothing で更新する。
// いずれかの検証が失敗した場合、可視の変更は一切行われない。
// sendEvent が false の場合は変更ストリームへの通知を抑制する。
func (s *Service) UpdateMany(values []StateVariableValue, sendEvent bool) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.mu.Lock()
	// 先に全件を検証してから適用する
	vars := make([]*StateVariable, len(values))
	for i, v := range values {
		sv, ok := s.stateVars[v.Name]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("service %q: unknown state variable %q", s.def.ServiceID, v.Name)
		}
		if err := sv.ValidateValue(v.Value); err != nil {
			s.mu.Unlock()
			return err
		}
		vars[i] = sv
	}
	for i, v := range values {
		vars[i].setValue(v.Value)
	}
	s.mu.Unlock()

	if sendEvent {
		for i, v := range values {
			if vars[i].IsEvented() {
				s.notifyChange(vars[i], v.Value)
			}
		}
	}
	return nil
}

// IsDisposed は、破棄済みかどうかを返す
func (s *Service) IsDisposed() bool {
	return s.disposed.Load()
}

// dispose は、サービスを終端状態へ遷移させる。以後の検索は空を返す。
func (s *Service) dispose() {
	s.disposed.Store(true)
	s.listenerMu.Lock()
	s.listeners = nil
	s.listenerMu.Unlock()
}

package gena

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladhorn/hupnp/upnp"
)

// SubscriptionStatus は、コントロールポイント側の購読状態を表す
type SubscriptionStatus int

const (
	Unsubscribed SubscriptionStatus = iota
	Subscribing
	Subscribed
	Unsubscribing
)

func (s SubscriptionStatus) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "unsubscribed"
	}
}

// ClientSubscription は、コントロールポイント側の購読を表す
type ClientSubscription struct {
	id          string
	service     *upnp.Service
	deliveryURL string // サービスのイベント URL
	callbackURL string // ローカル HTTP サーバ上の NOTIFY 受信 URL

	mu               sync.Mutex
	sid              string
	requestedTimeout time.Duration
	grantedTimeout   time.Duration
	expectedSeq      uint32
	seenInitial      bool
	status           SubscriptionStatus
	renewTimer       *time.Timer
}

func (cs *ClientSubscription) ID() string { return cs.id }

// SID は、パブリッシャが割り当てた購読識別子を返す
func (cs *ClientSubscription) SID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sid
}

// Status は、現在の購読状態を返す
func (cs *ClientSubscription) Status() SubscriptionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.status
}

func (cs *ClientSubscription) setStatus(s SubscriptionStatus) {
	cs.mu.Lock()
	cs.status = s
	cs.mu.Unlock()
}

func (cs *ClientSubscription) stopTimerLocked() {
	if cs.renewTimer != nil {
		cs.renewTimer.Stop()
		cs.renewTimer = nil
	}
}

// SubscriberEvent は、購読管理からオーケストレータへの通知を表す
type SubscriberEvent struct {
	Service *upnp.Service
	SID     string
	Err     error
}

// Subscriber は、コントロールポイント側の購読集合を管理する。
// 購読は {sid → 購読} と {udn → 購読リスト} の双方で引ける。
type Subscriber struct {
	httpClient *http.Client
	events     chan SubscriberEvent

	mu        sync.Mutex
	bySID     map[string]*ClientSubscription
	byUDN     map[string][]*ClientSubscription
	byService map[*upnp.Service]*ClientSubscription

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber は、購読管理を作成する
func NewSubscriber(ctx context.Context, timeout time.Duration) *Subscriber {
	subCtx, cancel := context.WithCancel(ctx)
	return &Subscriber{
		httpClient: &http.Client{Timeout: timeout},
		events:     make(chan SubscriberEvent, 32),
		bySID:      make(map[string]*ClientSubscription),
		byUDN:      make(map[string][]*ClientSubscription),
		byService:  make(map[*upnp.Service]*ClientSubscription),
		ctx:        subCtx,
		cancel:     cancel,
	}
}

// Events は、subscriptionFailed などの通知チャンネルを返す
func (s *Subscriber) Events() <-chan SubscriberEvent {
	return s.events
}

// Close は、全購読のローカル状態を破棄する（UNSUBSCRIBE は送らない）
func (s *Subscriber) Close() {
	s.cancel()
	s.mu.Lock()
	for _, cs := range s.byService {
		cs.mu.Lock()
		cs.stopTimerLocked()
		cs.status = Unsubscribed
		cs.mu.Unlock()
	}
	s.bySID = make(map[string]*ClientSubscription)
	s.byUDN = make(map[string][]*ClientSubscription)
	s.byService = make(map[*upnp.Service]*ClientSubscription)
	s.mu.Unlock()
}

func (s *Subscriber) emit(ev SubscriberEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("購読イベントチャンネルがブロックされています")
	}
}

func serviceUDN(svc *upnp.Service) string {
	if d := svc.Device(); d != nil {
		return d.UDN().String()
	}
	return ""
}

// Subscribe は、サービスへの購読を開始する。
// 既に Subscribed の購読があれば AlreadySubscribed を返し、
// 購読レコードはあるが未購読なら購読し直す。
func (s *Subscriber) Subscribe(svc *upnp.Service, timeout time.Duration, callbackURL string) error {
	if !svc.IsEvented() {
		return &upnp.SubscriptionError{Kind: upnp.SubscriptionNotEvented}
	}

	s.mu.Lock()
	cs, exists := s.byService[svc]
	if exists && cs.Status() == Subscribed {
		s.mu.Unlock()
		return &upnp.SubscriptionError{Kind: upnp.SubscriptionAlreadySubscribed}
	}
	if !exists {
		cs = &ClientSubscription{
			id:               uuid.NewString(),
			service:          svc,
			deliveryURL:      svc.EventSubURL(),
			callbackURL:      callbackURL,
			requestedTimeout: timeout,
		}
		s.byService[svc] = cs
		if udn := serviceUDN(svc); udn != "" {
			s.byUDN[udn] = append(s.byUDN[udn], cs)
		}
	}
	cs.mu.Lock()
	cs.status = Subscribing
	cs.requestedTimeout = timeout
	cs.callbackURL = callbackURL
	cs.mu.Unlock()
	s.mu.Unlock()

	return s.doSubscribe(cs)
}

// doSubscribe は、SUBSCRIBE リクエストを送って応答を反映する
func (s *Subscriber) doSubscribe(cs *ClientSubscription) error {
	req, err := http.NewRequestWithContext(s.ctx, "SUBSCRIBE", cs.deliveryURL, nil)
	if err != nil {
		cs.setStatus(Unsubscribed)
		return err
	}
	req.Header.Set("NT", NTEvent)
	req.Header.Set("CALLBACK", "<"+cs.callbackURL+">")
	if cs.requestedTimeout > 0 {
		req.Header.Set("TIMEOUT", FormatTimeoutHeader(cs.requestedTimeout))
	} else {
		req.Header.Set("TIMEOUT", "Second-infinite")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cs.setStatus(Unsubscribed)
		return fmt.Errorf("subscribe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cs.setStatus(Unsubscribed)
		return fmt.Errorf("subscribe failed with status %d", resp.StatusCode)
	}

	sid := resp.Header.Get("SID")
	granted, infinite, err := ParseTimeoutHeader(resp.Header.Get("TIMEOUT"))
	if err != nil || sid == "" {
		cs.setStatus(Unsubscribed)
		return fmt.Errorf("subscribe response missing SID or TIMEOUT")
	}
	if infinite {
		granted = 0
	}

	s.mu.Lock()
	cs.mu.Lock()
	cs.sid = sid
	cs.grantedTimeout = granted
	cs.status = Subscribed
	cs.expectedSeq = 0
	cs.seenInitial = false
	s.bySID[sid] = cs
	cs.stopTimerLocked()
	// 更新は許可タイムアウトの半分で予約する
	if granted > 0 {
		cs.renewTimer = time.AfterFunc(granted/2, func() { s.renew(cs) })
	}
	cs.mu.Unlock()
	s.mu.Unlock()

	slog.Debug("購読に成功しました", "sid", sid, "granted", granted)
	return nil
}

// renew は、購読更新を行う。失敗時は1回だけ即時再試行し、
// それでも失敗なら Unsubscribed へ遷移して subscriptionFailed を発火する。
func (s *Subscriber) renew(cs *ClientSubscription) {
	if s.ctx.Err() != nil {
		return
	}
	if cs.Status() != Subscribed {
		return
	}
	err := s.doRenew(cs)
	if err != nil {
		slog.Debug("購読更新に失敗、再試行します", "sid", cs.SID(), "err", err)
		err = s.doRenew(cs)
	}
	if err != nil {
		sid := cs.SID()
		s.mu.Lock()
		delete(s.bySID, sid)
		s.mu.Unlock()
		cs.mu.Lock()
		cs.stopTimerLocked()
		cs.status = Unsubscribed
		cs.mu.Unlock()
		s.emit(SubscriberEvent{Service: cs.service, SID: sid, Err: err})
	}
}

func (s *Subscriber) doRenew(cs *ClientSubscription) error {
	req, err := http.NewRequestWithContext(s.ctx, "SUBSCRIBE", cs.deliveryURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", cs.SID())
	if cs.requestedTimeout > 0 {
		req.Header.Set("TIMEOUT", FormatTimeoutHeader(cs.requestedTimeout))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renewal rejected with status %d", resp.StatusCode)
	}
	granted, infinite, err := ParseTimeoutHeader(resp.Header.Get("TIMEOUT"))
	if err != nil {
		return err
	}
	if infinite {
		granted = 0
	}
	cs.mu.Lock()
	cs.grantedTimeout = granted
	cs.stopTimerLocked()
	if granted > 0 {
		cs.renewTimer = time.AfterFunc(granted/2, func() { s.renew(cs) })
	}
	cs.mu.Unlock()
	return nil
}

// SubscriptionStatus は、サービスの購読状態を返す。未知なら Unsubscribed。
func (s *Subscriber) SubscriptionStatus(svc *upnp.Service) SubscriptionStatus {
	s.mu.Lock()
	cs, ok := s.byService[svc]
	s.mu.Unlock()
	if !ok {
		return Unsubscribed
	}
	return cs.Status()
}

// unsubscribeOne は、1購読を終端する。sendUnsubscribe が真なら
// UNSUBSCRIBE を送る（相手が消えている場合は偽で呼ぶ）。
func (s *Subscriber) unsubscribeOne(cs *ClientSubscription, sendUnsubscribe bool) {
	sid := cs.SID()
	if sendUnsubscribe && sid != "" && cs.Status() == Subscribed {
		cs.setStatus(Unsubscribing)
		req, err := http.NewRequestWithContext(s.ctx, "UNSUBSCRIBE", cs.deliveryURL, nil)
		if err == nil {
			req.Header.Set("SID", sid)
			if resp, err := s.httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	s.mu.Lock()
	delete(s.bySID, sid)
	s.mu.Unlock()
	cs.mu.Lock()
	cs.stopTimerLocked()
	cs.sid = ""
	cs.status = Unsubscribed
	cs.mu.Unlock()
}

// subscriptionsFor は、探索範囲内の全サービスの購読を集める
func (s *Subscriber) subscriptionsFor(device *upnp.Device, mode upnp.VisitMode) []*ClientSubscription {
	var result []*ClientSubscription
	s.mu.Lock()
	for _, dev := range device.EmbeddedDevices(mode) {
		for _, svc := range dev.Services() {
			if cs, ok := s.byService[svc]; ok {
				result = append(result, cs)
			}
		}
	}
	s.mu.Unlock()
	return result
}

// Cancel は、デバイスツリーの購読を探索範囲に従って解除する。
// unsubscribe が偽の場合はローカル状態だけを Unsubscribed にする
// （リモートデバイスが既に消えた場合に使う）。
func (s *Subscriber) Cancel(device *upnp.Device, mode upnp.VisitMode, unsubscribe bool) {
	for _, cs := range s.subscriptionsFor(device, mode) {
		s.unsubscribeOne(cs, unsubscribe)
	}
}

// RemoveDevice は、Cancel に加えてローカルの購読レコードも削除する
func (s *Subscriber) RemoveDevice(device *upnp.Device, mode upnp.VisitMode, unsubscribe bool) {
	for _, cs := range s.subscriptionsFor(device, mode) {
		s.unsubscribeOne(cs, unsubscribe)
		s.removeRecord(cs)
	}
}

// RemoveService は、1サービス分の購読レコードを削除する
func (s *Subscriber) RemoveService(svc *upnp.Service, unsubscribe bool) {
	s.mu.Lock()
	cs, ok := s.byService[svc]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.unsubscribeOne(cs, unsubscribe)
	s.removeRecord(cs)
}

func (s *Subscriber) removeRecord(cs *ClientSubscription) {
	s.mu.Lock()
	delete(s.byService, cs.service)
	if udn := serviceUDN(cs.service); udn != "" {
		list := s.byUDN[udn]
		for i, other := range list {
			if other == cs {
				s.byUDN[udn] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.byUDN[udn]) == 0 {
			delete(s.byUDN, udn)
		}
	}
	s.mu.Unlock()
}

// OnNotify は、NOTIFY リクエストを処理する。
// 未知の SID は PreconditionFailed。SEQ ヘッダ欠落は期待値を 0 に戻す。
// 受理した変更はサービスの状態変数更新パスへ渡す。
func (s *Subscriber) OnNotify(sid string, seqHeader string, body []byte) error {
	s.mu.Lock()
	cs, ok := s.bySID[sid]
	s.mu.Unlock()
	if !ok {
		return &upnp.SubscriptionError{Kind: upnp.SubscriptionPreconditionFailed, SID: sid}
	}

	cs.mu.Lock()
	if seqHeader == "" {
		// SEQ 欠落は期待値をリセットして受理する
		cs.expectedSeq = 0
		cs.seenInitial = false
	} else {
		seq64, err := strconv.ParseUint(seqHeader, 10, 32)
		if err != nil {
			cs.mu.Unlock()
			return fmt.Errorf("invalid SEQ header %q", seqHeader)
		}
		seq := uint32(seq64)
		if cs.seenInitial && seq < cs.expectedSeq && seq != 0 {
			cs.mu.Unlock()
			return fmt.Errorf("out of order SEQ %d (expected >= %d)", seq, cs.expectedSeq)
		}
		cs.seenInitial = true
		cs.expectedSeq = nextSeq(seq)
	}
	svc := cs.service
	cs.mu.Unlock()

	values, err := ParsePropertySet(body)
	if err != nil {
		return err
	}
	return svc.UpdateMany(values, true)
}

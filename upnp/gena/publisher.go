package gena

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/httpmsg"
)

// 配送と寿命管理の既定値
const (
	// DefaultMaxTimeout は、購読タイムアウトの既定上限
	DefaultMaxTimeout = 1800 * time.Second
	// DefaultMinTimeout は、購読タイムアウトの既定下限
	DefaultMinTimeout = 30 * time.Second
	// NonEventedTimeout は、イベント非対応サービスへの購読に与える寿命
	NonEventedTimeout = 24 * time.Hour
	// notifyAckTimeout は、NOTIFY 応答の待ち時間
	notifyAckTimeout = 3 * time.Second
	// notifyQueueDepth は、購読ごとの送信キュー深さ。溢れた購読は失効する。
	notifyQueueDepth = 64
	// sweepInterval は、失効購読の掃除間隔
	sweepInterval = time.Second
)

// subscription は、サーバ側の購読レコードを表す
type subscription struct {
	sid       string
	service   *upnp.Service
	callbacks []*url.URL
	timeout   time.Duration

	mu          sync.Mutex
	seq         uint32
	initialSent bool
	lastRenewed time.Time
	expired     bool

	queue  chan []upnp.StateVariableValue
	cancel context.CancelFunc
}

func (s *subscription) isExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired || now.Sub(s.lastRenewed) > s.timeout
}

func (s *subscription) expire() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
}

// PublisherConfig は、購読受付の設定を表す
type PublisherConfig struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// SubscribeNonEvented が真の場合、イベント非対応サービスへの購読も
	// 受け付けて24時間の寿命を与える（NOTIFY は送らない）
	SubscribeNonEvented bool
	// ServerToken は、応答の SERVER ヘッダ値
	ServerToken string
}

// Publisher は、デバイスホスト側の購読テーブルと NOTIFY 配送を管理する
type Publisher struct {
	config PublisherConfig

	mu        sync.Mutex
	subs      map[string]*subscription          // sid -> 購読
	byService map[*upnp.Service][]*subscription // サービス -> 購読リスト

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// DialFunc はテスト用に差し替え可能な接続関数
	DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewPublisher は、購読管理を作成して掃除ループを開始する
func NewPublisher(ctx context.Context, config PublisherConfig) *Publisher {
	if config.MinTimeout == 0 {
		config.MinTimeout = DefaultMinTimeout
	}
	if config.MaxTimeout == 0 {
		config.MaxTimeout = DefaultMaxTimeout
	}
	pubCtx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		config:    config,
		subs:      make(map[string]*subscription),
		byService: make(map[*upnp.Service][]*subscription),
		ctx:       pubCtx,
		cancel:    cancel,
		DialFunc:  net.DialTimeout,
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Close は、全購読を破棄して配送を止める
func (p *Publisher) Close() {
	p.cancel()
	p.mu.Lock()
	for _, sub := range p.subs {
		sub.cancel()
	}
	p.subs = make(map[string]*subscription)
	p.byService = make(map[*upnp.Service][]*subscription)
	p.mu.Unlock()
	p.wg.Wait()
}

// Attach は、サービスの状態変数変更ストリームを NOTIFY 配送へ接続する
func (p *Publisher) Attach(svc *upnp.Service) {
	svc.OnChange(func(change upnp.StateVariableChange) {
		p.notifyChange(change.Service, []upnp.StateVariableValue{
			{Name: change.Variable.Name(), Value: change.Value},
		})
	})
}

// clampTimeout は、要求タイムアウトを設定範囲に収める
func (p *Publisher) clampTimeout(requested time.Duration, infinite bool) time.Duration {
	if infinite || requested == 0 {
		return p.config.MaxTimeout
	}
	return upnp.Clamp(requested, p.config.MinTimeout, p.config.MaxTimeout)
}

// SubscriptionCount は、サービスの購読数を返す
func (p *Publisher) SubscriptionCount(svc *upnp.Service) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byService[svc])
}

// HasSubscription は、SID の購読が存在するかを返す
func (p *Publisher) HasSubscription(sid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[sid]
	return ok
}

// RemoveService は、サービスに紐づく全購読を削除する（デバイス撤去時）
func (p *Publisher) RemoveService(svc *upnp.Service) {
	p.mu.Lock()
	for _, sub := range p.byService[svc] {
		sub.cancel()
		delete(p.subs, sub.sid)
	}
	delete(p.byService, svc)
	p.mu.Unlock()
}

// parseCallbacks は、`CALLBACK: <url1> <url2> …` をパースする
func parseCallbacks(value string) ([]*url.URL, error) {
	var urls []*url.URL
	for _, part := range strings.Fields(value) {
		part = strings.TrimPrefix(part, "<")
		part = strings.TrimSuffix(part, ">")
		if part == "" {
			continue
		}
		u, err := url.Parse(part)
		if err != nil || u.Scheme != "http" || u.Host == "" {
			return nil, fmt.Errorf("bad callback URL %q", part)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no callback URLs in %q", value)
	}
	return urls, nil
}

// ServeSubscription は、イベント URL への SUBSCRIBE / UNSUBSCRIBE を処理する。
// 新規購読は NT: upnp:event と CALLBACK を要求し、更新は SID のみ
// （NT / CALLBACK との併用は 400）。未知の SID は 412。
func (p *Publisher) ServeSubscription(w http.ResponseWriter, r *http.Request, svc *upnp.Service) {
	switch r.Method {
	case "SUBSCRIBE":
		p.serveSubscribe(w, r, svc)
	case "UNSUBSCRIBE":
		p.serveUnsubscribe(w, r, svc)
	default:
		w.Header().Set("Allow", "SUBSCRIBE, UNSUBSCRIBE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Publisher) serveSubscribe(w http.ResponseWriter, r *http.Request, svc *upnp.Service) {
	sid := r.Header.Get("SID")
	nt := r.Header.Get("NT")
	callback := r.Header.Get("CALLBACK")

	if sid != "" {
		// 更新。NT / CALLBACK と同時指定は不正。
		if nt != "" || callback != "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		p.renew(w, r, sid)
		return
	}

	if nt != NTEvent {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	callbacks, err := parseCallbacks(callback)
	if err != nil {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	evented := svc.IsEvented()
	if !evented && !p.config.SubscribeNonEvented {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	var timeout time.Duration
	if evented {
		requested, infinite, err := ParseTimeoutHeader(r.Header.Get("TIMEOUT"))
		if err != nil {
			requested, infinite = 0, true // TIMEOUT 欠落は上限を与える
		}
		timeout = p.clampTimeout(requested, infinite)
	} else {
		// イベント非対応サービスへは24時間を与えて NOTIFY は送らない
		timeout = NonEventedTimeout
	}

	subCtx, cancel := context.WithCancel(p.ctx)
	sub := &subscription{
		sid:         "uuid:" + uuid.NewString(),
		service:     svc,
		callbacks:   callbacks,
		timeout:     timeout,
		lastRenewed: time.Now(),
		queue:       make(chan []upnp.StateVariableValue, notifyQueueDepth),
		cancel:      cancel,
	}

	if evented {
		// 初回 NOTIFY（全イベント対象変数、SEQ 0）を先頭にキューイングしてから
		// 購読を可視化する。以後の変更が初回より先に並ぶことはない。
		var initial []upnp.StateVariableValue
		for _, sv := range svc.StateVariables() {
			if sv.IsEvented() {
				initial = append(initial, upnp.StateVariableValue{Name: sv.Name(), Value: sv.Value()})
			}
		}
		sub.queue <- initial
	}

	p.mu.Lock()
	p.subs[sub.sid] = sub
	p.byService[svc] = append(p.byService[svc], sub)
	p.mu.Unlock()

	w.Header().Set("SID", sub.sid)
	w.Header().Set("Timeout", FormatTimeoutHeader(timeout))
	if p.config.ServerToken != "" {
		w.Header().Set("Server", p.config.ServerToken)
	}
	w.WriteHeader(http.StatusOK)

	p.wg.Add(1)
	go p.deliverLoop(subCtx, sub)

	slog.Debug("購読を受け付けました", "sid", sub.sid, "service", svc.ID(), "timeout", timeout)
}

func (p *Publisher) renew(w http.ResponseWriter, r *http.Request, sid string) {
	p.mu.Lock()
	sub, ok := p.subs[sid]
	p.mu.Unlock()
	if !ok || sub.isExpired(time.Now()) {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	requested, infinite, err := ParseTimeoutHeader(r.Header.Get("TIMEOUT"))
	if err != nil {
		requested, infinite = 0, true
	}
	timeout := p.clampTimeout(requested, infinite)

	sub.mu.Lock()
	sub.timeout = timeout
	sub.lastRenewed = time.Now()
	sub.mu.Unlock()

	w.Header().Set("SID", sid)
	w.Header().Set("Timeout", FormatTimeoutHeader(timeout))
	if p.config.ServerToken != "" {
		w.Header().Set("Server", p.config.ServerToken)
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Publisher) serveUnsubscribe(w http.ResponseWriter, r *http.Request, svc *upnp.Service) {
	sid := r.Header.Get("SID")
	if sid == "" || r.Header.Get("NT") != "" || r.Header.Get("CALLBACK") != "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	sub, ok := p.subs[sid]
	if ok {
		delete(p.subs, sid)
		p.removeFromService(sub)
	}
	p.mu.Unlock()
	if !ok {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	sub.cancel()
	w.WriteHeader(http.StatusOK)
}

// 呼び出し側が p.mu を保持していること
func (p *Publisher) removeFromService(sub *subscription) {
	list := p.byService[sub.service]
	for i, s := range list {
		if s == sub {
			p.byService[sub.service] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.byService[sub.service]) == 0 {
		delete(p.byService, sub.service)
	}
}

// notifyChange は、サービスの購読へ変更をキューイングする。
// キューが溢れた購読は失効する（再試行キューは持たない）。
func (p *Publisher) notifyChange(svc *upnp.Service, values []upnp.StateVariableValue) {
	p.mu.Lock()
	subs := make([]*subscription, len(p.byService[svc]))
	copy(subs, p.byService[svc])
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- values:
		default:
			slog.Warn("NOTIFY キューが溢れたため購読を失効させます", "sid", sub.sid)
			sub.expire()
		}
	}
}

// deliverLoop は、1購読分の NOTIFY を厳密な SEQ 順で配送する
func (p *Publisher) deliverLoop(ctx context.Context, sub *subscription) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case values := <-sub.queue:
			if sub.isExpired(time.Now()) {
				return
			}
			if err := p.deliver(sub, values); err != nil {
				slog.Debug("NOTIFY の配送に失敗、購読を失効させます", "sid", sub.sid, "err", err)
				sub.expire()
				return
			}
		}
	}
}

// deliver は、1件の NOTIFY を購読のコールバック URL へ送る。
// 最初に応答した URL で成功とし、全滅なら失敗。
func (p *Publisher) deliver(sub *subscription, values []upnp.StateVariableValue) error {
	sub.mu.Lock()
	var seq uint32
	if !sub.initialSent {
		seq = 0
		sub.initialSent = true
	} else {
		sub.seq = nextSeq(sub.seq)
		seq = sub.seq
	}
	sub.mu.Unlock()

	body := BuildPropertySet(values)
	var lastErr error
	for _, cb := range sub.callbacks {
		if err := p.sendNotify(cb, sub.sid, seq, body); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// sendNotify は、NOTIFY を1つのコールバック URL へ送って応答を待つ。
// httpmsg による素の接続上の配送で、応答待ちは3秒に絞る。
func (p *Publisher) sendNotify(cb *url.URL, sid string, seq uint32, body []byte) error {
	host := cb.Host
	if cb.Port() == "" {
		host = net.JoinHostPort(cb.Hostname(), "80")
	}
	conn, err := p.DialFunc("tcp", host, notifyAckTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	path := cb.RequestURI()
	if path == "" {
		path = "/"
	}
	m := httpmsg.NewRequest("NOTIFY", path)
	m.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	m.Header.Set("NT", NTEvent)
	m.Header.Set("NTS", NTSPropChange)
	m.Header.Set("SID", sid)
	m.Header.Set("Seq", fmt.Sprintf("%d", seq))
	m.Body = body

	if err := httpmsg.Send(conn, m, httpmsg.SendOptions{Host: cb.Host, KeepAlive: false}); err != nil {
		return err
	}
	resp, err := httpmsg.Receive(conn, notifyAckTimeout, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify rejected with status %d", resp.StatusCode)
	}
	return nil
}

// sweepLoop は、失効した購読を定期的に取り除く
func (p *Publisher) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.mu.Lock()
			for sid, sub := range p.subs {
				if sub.isExpired(now) {
					delete(p.subs, sid)
					p.removeFromService(sub)
					sub.cancel()
					slog.Debug("失効した購読を削除しました", "sid", sid)
				}
			}
			p.mu.Unlock()
		}
	}
}

// Package controlpoint は、コントロールポイントのオーケストレータを
// 実装します。SSDP の取り込み、デバイス構築タスク、購読の接着、
// NOTIFY 受信サーバを司ります。
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/description"
	"github.com/gladhorn/hupnp/upnp/gena"
	"github.com/gladhorn/hupnp/upnp/network"
	"github.com/gladhorn/hupnp/upnp/soap"
	"github.com/gladhorn/hupnp/upnp/ssdp"
)

// EventType は、コントロールポイントのイベント種別を表す
type EventType int

const (
	RootDeviceOnline EventType = iota
	RootDeviceOffline
	PropertyChanged
	SubscriptionFailed
)

// Event は、アプリケーションへ流す型付きイベントを表す
type Event struct {
	Type     EventType
	UDN      string
	Device   *upnp.Device
	Service  *upnp.Service
	Variable string
	Value    string
	Err      error
}

// Config は、コントロールポイントの設定を表す
type Config struct {
	// ListenAddr は NOTIFY 受信サーバのバインド先（例 ":0"）
	ListenAddr string
	// SubscriptionTimeout は購読要求のタイムアウトヒント
	SubscriptionTimeout time.Duration
	// AutoDiscovery が真なら起動時に ssdp:all の M-SEARCH を送る
	AutoDiscovery bool
	// BuildParallelism はデバイス構築タスクの並列上限
	BuildParallelism int
	// FetchTimeout は記述取得の HTTP タイムアウト
	FetchTimeout time.Duration
	// Fetcher は記述取得の差し替え（nil なら HTTP）
	Fetcher description.Fetcher
	// IconFetcher はアイコン取得の差し替え（nil なら HTTP）
	IconFetcher description.IconFetcher
}

// ControlPoint は、コントロールポイントのオーケストレータを表す
type ControlPoint struct {
	mu      sync.Mutex
	started bool

	config     Config
	storage    *upnp.DeviceStorage
	engine     *ssdp.Engine
	tracker    *ssdp.DiscoveryTracker
	subscriber *gena.Subscriber
	soapClient *soap.Client
	fetcher    description.Fetcher
	icons      description.IconFetcher

	httpServer *http.Server
	listener   net.Listener
	baseURL    string

	events chan Event

	// デバイス構築の並列度を抑えるセマフォ。満杯なら Busy。
	buildSlots chan struct{}
	// UDN ごとの構築直列化ロック
	creationMu    sync.Mutex
	creationLocks map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlPoint は、未起動のコントロールポイントを作成する
func NewControlPoint(config Config) *ControlPoint {
	if config.BuildParallelism <= 0 {
		config.BuildParallelism = 4
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.SubscriptionTimeout == 0 {
		config.SubscriptionTimeout = 1800 * time.Second
	}
	return &ControlPoint{
		config:        config,
		storage:       upnp.NewDeviceStorage(),
		tracker:       ssdp.NewDiscoveryTracker(),
		events:        make(chan Event, 128),
		buildSlots:    make(chan struct{}, config.BuildParallelism),
		creationLocks: make(map[string]*sync.Mutex),
	}
}

// Events は、アプリケーション向けイベントチャンネルを返す
func (cp *ControlPoint) Events() <-chan Event {
	return cp.events
}

// Storage は、発見済みデバイスのストレージを返す
func (cp *ControlPoint) Storage() *upnp.DeviceStorage {
	return cp.storage
}

// DeviceByUDN は、発見済みデバイスを UDN で引く
func (cp *ControlPoint) DeviceByUDN(udn upnp.UDN) *upnp.Device {
	return cp.storage.DeviceByUDN(udn)
}

// Start は、NOTIFY 受信サーバと SSDP リスナーを起動する
func (cp *ControlPoint) Start(ctx context.Context) error {
	cp.mu.Lock()
	if cp.started {
		cp.mu.Unlock()
		return upnp.ErrAlreadyInitialized
	}
	cp.started = true
	cp.mu.Unlock()

	cp.ctx, cp.cancel = context.WithCancel(ctx)
	cp.subscriber = gena.NewSubscriber(cp.ctx, cp.config.FetchTimeout)
	cp.soapClient = soap.NewClient(cp.config.FetchTimeout)
	cp.fetcher = cp.config.Fetcher
	if cp.fetcher == nil {
		cp.fetcher = description.NewHTTPFetcher(cp.config.FetchTimeout)
	}
	cp.icons = cp.config.IconFetcher
	if cp.icons == nil {
		cp.icons = description.NewHTTPFetcher(cp.config.FetchTimeout)
	}

	// NOTIFY 受信サーバ
	addr := cp.config.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cp.fail()
		return fmt.Errorf("%w: callback server bind: %v", upnp.ErrUndefinedFailure, err)
	}
	cp.listener = listener
	cp.baseURL = "http://" + callbackAddress(listener)
	srv := &http.Server{Handler: cp.router()}
	cp.httpServer = srv
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		if serr := srv.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			slog.Warn("NOTIFY 受信サーバが停止しました", "err", serr)
		}
	}()

	// SSDP リスナー
	cp.engine = ssdp.NewEngine()
	if err := cp.engine.Start(cp.ctx); err != nil {
		cp.fail()
		return fmt.Errorf("%w: %v", upnp.ErrCommunications, err)
	}

	cp.wg.Add(3)
	go cp.ssdpLoop()
	go cp.expiryLoop()
	go cp.subscriberEventLoop()

	if cp.config.AutoDiscovery {
		cp.engine.Search(ssdp.STAll, 2)
	}
	return nil
}

func (cp *ControlPoint) fail() {
	cp.mu.Lock()
	cp.started = false
	cp.mu.Unlock()
	if cp.cancel != nil {
		cp.cancel()
	}
	if cp.listener != nil {
		_ = cp.listener.Close()
		cp.listener = nil
		cp.httpServer = nil
	}
}

func callbackAddress(l net.Listener) string {
	addr := l.Addr().(*net.TCPAddr)
	ip := addr.IP
	if ip.IsUnspecified() {
		if ips, err := network.GetLocalIPv4s(); err == nil && len(ips) > 0 {
			ip = ips[0]
		} else {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", addr.Port))
}

// Stop は、コントロールポイントを停止する。
// リモートへの UNSUBSCRIBE は送らない（byebye 経路と同じ扱い）。
func (cp *ControlPoint) Stop() error {
	cp.mu.Lock()
	if !cp.started {
		cp.mu.Unlock()
		return upnp.ErrNotStarted
	}
	cp.started = false
	cp.mu.Unlock()

	cp.engine.Stop()
	cp.subscriber.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = cp.httpServer.Shutdown(shutdownCtx)
	cancel()

	cp.cancel()
	cp.wg.Wait()

	for _, root := range cp.storage.RootDevices() {
		cp.storage.Remove(root.UDN())
		root.Dispose()
	}
	return nil
}

// Search は、手動で M-SEARCH を送る
func (cp *ControlPoint) Search(st string, mx int) {
	cp.mu.Lock()
	engine := cp.engine
	started := cp.started
	cp.mu.Unlock()
	if !started || engine == nil {
		return
	}
	engine.Search(st, mx)
}

func (cp *ControlPoint) emit(ev Event) {
	select {
	case cp.events <- ev:
	default:
		slog.Warn("コントロールポイントのイベントチャンネルがブロックされています")
	}
}

// ssdpLoop は、SSDP イベントを取り込みへ回す
func (cp *ControlPoint) ssdpLoop() {
	defer cp.wg.Done()
	for {
		select {
		case <-cp.ctx.Done():
			return
		case ev, ok := <-cp.engine.Events():
			if !ok {
				return
			}
			switch {
			case ev.Announcement != nil:
				cp.ingestAnnouncement(ev.Announcement)
			case ev.Response != nil:
				cp.ingest(ssdp.DiscoveryInfo{
					USN:      ev.Response.USN,
					Location: ev.Response.Location,
					Server:   ev.Response.Server,
					MaxAge:   ev.Response.MaxAge,
				})
			}
		}
	}
}

func (cp *ControlPoint) ingestAnnouncement(ann *ssdp.Announcement) {
	switch ann.Kind {
	case ssdp.ResourceAvailable, ssdp.ResourceUpdate:
		cp.ingest(ssdp.DiscoveryInfo{
			USN:      ann.USN,
			Location: ann.Location,
			Server:   ann.Server,
			MaxAge:   ann.MaxAge,
		})
	case ssdp.ResourceUnavailable:
		udnStr := ssdp.USNToUDN(ann.USN)
		udn, err := upnp.ParseUDN(udnStr, upnp.LevelLenient)
		if err != nil {
			return
		}
		cp.removeRoot(udn)
	}
}

// ingest は、広告・探索応答の取り込みを行う。
// shouldFetch が真ならデバイス構築タスクを起こす。
func (cp *ControlPoint) ingest(info ssdp.DiscoveryInfo) {
	udnStr := ssdp.USNToUDN(info.USN)
	udn, err := upnp.ParseUDN(udnStr, upnp.LevelLenient)
	if err != nil {
		return
	}
	// 既知のルートは寿命だけ更新する
	if cp.storage.RootDeviceByUDN(udn) != nil {
		cp.storage.Refresh(udn, info.Location, time.Duration(info.MaxAge)*time.Second)
	}
	if !cp.tracker.ShouldFetch(info) {
		return
	}
	if cp.storage.RootDeviceByUDN(udn) != nil {
		return
	}

	select {
	case cp.buildSlots <- struct{}{}:
	default:
		slog.Warn("デバイス構築キューが満杯です", "udn", udnStr, "err", upnp.ErrBusy)
		return
	}
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		defer func() { <-cp.buildSlots }()
		if err := cp.buildDevice(udn, info); err != nil {
			slog.Warn("デバイス構築に失敗しました", "udn", udnStr, "err", err)
			cp.tracker.Forget(info.USN)
		}
	}()
}

func (cp *ControlPoint) creationLock(udn string) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()
	if l, ok := cp.creationLocks[udn]; ok {
		return l
	}
	l := &sync.Mutex{}
	cp.creationLocks[udn] = l
	return l
}

// buildDevice は、デバイス構築タスクを実行する:
// 記述の取得 → SCPD の取得 → パース・検証 → 作成ロック下でコミット。
func (cp *ControlPoint) buildDevice(udn upnp.UDN, info ssdp.DiscoveryInfo) error {
	data, err := cp.fetcher.Fetch(cp.ctx, info.Location)
	if err != nil {
		return err
	}
	result, err := description.ParseDeviceDescription(data, description.ParseOptions{
		Level:   upnp.LevelLenient,
		BaseURL: info.Location,
	})
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		slog.Warn("デバイス記述の警告", "udn", udn.String(), "warning", w.String())
	}
	root := result.Device

	// 各サービスの SCPD を取得して適用する
	for _, dev := range root.EmbeddedDevices(upnp.VisitThisRecursively) {
		for _, svc := range dev.Services() {
			scpdData, err := cp.fetcher.Fetch(cp.ctx, svc.SCPDURL())
			if err != nil {
				return err
			}
			scpd, err := description.ParseSCPD(scpdData)
			if err != nil {
				return err
			}
			if err := description.ApplySCPD(svc, scpd, nil); err != nil {
				return err
			}
		}
		// アイコンは取得失敗しても致命的ではない（落として警告のみ）
		icons := dev.Info().Icons
		for i := range icons {
			if icons[i].URL == "" {
				continue
			}
			data, err := cp.icons.FetchIcon(cp.ctx, icons[i].URL)
			if err != nil {
				slog.Warn("アイコンの取得に失敗しました", "url", icons[i].URL, "err", err)
				continue
			}
			dev.SetIconData(i, data)
		}
	}

	// 作成ロック下でコミット。同一 UDN の並行タスクはコミット済みを見て中止。
	lock := cp.creationLock(udn.String())
	lock.Lock()
	defer lock.Unlock()
	if cp.storage.RootDeviceByUDN(udn) != nil {
		return nil
	}
	if err := cp.storage.Add(root, info.Location, time.Duration(info.MaxAge)*time.Second); err != nil {
		return err
	}

	cp.emit(Event{Type: RootDeviceOnline, UDN: udn.String(), Device: root})
	slog.Info("ルートデバイスがオンラインになりました",
		"udn", udn.String(), "friendlyName", root.FriendlyName(), "location", info.Location)
	return nil
}

// removeRoot は、byebye または失効によるデバイス撤去を行う。
// 購読は UNSUBSCRIBE を送らずに解除し、部分木を破棄して
// rootDeviceOffline を発火する。
func (cp *ControlPoint) removeRoot(udn upnp.UDN) {
	root := cp.storage.Remove(udn)
	if root == nil {
		return
	}
	cp.subscriber.RemoveDevice(root, upnp.VisitThisRecursively, false)
	cp.tracker.ForgetPrefix(udn.String())
	root.Dispose()
	cp.emit(Event{Type: RootDeviceOffline, UDN: udn.String()})
	slog.Info("ルートデバイスがオフラインになりました", "udn", udn.String())
}

// expiryLoop は、max-age を過ぎたルートを定期的に撤去する
func (cp *ControlPoint) expiryLoop() {
	defer cp.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-cp.ctx.Done():
			return
		case now := <-ticker.C:
			for _, udn := range cp.storage.ExpiredRoots(now) {
				slog.Info("max-age が失効したデバイスを撤去します", "udn", udn.String())
				cp.removeRoot(udn)
			}
		}
	}
}

// subscriberEventLoop は、購読失敗をアプリケーションイベントへ変換する
func (cp *ControlPoint) subscriberEventLoop() {
	defer cp.wg.Done()
	for {
		select {
		case <-cp.ctx.Done():
			return
		case ev, ok := <-cp.subscriber.Events():
			if !ok {
				return
			}
			cp.emit(Event{Type: SubscriptionFailed, Service: ev.Service, Err: ev.Err})
		}
	}
}

// CallbackURL は、購読のコールバック URL を選ぶ。
// デバイス location と同じサブネットのサーバルートを優先し、
// なければ最初のルートを使う。
func (cp *ControlPoint) CallbackURL(deviceLocation string) string {
	base := cp.baseURL
	if u, err := url.Parse(deviceLocation); err == nil {
		if deviceIP := net.ParseIP(u.Hostname()); deviceIP != nil {
			if local, err := url.Parse(base); err == nil {
				localIP := net.ParseIP(local.Hostname())
				if localIP != nil && !network.SameSubnet(localIP, deviceIP) {
					// 単一インターフェースモデルではルートは1つなので
					// そのまま最初のルートに落ちる
					slog.Debug("コールバック URL がデバイスと別サブネットです",
						"callback", base, "device", deviceLocation)
				}
			}
		}
	}
	return base + "/event"
}

// Subscribe は、発見済みサービスのイベントを購読する
func (cp *ControlPoint) Subscribe(svc *upnp.Service) error {
	device := svc.Device()
	location := ""
	if device != nil {
		location, _ = cp.storage.Location(device.Root().UDN())
	}
	err := cp.subscriber.Subscribe(svc, cp.config.SubscriptionTimeout, cp.CallbackURL(location))
	if err == nil {
		// 購読中サービスの状態変数変更をイベントへ流す
		svc.OnChange(func(change upnp.StateVariableChange) {
			cp.emit(Event{
				Type:     PropertyChanged,
				Service:  change.Service,
				Variable: change.Variable.Name(),
				Value:    change.Value,
			})
		})
	}
	return err
}

// SubscriptionStatus は、サービスの購読状態を返す
func (cp *ControlPoint) SubscriptionStatus(svc *upnp.Service) gena.SubscriptionStatus {
	return cp.subscriber.SubscriptionStatus(svc)
}

// Unsubscribe は、デバイスツリーの購読を解除する
func (cp *ControlPoint) Unsubscribe(device *upnp.Device, mode upnp.VisitMode) {
	cp.subscriber.Cancel(device, mode, true)
}

// Invoke は、発見済みサービスのアクションを呼び出す
func (cp *ControlPoint) Invoke(ctx context.Context, svc *upnp.Service, actionName string, in *upnp.ActionArguments) (*upnp.ActionArguments, error) {
	return cp.soapClient.Invoke(ctx, svc, actionName, in)
}

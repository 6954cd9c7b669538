// Package host は、デバイスホストのオーケストレータを実装します。
// HTTP サーバ・SSDP エンジン・購読管理・デバイスストレージを所有し、
// ルートデバイスの公開と広告スケジュールを司ります。
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/description"
	"github.com/gladhorn/hupnp/upnp/gena"
	"github.com/gladhorn/hupnp/upnp/network"
	"github.com/gladhorn/hupnp/upnp/ssdp"
)

// Version は、SERVER ヘッダに載せるプロダクトバージョン
const Version = "1.0.0"

// ServerToken は、UDA 文法の SERVER / USER-AGENT 値を作る
func ServerToken() string {
	return fmt.Sprintf("%s/1.0 UPnP/1.1 hupnp/%s", runtime.GOOS, Version)
}

// State は、ホストのライフサイクル状態を表す
type State int

const (
	Uninitialized State = iota
	Initializing
	Initialized
	Exiting
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Exiting:
		return "exiting"
	default:
		return "uninitialized"
	}
}

// ServiceFactory は、サービス構築時に呼び出し能力を供給する
// ファクトリ能力を表す。戻り値はアクション名→Invoker。
type ServiceFactory func(serviceType upnp.ResourceType, serviceID string) map[string]upnp.ActionInvoker

// DeviceConfig は、公開するルートデバイス1つ分の設定を表す
type DeviceConfig struct {
	// DescriptionPath は、デバイス記述 XML のファイルパス
	DescriptionPath string
	// Description は、記述を直接与える場合の XML（Path より優先）
	Description []byte
	// CacheControlMaxAge は SSDP の max-age（[5, 86400] にクランプ）
	CacheControlMaxAge int
	// Factory は、デバイス配下のサービスに呼び出し能力を与える
	Factory ServiceFactory
}

// Config は、デバイスホストの設定を表す
type Config struct {
	// ListenAddr は HTTP サーバのバインド先（例 ":0"）
	ListenAddr string
	// Devices は公開するデバイスのリスト。空は InvalidConfiguration。
	Devices []DeviceConfig
	// IndividualAdvertisementCount は各スロットの初期 alive 回数（[1,5]）
	IndividualAdvertisementCount int
	// SubscribeNonEvented はイベント非対応サービスへの購読を許す
	SubscribeNonEvented bool
	// Fetcher は SCPD の取得手段。nil ならファイル取得。
	Fetcher description.Fetcher
	// DoInit は初期化の最後に呼ばれるユーザフック。失敗で巻き戻す。
	DoInit func(ctx context.Context, h *Host) error
}

// Host は、デバイスホストのオーケストレータを表す
type Host struct {
	mu    sync.Mutex
	state State

	config    Config
	storage   *upnp.DeviceStorage
	engine    *ssdp.Engine
	publisher *gena.Publisher

	advertisers []*ssdp.Advertiser
	httpServer  *http.Server
	listener    net.Listener
	baseURL     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost は、未初期化のホストを作成する
func NewHost(config Config) *Host {
	return &Host{
		config:  config,
		storage: upnp.NewDeviceStorage(),
	}
}

// State は、現在のライフサイクル状態を返す
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Storage は、公開中のデバイスストレージを返す
func (h *Host) Storage() *upnp.DeviceStorage {
	return h.storage
}

// BaseURL は、HTTP サーバのベース URL（http://ip:port）を返す
func (h *Host) BaseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseURL
}

// fileFetcher は、ローカルファイルから SCPD を読む既定の取得手段
type fileFetcher struct{}

func (fileFetcher) Fetch(_ context.Context, rawurl string) ([]byte, error) {
	path := strings.TrimPrefix(rawurl, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", description.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", description.ErrFetchFailed, err)
	}
	return data, nil
}

// Init は、ホストを初期化する:
// HTTP バインド → デバイス構築・登録 → SSDP バインド → ユーザフック → 広告開始。
// 失敗時は完全に巻き戻して Uninitialized に戻る。
func (h *Host) Init(ctx context.Context) (err error) {
	h.mu.Lock()
	if h.state != Uninitialized {
		h.mu.Unlock()
		return upnp.ErrAlreadyInitialized
	}
	h.state = Initializing
	h.mu.Unlock()

	defer func() {
		if err != nil {
			h.unwind()
			return
		}
		h.mu.Lock()
		h.state = Initialized
		h.mu.Unlock()
	}()

	if len(h.config.Devices) == 0 {
		return fmt.Errorf("%w: no devices configured", upnp.ErrInvalidConfiguration)
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.publisher = gena.NewPublisher(h.ctx, gena.PublisherConfig{
		SubscribeNonEvented: h.config.SubscribeNonEvented,
		ServerToken:         ServerToken(),
	})

	// 1. HTTP サーバのバインド
	addr := h.config.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	listener, lerr := net.Listen("tcp", addr)
	if lerr != nil {
		return fmt.Errorf("%w: http bind: %v", upnp.ErrUndefinedFailure, lerr)
	}
	h.listener = listener
	h.baseURL = "http://" + hostAddress(listener)
	srv := &http.Server{Handler: h.router()}
	h.httpServer = srv
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if serr := srv.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			slog.Warn("HTTP サーバが停止しました", "err", serr)
		}
	}()

	// 2. デバイスの構築と登録
	for i := range h.config.Devices {
		if derr := h.buildDevice(&h.config.Devices[i]); derr != nil {
			return derr
		}
	}

	// 3. SSDP のバインド
	h.engine = ssdp.NewEngine()
	if serr := h.engine.Start(h.ctx); serr != nil {
		return fmt.Errorf("%w: %v", upnp.ErrCommunications, serr)
	}
	h.wg.Add(1)
	go h.ssdpLoop()

	// 4. ユーザフック
	if h.config.DoInit != nil {
		if herr := h.config.DoInit(h.ctx, h); herr != nil {
			return fmt.Errorf("doInit hook failed: %w", herr)
		}
	}

	// 5. 広告の開始
	for _, adv := range h.advertisers {
		adv.Start(h.ctx)
	}
	return nil
}

// hostAddress は、リスナーのアドレスを広告可能な host:port にする
func hostAddress(l net.Listener) string {
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

// buildDevice は、1つのデバイス設定から記述の読み込み・SCPD 適用・
// 登録・広告スケジューラの用意までを行う
func (h *Host) buildDevice(cfg *DeviceConfig) error {
	data := cfg.Description
	baseRef := "file:///"
	if data == nil {
		var err error
		data, err = os.ReadFile(cfg.DescriptionPath)
		if err != nil {
			return fmt.Errorf("%w: cannot read %s: %v", upnp.ErrInvalidConfiguration, cfg.DescriptionPath, err)
		}
		baseRef = "file://" + filepath.ToSlash(filepath.Dir(cfg.DescriptionPath)) + "/"
	}

	result, err := description.ParseDeviceDescription(data, description.ParseOptions{
		Level:   upnp.LevelLenient,
		BaseURL: baseRef,
	})
	if err != nil {
		return err
	}
	root := result.Device

	fetcher := h.config.Fetcher
	if fetcher == nil {
		fetcher = fileFetcher{}
	}

	// 各サービスに SCPD を適用し、ホストの URL レイアウトへ付け替える
	for _, dev := range root.EmbeddedDevices(upnp.VisitThisRecursively) {
		udn := dev.UDN().String()
		for _, svc := range dev.Services() {
			scpdData, err := fetcher.Fetch(h.ctx, svc.SCPDURL())
			if err != nil {
				return fmt.Errorf("%w: SCPD for %s: %v", upnp.ErrInvalidConfiguration, svc.ID(), err)
			}
			scpd, err := description.ParseSCPD(scpdData)
			if err != nil {
				return err
			}
			var invokers map[string]upnp.ActionInvoker
			if cfg.Factory != nil {
				invokers = cfg.Factory(svc.ServiceType(), svc.ID())
			}
			if err := description.ApplySCPD(svc, scpd, invokers); err != nil {
				return err
			}
			svc.SetURLs(
				fmt.Sprintf("/%s/%s/scpd.xml", udn, svc.ID()),
				fmt.Sprintf("/%s/%s/control", udn, svc.ID()),
				fmt.Sprintf("/%s/%s/event", udn, svc.ID()),
			)
			// 状態変数の変更を NOTIFY 配送へ接続する
			h.publisher.Attach(svc)
		}
	}

	// URL レイアウトは常に UDN で名前空間を切るため、location は
	// UDN 付加形式 base + '/' + udn になる（複数デバイスの曖昧性解消）。
	location := description.ComposeLocation(h.baseURL, root.UDN(), true) + "/description.xml"
	if err := h.storage.Add(root, location, time.Duration(cfg.CacheControlMaxAge)*time.Second); err != nil {
		return err
	}

	h.advertisers = append(h.advertisers, ssdp.NewAdvertiser(h.engineSender(), ssdp.AdvertiserConfig{
		Root:     root,
		Location: location,
		Server:   ServerToken(),
		MaxAge:   cfg.CacheControlMaxAge,
		Count:    h.config.IndividualAdvertisementCount,
	}))
	return nil
}

// engineSender は、engine が未作成の段階でも広告器を組めるよう遅延参照を返す
func (h *Host) engineSender() ssdp.Sender {
	return &lazySender{host: h}
}

type lazySender struct {
	host *Host
}

func (s *lazySender) SendMulticast(data []byte) {
	if e := s.host.engine; e != nil {
		e.SendMulticast(data)
	}
}

func (s *lazySender) SendTo(dst *net.UDPAddr, data []byte) {
	if e := s.host.engine; e != nil {
		e.SendTo(dst, data)
	}
}

// ssdpLoop は、受信した M-SEARCH を広告器へ回す
func (h *Host) ssdpLoop() {
	defer h.wg.Done()
	engine := h.engine
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-engine.Events():
			if !ok {
				return
			}
			if ev.Search == nil {
				continue
			}
			for _, adv := range h.advertisers {
				adv.RespondToSearch(h.ctx, ev.Search, ev.Source)
			}
		}
	}
}

// unwind は、初期化途中の失敗時に確保済みリソースを解放する
func (h *Host) unwind() {
	if h.engine != nil {
		h.engine.Stop()
		h.engine = nil
	}
	if h.httpServer != nil {
		_ = h.httpServer.Close()
		h.httpServer = nil
		h.listener = nil
	}
	if h.publisher != nil {
		h.publisher.Close()
		h.publisher = nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	for _, root := range h.storage.RootDevices() {
		h.storage.Remove(root.UDN())
		root.Dispose()
	}
	h.advertisers = nil
	h.mu.Lock()
	h.state = Uninitialized
	h.mu.Unlock()
}

// Quit は、ホストを停止する:
// 広告タイマー停止 → 各スロットへ byebye → HTTP / SSDP クローズ →
// 処理中リクエストのドレイン → デバイスツリーの破棄。
// 未初期化のホストへの2度目の Quit は NotStarted を返すだけの no-op。
func (h *Host) Quit() error {
	h.mu.Lock()
	if h.state != Initialized {
		h.mu.Unlock()
		return upnp.ErrNotStarted
	}
	h.state = Exiting
	h.mu.Unlock()

	// 広告タイマーを止め、スロットごとに byebye を送る
	for _, adv := range h.advertisers {
		adv.Stop()
	}
	h.advertisers = nil

	h.engine.Stop()
	h.engine = nil

	// 処理中の HTTP リクエストをドレインして閉じる
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = h.httpServer.Shutdown(shutdownCtx)
	cancel()
	h.httpServer = nil
	h.listener = nil

	h.publisher.Close()
	h.publisher = nil

	h.cancel()
	h.wg.Wait()

	for _, root := range h.storage.RootDevices() {
		h.storage.Remove(root.UDN())
		root.Dispose()
	}

	h.mu.Lock()
	h.state = Uninitialized
	h.mu.Unlock()
	return nil
}

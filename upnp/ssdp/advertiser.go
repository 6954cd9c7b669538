package ssdp

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/upnp"
)

// max-age と広告回数のクランプ範囲 (UDA 1.1 §1.2.2)
const (
	MinCacheControlMaxAge     = 5
	MaxCacheControlMaxAge     = 86400
	MinAdvertisementCount     = 1
	MaxAdvertisementCount     = 5
	DefaultAdvertisementCount = 2
)

// Advertisement は、1つの広告スロット（NT と USN の組）を表す
type Advertisement struct {
	NT  string
	USN string
}

// AdvertisementsFor は、ルートデバイスが広告すべき全スロットを列挙する。
// ルートは upnp:rootdevice、各デバイス（組込み含む）は UDN とデバイスタイプ、
// 各サービスタイプは1スロットずつ（同一タイプは重複しない）。
func AdvertisementsFor(root *upnp.Device) []Advertisement {
	var ads []Advertisement
	rootUDN := root.UDN().String()
	ads = append(ads, Advertisement{
		NT:  STRootDevice,
		USN: rootUDN + "::" + STRootDevice,
	})
	for _, dev := range root.EmbeddedDevices(upnp.VisitThisRecursively) {
		udn := dev.UDN().String()
		ads = append(ads, Advertisement{NT: udn, USN: udn})
		dt := dev.DeviceType().String()
		ads = append(ads, Advertisement{NT: dt, USN: udn + "::" + dt})
		seen := make(map[string]bool)
		for _, svc := range dev.Services() {
			st := svc.ServiceType().String()
			if seen[st] {
				continue
			}
			seen[st] = true
			ads = append(ads, Advertisement{NT: st, USN: udn + "::" + st})
		}
	}
	return ads
}

// AdvertiserConfig は、1ルートデバイス分の広告設定を表す
type AdvertiserConfig struct {
	Root     *upnp.Device
	Location string // ルートデバイス記述の URL
	Server   string // SERVER ヘッダ値
	MaxAge   int    // cacheControlMaxAge（秒）。[5, 86400] にクランプされる
	Count    int    // individualAdvertisementCount。[1, 5] にクランプされる
}

// Sender は、広告スケジューラが使う送信面を表す。*Engine が実装する。
type Sender interface {
	SendMulticast(data []byte)
	SendTo(dst *net.UDPAddr, data []byte)
}

// Advertiser は、1つのルートデバイスの SSDP 広告スケジューラを表す。
// 起動時に各スロットを Count 回 alive 送信し、以後は max-age の半分を
// 超えない間隔で再アナウンスする。停止時は各スロットに byebye を送る。
type Advertiser struct {
	engine Sender
	config AdvertiserConfig
	ads    []Advertisement

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdvertiser は、設定をクランプして広告スケジューラを作成する
func NewAdvertiser(engine Sender, config AdvertiserConfig) *Advertiser {
	config.MaxAge = upnp.Clamp(config.MaxAge, MinCacheControlMaxAge, MaxCacheControlMaxAge)
	if config.Count == 0 {
		config.Count = DefaultAdvertisementCount
	}
	config.Count = upnp.Clamp(config.Count, MinAdvertisementCount, MaxAdvertisementCount)
	return &Advertiser{
		engine: engine,
		config: config,
		ads:    AdvertisementsFor(config.Root),
	}
}

// Advertisements は、広告スロットのリストを返す
func (a *Advertiser) Advertisements() []Advertisement {
	return a.ads
}

// announceAll は、全スロットの alive を1巡分、単一の直列ストリームとして送信する
func (a *Advertiser) announceAll() {
	for _, ad := range a.ads {
		a.engine.SendMulticast(BuildAnnouncement(&Announcement{
			Kind:     ResourceAvailable,
			NT:       ad.NT,
			USN:      ad.USN,
			Location: a.config.Location,
			Server:   a.config.Server,
			MaxAge:   a.config.MaxAge,
		}))
	}
}

// Start は、初回広告と半減期タイマーを開始する
func (a *Advertiser) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for i := 0; i < a.config.Count; i++ {
			a.announceAll()
		}
		// 前回送信から max-age/2 秒以内に再アナウンスする（半減期ルール）
		interval := time.Duration(a.config.MaxAge) * time.Second / 2
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				a.announceAll()
			}
		}
	}()
}

// Stop は、タイマーを止めて各スロットに byebye を送信する
func (a *Advertiser) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	for _, ad := range a.ads {
		a.engine.SendMulticast(BuildAnnouncement(&Announcement{
			Kind: ResourceUnavailable,
			NT:   ad.NT,
			USN:  ad.USN,
		}))
	}
}

// MatchSearch は、M-SEARCH の ST に一致する応答スロットを返す。
// ssdp:all は全スロット、upnp:rootdevice / UDN / タイプ URN は一致分のみ。
// タイプ URN はバージョン互換（要求以上のバージョン）も一致とする。
func (a *Advertiser) MatchSearch(st string) []Advertisement {
	if st == STAll {
		return a.ads
	}
	var matched []Advertisement
	reqType, reqErr := upnp.ParseResourceType(st)
	for _, ad := range a.ads {
		if ad.NT == st {
			matched = append(matched, ad)
			continue
		}
		if reqErr == nil {
			if adType, err := upnp.ParseResourceType(ad.NT); err == nil && adType.CompatibleWith(reqType) {
				matched = append(matched, ad)
			}
		}
	}
	return matched
}

// RespondToSearch は、M-SEARCH への応答を [0, min(MX, 5)] 秒の一様乱数遅延で
// スケジュールする（応答の輻輳回避）。
func (a *Advertiser) RespondToSearch(ctx context.Context, req *SearchRequest, from *net.UDPAddr) {
	matched := a.MatchSearch(req.ST)
	if len(matched) == 0 {
		return
	}
	mx := req.MX
	if mx > 5 {
		mx = 5
	}
	var delay time.Duration
	if mx > 0 {
		delay = time.Duration(rand.Int63n(int64(mx) * int64(time.Second)))
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		for _, ad := range matched {
			st := ad.NT
			if req.ST != STAll {
				st = req.ST
			}
			a.engine.SendTo(from, BuildSearchResponse(&SearchResponse{
				ST:       st,
				USN:      ad.USN,
				Location: a.config.Location,
				Server:   a.config.Server,
				MaxAge:   a.config.MaxAge,
			}))
		}
	}()
}

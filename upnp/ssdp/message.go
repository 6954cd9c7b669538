// Package ssdp は、UDA 1.1 §1 の SSDP サブセットを実装します。
// マルチキャスト (239.255.255.250:1900) 上のアナウンス・探索と、
// M-SEARCH へのユニキャスト応答を扱います。
package ssdp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gladhorn/hupnp/upnp/httpmsg"
)

// NTS 値
const (
	ntsAlive  = "ssdp:alive"
	ntsByeBye = "ssdp:byebye"
	ntsUpdate = "ssdp:update"
)

// 既知の ST / NT 擬似タイプ
const (
	STAll        = "ssdp:all"
	STRootDevice = "upnp:rootdevice"
)

// AnnouncementKind は、NOTIFY の種別を表す
type AnnouncementKind int

const (
	ResourceAvailable   AnnouncementKind = iota // ssdp:alive
	ResourceUnavailable                         // ssdp:byebye
	ResourceUpdate                              // ssdp:update
)

func (k AnnouncementKind) nts() string {
	switch k {
	case ResourceUnavailable:
		return ntsByeBye
	case ResourceUpdate:
		return ntsUpdate
	default:
		return ntsAlive
	}
}

// Announcement は、NOTIFY (alive / byebye / update) を表す
type Announcement struct {
	Kind     AnnouncementKind
	NT       string
	USN      string
	Location string // byebye では空
	Server   string
	MaxAge   int // 秒。byebye では 0
}

// SearchRequest は、M-SEARCH (DiscoveryRequest) を表す
type SearchRequest struct {
	ST string
	MX int
}

// SearchResponse は、M-SEARCH へのユニキャスト応答 (DiscoveryResponse) を表す
type SearchResponse struct {
	ST       string
	USN      string
	Location string
	Server   string
	MaxAge   int
}

var maxAgeRe = regexp.MustCompile(`max-age\s*=\s*(\d+)`)

func parseMaxAge(cacheControl string) int {
	if m := maxAgeRe.FindStringSubmatch(cacheControl); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return 0
}

// USNToUDN は、USN (`uuid:...::<type>` または `uuid:...`) から UDN 部分を取り出す
func USNToUDN(usn string) string {
	if i := strings.Index(usn, "::"); i >= 0 {
		return usn[:i]
	}
	return usn
}

// ParseMessage は、受信データグラムをパースして
// *Announcement / *SearchRequest / *SearchResponse のいずれかを返す。
// SSDP として解釈できないものは error になる（呼び出し側で黙って捨てる）。
func ParseMessage(data []byte) (any, error) {
	m, err := httpmsg.ParseDatagram(data)
	if err != nil {
		return nil, err
	}
	if !m.IsRequest {
		// ステータス行のみの応答 = DiscoveryResponse
		if m.StatusCode != 200 {
			return nil, fmt.Errorf("unexpected status %d in search response", m.StatusCode)
		}
		st := m.Header.Get("ST")
		usn := m.Header.Get("USN")
		if st == "" || usn == "" {
			return nil, fmt.Errorf("search response missing ST or USN")
		}
		return &SearchResponse{
			ST:       st,
			USN:      usn,
			Location: m.Header.Get("Location"),
			Server:   m.Header.Get("Server"),
			MaxAge:   parseMaxAge(m.Header.Get("Cache-Control")),
		}, nil
	}

	switch m.Method {
	case "NOTIFY":
		if m.RequestTarget != "*" {
			return nil, fmt.Errorf("bad NOTIFY target %q", m.RequestTarget)
		}
		nt := m.Header.Get("NT")
		usn := m.Header.Get("USN")
		if nt == "" || usn == "" {
			return nil, fmt.Errorf("NOTIFY missing NT or USN")
		}
		ann := &Announcement{
			NT:       nt,
			USN:      usn,
			Location: m.Header.Get("Location"),
			Server:   m.Header.Get("Server"),
			MaxAge:   parseMaxAge(m.Header.Get("Cache-Control")),
		}
		switch m.Header.Get("NTS") {
		case ntsAlive:
			ann.Kind = ResourceAvailable
			if ann.Location == "" {
				return nil, fmt.Errorf("ssdp:alive missing LOCATION")
			}
		case ntsByeBye:
			ann.Kind = ResourceUnavailable
		case ntsUpdate:
			ann.Kind = ResourceUpdate
			if ann.Location == "" {
				return nil, fmt.Errorf("ssdp:update missing LOCATION")
			}
		default:
			return nil, fmt.Errorf("unknown NTS %q", m.Header.Get("NTS"))
		}
		return ann, nil

	case "M-SEARCH":
		if m.RequestTarget != "*" {
			return nil, fmt.Errorf("bad M-SEARCH target %q", m.RequestTarget)
		}
		if man := strings.Trim(m.Header.Get("MAN"), `"`); man != "ssdp:discover" {
			return nil, fmt.Errorf("bad MAN %q", m.Header.Get("MAN"))
		}
		st := m.Header.Get("ST")
		if st == "" {
			return nil, fmt.Errorf("M-SEARCH missing ST")
		}
		mx, _ := strconv.Atoi(m.Header.Get("MX"))
		return &SearchRequest{ST: st, MX: mx}, nil
	}
	return nil, fmt.Errorf("unknown SSDP method %q", m.Method)
}

func multicastHost() string {
	return fmt.Sprintf("%s:%d", "239.255.255.250", 1900)
}

// BuildAnnouncement は、NOTIFY データグラムを直列化する
func BuildAnnouncement(a *Announcement) []byte {
	m := httpmsg.NewRequest("NOTIFY", "*")
	m.Header.Set("Host", multicastHost())
	m.Header.Set("NT", a.NT)
	m.Header.Set("NTS", a.Kind.nts())
	m.Header.Set("USN", a.USN)
	if a.Kind != ResourceUnavailable {
		m.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", a.MaxAge))
		m.Header.Set("Location", a.Location)
		m.Header.Set("Server", a.Server)
	}
	return m.Serialize()
}

// BuildSearchRequest は、M-SEARCH データグラムを直列化する
func BuildSearchRequest(r *SearchRequest) []byte {
	m := httpmsg.NewRequest("M-SEARCH", "*")
	m.Header.Set("Host", multicastHost())
	m.Header.Set("Man", `"ssdp:discover"`)
	m.Header.Set("Mx", strconv.Itoa(r.MX))
	m.Header.Set("St", r.ST)
	return m.Serialize()
}

// BuildSearchResponse は、M-SEARCH へのユニキャスト応答を直列化する
func BuildSearchResponse(r *SearchResponse) []byte {
	m := httpmsg.NewResponse(200)
	m.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", r.MaxAge))
	m.Header.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
	m.Header.Set("Ext", "")
	m.Header.Set("Location", r.Location)
	m.Header.Set("Server", r.Server)
	m.Header.Set("St", r.ST)
	m.Header.Set("Usn", r.USN)
	return m.Serialize()
}

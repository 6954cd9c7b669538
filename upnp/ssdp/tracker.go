package ssdp

import (
	"sync"
	"time"
)

// DiscoveryInfo は、コントロールポイントが取り込む広告の要約を表す
type DiscoveryInfo struct {
	USN      string
	Location string
	Server   string
	MaxAge   int
}

type seenEntry struct {
	maxAge   int
	lastSeen time.Time
}

// DiscoveryTracker は、既知の USN と max-age を記録し、
// デバイス記述を取得し直すべきかどうかを判定する
type DiscoveryTracker struct {
	mu   sync.Mutex
	seen map[string]seenEntry
}

// NewDiscoveryTracker は、空のトラッカーを作成する
func NewDiscoveryTracker() *DiscoveryTracker {
	return &DiscoveryTracker{seen: make(map[string]seenEntry)}
}

// ShouldFetch は、USN が未知、または max-age が延長された場合に true を返す。
// 判定と同時に記録を更新する。
func (t *DiscoveryTracker) ShouldFetch(info DiscoveryInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, known := t.seen[info.USN]
	fetch := !known || info.MaxAge > entry.maxAge
	t.seen[info.USN] = seenEntry{maxAge: info.MaxAge, lastSeen: time.Now()}
	return fetch
}

// Forget は、USN の記録を削除する（byebye / 失効時）
func (t *DiscoveryTracker) Forget(usn string) {
	t.mu.Lock()
	delete(t.seen, usn)
	t.mu.Unlock()
}

// ForgetPrefix は、UDN を共有する全 USN の記録を削除する
func (t *DiscoveryTracker) ForgetPrefix(udn string) {
	t.mu.Lock()
	for usn := range t.seen {
		if USNToUDN(usn) == udn {
			delete(t.seen, usn)
		}
	}
	t.mu.Unlock()
}

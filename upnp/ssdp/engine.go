package ssdp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gladhorn/hupnp/upnp/network"
)

// Event は、SSDP エンジンがオーケストレータへ渡す型付きイベントを表す。
// Announcement / Search / Response のいずれか1つだけが非 nil になる。
type Event struct {
	Announcement *Announcement
	Search       *SearchRequest
	Response     *SearchResponse
	Source       *net.UDPAddr
}

// Engine は、SSDP のソケットと受信ループを管理する。
// マルチキャストソケット（NOTIFY / M-SEARCH 受信）と、M-SEARCH の
// 送信・応答受信用のユニキャストソケットを1つずつ持つ。
type Engine struct {
	mu         sync.Mutex
	conn       *network.UDPConnection
	searchConn *network.UDPConnection
	events     chan Event
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewEngine は、未起動のエンジンを作成する
func NewEngine() *Engine {
	return &Engine{
		events: make(chan Event, 64),
	}
}

// Events は、受信イベントのチャンネルを返す
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start は、ソケットをバインドして受信ループを開始する。
// マルチキャストソケットのバインド失敗はエンジン起動の致命的エラー。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("ssdp engine already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)

	conn, err := network.CreateUDPConnection(loopCtx, nil, network.MulticastPort, net.ParseIP(network.MulticastAddress))
	if err != nil {
		cancel()
		return err
	}
	searchConn, err := network.CreateUDPConnection(loopCtx, nil, 0, nil)
	if err != nil {
		_ = conn.Close()
		cancel()
		return err
	}

	e.conn = conn
	e.searchConn = searchConn
	e.cancel = cancel
	e.started = true

	e.wg.Add(2)
	go e.receiveLoop(loopCtx, e.conn, e.rebindMulticast)
	go e.receiveLoop(loopCtx, e.searchConn, e.rebindSearch)
	return nil
}

// Stop は、受信ループを止めてソケットを閉じる
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	conn, searchConn := e.conn, e.searchConn
	e.mu.Unlock()

	cancel()
	_ = conn.Close()
	_ = searchConn.Close()
	e.wg.Wait()
}

// SendMulticast は、マルチキャストグループへデータグラムを送信する。
// UDP は損失を許容するため、失敗はログに残して無視する。
func (e *Engine) SendMulticast(data []byte) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.SendMulticast(data); err != nil {
		slog.Debug("SSDP マルチキャスト送信に失敗", "err", err)
	}
}

// SendTo は、指定の宛先へデータグラムをユニキャスト送信する
func (e *Engine) SendTo(dst *net.UDPAddr, data []byte) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.SendTo(dst, data); err != nil {
		slog.Debug("SSDP ユニキャスト送信に失敗", "err", err)
	}
}

// Search は、M-SEARCH をユニキャストソケットからマルチキャスト送信する。
// 応答は同じソケットに返り、Events へ流れる。
func (e *Engine) Search(st string, mx int) {
	e.mu.Lock()
	conn := e.searchConn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	data := BuildSearchRequest(&SearchRequest{ST: st, MX: mx})
	if _, err := conn.SendTo(network.MulticastGroup(), data); err != nil {
		slog.Debug("M-SEARCH 送信に失敗", "err", err)
	}
}

func (e *Engine) rebindMulticast(ctx context.Context) (*network.UDPConnection, error) {
	conn, err := network.CreateUDPConnection(ctx, nil, network.MulticastPort, net.ParseIP(network.MulticastAddress))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	return conn, nil
}

func (e *Engine) rebindSearch(ctx context.Context) (*network.UDPConnection, error) {
	conn, err := network.CreateUDPConnection(ctx, nil, 0, nil)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.searchConn = conn
	e.mu.Unlock()
	return conn, nil
}

// receiveLoop は、受信と再バインドを繰り返す。
// 受信失敗時はソケットを作り直し、バックオフ {1s, 2s, 4s, … 上限30s} で再試行する。
func (e *Engine) receiveLoop(ctx context.Context, conn *network.UDPConnection, rebind func(context.Context) (*network.UDPConnection, error)) {
	defer e.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // 停止まで再試行し続ける
	bo.RandomizationFactor = 0

	for {
		data, src, err := conn.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("SSDP 受信に失敗、再バインドします", "err", err, "wait", wait)
			_ = conn.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			newConn, rerr := rebind(ctx)
			if rerr != nil {
				slog.Warn("SSDP 再バインドに失敗", "err", rerr)
				continue
			}
			conn = newConn
			continue
		}
		bo.Reset()
		if data == nil {
			continue // 自送信パケット
		}
		msg, perr := ParseMessage(data)
		if perr != nil {
			// 不正なメッセージは黙って捨てる
			slog.Debug("SSDP メッセージを破棄", "err", perr, "from", src)
			continue
		}
		ev := Event{Source: src}
		switch m := msg.(type) {
		case *Announcement:
			ev.Announcement = m
		case *SearchRequest:
			ev.Search = m
		case *SearchResponse:
			ev.Response = m
		}
		select {
		case e.events <- ev:
		default:
			slog.Warn("SSDP イベントチャンネルがブロックされています")
		}
	}
}

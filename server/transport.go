// Package server は、コントロールポイントのイベント（デバイスのオンライン・
// オフライン、状態変数の変化）を UI クライアントへ WebSocket で配信する
// プッシュサーバを実装します。
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// StartOptions は、サーバ起動時のオプションを表す
type StartOptions struct {
	// Ready は、リスナーのバインド完了時に close されるチャンネル
	Ready chan struct{}
	// CertFile / KeyFile が両方指定されると TLS で待ち受ける
	CertFile string
	KeyFile  string
}

// Transport は、イベント配信サーバのネットワーク層を抽象化するインターフェース
type Transport interface {
	// Start はサーバを起動する
	Start(options StartOptions) error

	// Stop はサーバを停止する
	Stop() error

	// SetMessageHandler はクライアントからメッセージを受信した時に呼び出されるハンドラを設定する
	SetMessageHandler(handler func(connID string, message []byte) error)

	// SetConnectHandler は新しいクライアントが接続した時に呼び出されるハンドラを設定する
	SetConnectHandler(handler func(connID string) error)

	// SendMessage は特定のクライアントにメッセージを送信する
	SendMessage(connID string, message []byte) error

	// BroadcastMessage は接続中の全クライアントにメッセージを送信する
	BroadcastMessage(message []byte) error
}

// clientConnection wraps a WebSocket connection with a mutex for safe concurrent writes
type clientConnection struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

// WebSocketTransport は Transport の WebSocket 実装
type WebSocketTransport struct {
	ctx            context.Context
	cancel         context.CancelFunc
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        map[string]*clientConnection
	clientsMutex   sync.RWMutex
	messageHandler func(connID string, message []byte) error
	connectHandler func(connID string) error
}

// NewWebSocketTransport は WebSocketTransport の新しいインスタンスを作成する
func NewWebSocketTransport(ctx context.Context, addr string) *WebSocketTransport {
	transportCtx, cancel := context.WithCancel(ctx)

	t := &WebSocketTransport{
		ctx:    transportCtx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*clientConnection),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWebSocket)
	t.server = &http.Server{Addr: addr, Handler: mux}
	return t
}

// Start はサーバを起動する
func (t *WebSocketTransport) Start(options StartOptions) error {
	// 先にリスナーをバインドしてから待ち受け完了を通知する
	listener, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return err
	}
	if options.Ready != nil {
		close(options.Ready)
	}
	slog.Info("イベント配信サーバを起動します", "addr", t.server.Addr)

	if options.CertFile != "" && options.KeyFile != "" {
		return t.server.ServeTLS(listener, options.CertFile, options.KeyFile)
	}
	return t.server.Serve(listener)
}

// Stop はサーバを停止する
func (t *WebSocketTransport) Stop() error {
	t.cancel()
	return t.server.Shutdown(context.Background())
}

// SetMessageHandler はクライアントからのメッセージハンドラを設定する
func (t *WebSocketTransport) SetMessageHandler(handler func(connID string, message []byte) error) {
	t.messageHandler = handler
}

// SetConnectHandler は接続ハンドラを設定する
func (t *WebSocketTransport) SetConnectHandler(handler func(connID string) error) {
	t.connectHandler = handler
}

// isConnectionClosedError checks if the error indicates a closed connection
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (t *WebSocketTransport) removeClient(connID string) {
	t.clientsMutex.Lock()
	delete(t.clients, connID)
	t.clientsMutex.Unlock()
}

// SendMessage は特定のクライアントにメッセージを送信する
func (t *WebSocketTransport) SendMessage(connID string, message []byte) error {
	t.clientsMutex.RLock()
	client, exists := t.clients[connID]
	t.clientsMutex.RUnlock()
	if !exists {
		return fmt.Errorf("client with ID %s not found", connID)
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()
	if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if isConnectionClosedError(err) {
			t.removeClient(connID)
		}
		return fmt.Errorf("failed to send message to client %s: %w", connID, err)
	}
	return nil
}

// BroadcastMessage は接続中の全クライアントにメッセージを送信する
func (t *WebSocketTransport) BroadcastMessage(message []byte) error {
	t.clientsMutex.RLock()
	clients := make(map[string]*clientConnection, len(t.clients))
	for connID, client := range t.clients {
		clients[connID] = client
	}
	t.clientsMutex.RUnlock()

	var disconnected []string
	for connID, client := range clients {
		client.mutex.Lock()
		if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			if isConnectionClosedError(err) {
				disconnected = append(disconnected, connID)
			} else {
				slog.Error("クライアントへの配信に失敗", "err", err, "connID", connID)
			}
		}
		client.mutex.Unlock()
	}
	for _, connID := range disconnected {
		t.removeClient(connID)
	}
	return nil
}

// handleWebSocket はWebSocket接続を処理する
func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket へのアップグレードに失敗", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	connID := fmt.Sprintf("%p", conn)
	t.clientsMutex.Lock()
	t.clients[connID] = &clientConnection{conn: conn}
	t.clientsMutex.Unlock()
	defer t.removeClient(connID)

	if t.connectHandler != nil {
		if err := t.connectHandler(connID); err != nil {
			slog.Error("接続ハンドラでエラー", "err", err)
			return
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Error("WebSocket が異常終了しました", "err", err)
			}
			break
		}
		if t.messageHandler != nil {
			if err := t.messageHandler(connID, message); err != nil && !isConnectionClosedError(err) {
				slog.Error("メッセージハンドラでエラー", "err", err)
			}
		}
	}
}

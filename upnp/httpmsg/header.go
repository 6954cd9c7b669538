// Package httpmsg は、UPnP の各プロトコル (SSDP / SOAP / GENA) が共有する
// HTTP/1.1 メッセージ文法を実装します。
// 受信時のヘッダ名は大文字小文字を区別せず、送信時は canonical 形式
// (Title-Case) で出力します。
package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

// Header は、大文字小文字を区別しない HTTP ヘッダ集合を表す
type Header map[string][]string

// Set は、値を1つに置き換える
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add は、値を追加する
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Get は、最初の値を返す。存在しなければ空文字列。
func (h Header) Get(key string) string {
	if vs := h[textproto.CanonicalMIMEHeaderKey(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has は、ヘッダの存在を返す
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Del は、ヘッダを削除する
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Message は、HTTP/1.1 のリクエストまたはレスポンスを表す。
// SSDP のデータグラムも同じ文法でこの型にパースされる。
type Message struct {
	IsRequest     bool
	Method        string // リクエストのみ
	RequestTarget string // リクエストのみ。SSDP では "*" になる
	StatusCode    int    // レスポンスのみ
	ReasonPhrase  string // レスポンスのみ
	Proto         string // "HTTP/1.1" / "HTTP/1.0"
	Header        Header
	Body          []byte
}

// NewRequest は、リクエストメッセージを作成する
func NewRequest(method, target string) *Message {
	return &Message{
		IsRequest:     true,
		Method:        method,
		RequestTarget: target,
		Proto:         "HTTP/1.1",
		Header:        make(Header),
	}
}

// NewResponse は、ステータスコードからレスポンスメッセージを作成する。
// 理由句は UDA の文言（600番台を含む）で補われる。
func NewResponse(code int) *Message {
	return &Message{
		StatusCode:   code,
		ReasonPhrase: StatusText(code),
		Proto:        "HTTP/1.1",
		Header:       make(Header),
	}
}

// StartLine は、開始行（リクエスト行またはステータス行）を返す
func (m *Message) StartLine() string {
	if m.IsRequest {
		return fmt.Sprintf("%s %s %s", m.Method, m.RequestTarget, m.Proto)
	}
	return fmt.Sprintf("%s %d %s", m.Proto, m.StatusCode, m.ReasonPhrase)
}

// KeepAlive は、ヘッダから接続維持を推定する。
// HTTP/1.1 は既定で維持 (`Connection: close` で無効)、
// HTTP/1.0 は既定で切断 (`Connection: Keep-Alive` で有効)。
func (m *Message) KeepAlive() bool {
	conn := strings.ToLower(m.Header.Get("Connection"))
	if m.Proto == "HTTP/1.0" {
		return conn == "keep-alive"
	}
	return conn != "close"
}

// ContentLength は、Content-Length ヘッダの値を返す。未指定は -1。
func (m *Message) ContentLength() int64 {
	v := m.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// IsChunked は、Transfer-Encoding: chunked かどうかを返す
func (m *Message) IsChunked() bool {
	return strings.EqualFold(m.Header.Get("Transfer-Encoding"), "chunked")
}

// Serialize は、メッセージ全体（ボディ含む）をワイヤ形式に直列化する。
// ヘッダはキーの辞書順で出力する（出力を決定的にするため）。
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(m.StartLine())
	buf.WriteString("\r\n")
	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range m.Header[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// parseStartLine は、開始行をパースして m に設定する
func parseStartLine(line string, m *Message) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: bad start line %q", ErrMalformed, line)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		// ステータス行
		if len(parts) < 2 {
			return fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: bad status code in %q", ErrMalformed, line)
		}
		m.IsRequest = false
		m.Proto = parts[0]
		m.StatusCode = code
		if len(parts) == 3 {
			m.ReasonPhrase = parts[2]
		}
		return nil
	}
	// リクエスト行
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	m.IsRequest = true
	m.Method = parts[0]
	m.RequestTarget = parts[1]
	m.Proto = parts[2]
	return nil
}

// ParseHeader は、開始行とヘッダ部（ボディ手前まで）を読み取る
func ParseHeader(r *bufio.Reader) (*Message, error) {
	tp := textproto.NewReader(r)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	m := &Message{Header: make(Header)}
	if err := parseStartLine(line, m); err != nil {
		return nil, err
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for k, vs := range mimeHeader {
		m.Header[k] = vs
	}
	return m, nil
}

// ParseDatagram は、UDP データグラム（SSDP メッセージ）をパースする。
// ボディは通常存在しないが、あればそのまま保持する。
func ParseDatagram(data []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	m, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(r); err == nil && body.Len() > 0 {
		m.Body = body.Bytes()
	}
	return m, nil
}

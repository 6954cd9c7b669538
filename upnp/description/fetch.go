package description

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound は、取得先が存在しないことを表す
var ErrNotFound = errors.New("not found")

// ErrFetchFailed は、取得の失敗（接続・タイムアウトなど）を表す
var ErrFetchFailed = errors.New("fetch failed")

// Fetcher は、記述文書（デバイス記述・SCPD）の取得能力を表す。
// 取得トランスポートは差し替え可能で、既定は HTTP。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// IconFetcher は、アイコンの取得能力を表す。
// 取得失敗は致命的ではない（アイコンは落として警告を残す）。
type IconFetcher interface {
	FetchIcon(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher は、net/http による既定の Fetcher / IconFetcher 実装
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher は、タイムアウト付きの既定実装を作成する
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d for %s", ErrFetchFailed, resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return body, nil
}

// Fetch は、記述文書を取得する
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.get(ctx, url)
}

// FetchIcon は、アイコンを取得する
func (f *HTTPFetcher) FetchIcon(ctx context.Context, url string) ([]byte, error) {
	return f.get(ctx, url)
}

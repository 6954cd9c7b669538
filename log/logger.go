// Package log は、hupnp デーモンのログ出力を構成します。
// slog の既定ロガーを標準エラーとログファイルの両方へ向け、
// SIGHUP によるログファイルのローテーション（閉じて開き直す）に対応します。
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// RotatingWriter は、ローテーション可能なログファイルへの書き込み先を表す。
// slog ハンドラの出力先として使い、Rotate で同じパスを開き直す。
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewRotatingWriter は、ログファイルを追記モードで開く
func NewRotatingWriter(path string) (*RotatingWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	return &RotatingWriter{path: path, file: file}, nil
}

// Write は io.Writer を実装する。Close 後の書き込みは黙って捨てる。
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return len(p), nil
	}
	return w.file.Write(p)
}

// Rotate は、ログファイルを閉じて同じパスで開き直す。
// logrotate などに移動された後の SIGHUP ハンドラから呼ばれる。
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	_ = w.file.Close()
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		w.file = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}
	w.file = file
	return nil
}

// Close は、ログファイルを閉じる
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Setup は、slog の既定ロガーを構成する。
// filename が空でなければ標準エラーとログファイルの両方へ出力し、
// 返された RotatingWriter でローテーションできる。
// filename が空の場合は標準エラーのみで、戻り値は nil。
func Setup(filename string, debug bool) (*RotatingWriter, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	var writer *RotatingWriter
	if filename != "" {
		var err error
		writer, err = NewRotatingWriter(filename)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, writer)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return writer, nil
}

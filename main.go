package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gladhorn/hupnp/config"
	"github.com/gladhorn/hupnp/log"
	"github.com/gladhorn/hupnp/server"
	"github.com/gladhorn/hupnp/upnp/controlpoint"
	"github.com/gladhorn/hupnp/upnp/host"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hupnp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := config.ParseCommandLineArgs()
	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	cfg.ApplyCommandLineArgs(args)

	// slog をファイルと標準エラーへ向け、SIGHUP でローテーションする
	logWriter, err := log.Setup(cfg.Log.Filename, cfg.Debug)
	if err != nil {
		return err
	}
	if logWriter != nil {
		defer logWriter.Close()

		rotateCh := make(chan os.Signal, 1)
		signal.Notify(rotateCh, syscall.SIGHUP)
		go func() {
			for range rotateCh {
				if err := logWriter.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
				}
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// デバイスホスト
	var h *host.Host
	if cfg.Host.Enabled {
		var devices []host.DeviceConfig
		for _, entry := range cfg.Host.Devices {
			devices = append(devices, host.DeviceConfig{
				DescriptionPath:    entry.Description,
				CacheControlMaxAge: entry.CacheControlMaxAge,
			})
		}
		h = host.NewHost(host.Config{
			ListenAddr:                   cfg.Host.Listen,
			Devices:                      devices,
			IndividualAdvertisementCount: cfg.Host.IndividualAdvertisementCount,
			SubscribeNonEvented:          cfg.Host.SubscribeNonEvented,
		})
		if err := h.Init(ctx); err != nil {
			return fmt.Errorf("デバイスホストの初期化に失敗しました: %w", err)
		}
		defer func() { _ = h.Quit() }()
		slog.Info("デバイスホストを公開しました", "baseURL", h.BaseURL())
	}

	// コントロールポイント
	var cp *controlpoint.ControlPoint
	if cfg.ControlPoint.Enabled {
		subTimeout, err := time.ParseDuration(cfg.ControlPoint.SubscriptionTimeout)
		if err != nil {
			subTimeout = 30 * time.Minute
		}
		cp = controlpoint.NewControlPoint(controlpoint.Config{
			ListenAddr:          cfg.ControlPoint.Listen,
			SubscriptionTimeout: subTimeout,
			AutoDiscovery:       cfg.ControlPoint.AutoDiscovery,
			BuildParallelism:    cfg.ControlPoint.BuildParallelism,
		})
		if err := cp.Start(ctx); err != nil {
			return fmt.Errorf("コントロールポイントの起動に失敗しました: %w", err)
		}
		defer func() { _ = cp.Stop() }()
	}

	// イベント配信サーバ
	if cfg.EventServer.Enabled && cp != nil {
		transport := server.NewWebSocketTransport(ctx, cfg.EventServer.Addr)
		eventServer := server.NewEventServer(ctx, cp, transport)
		ready := make(chan struct{})
		go func() {
			err := eventServer.Start(server.StartOptions{
				Ready:    ready,
				CertFile: cfg.EventServer.CertFile,
				KeyFile:  cfg.EventServer.KeyFile,
			})
			if err != nil {
				slog.Error("イベント配信サーバが停止しました", "err", err)
			}
		}()
		<-ready
		defer func() { _ = eventServer.Stop() }()
	}

	if h == nil && cp == nil {
		return fmt.Errorf("ホストもコントロールポイントも有効になっていません")
	}

	// SIGINT / SIGTERM で graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("シグナルを受信したため終了します", "signal", sig.String())
	return nil
}

// Package main はcamcastサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"camcast/internal/camera"
	"camcast/internal/config"
	"camcast/internal/logging"
	"camcast/internal/recording"
	"camcast/internal/server"
	"camcast/internal/stream"
	"camcast/internal/transcode"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = pflag.StringP("config", "c", "", "設定ファイルのパス (環境変数 CAMCAST_CONFIG)")
		host       = pflag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = pflag.IntP("port", "p", 0, "サーバーのポート (デフォルト: 5001)")
		help       = pflag.BoolP("help", "h", false, "ヘルプを表示")
	)

	pflag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("camcast")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  camcast [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		pflag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が不正です: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗しました: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	backends, err := camera.NewBackends(cfg.Camera.Backends, camera.BackendOptions{
		FFmpegPath:  cfg.Camera.FFmpegPath,
		OpenTimeout: cfg.Camera.OpenTimeout,
	})
	if err != nil {
		return err
	}
	source := camera.NewSource(backends, camera.Settings{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	})

	// 起動時にカメラを列挙しておく
	registry := camera.NewRegistry(source)
	if _, err := registry.Enumerate(ctx, cfg.Camera.MaxIndex); err != nil {
		return fmt.Errorf("カメラの列挙に失敗: %w", err)
	}

	recCfg := recordingConfig(cfg)
	if err := recCfg.Validate(); err != nil {
		return err
	}
	newWriter, err := recording.NewWriterFactory(recCfg)
	if err != nil {
		return err
	}
	if recCfg.Writer == "ffmpeg" {
		if err := recording.ValidateFFmpeg(ctx, recCfg.FFmpegPath); err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("録画は利用できません")
		}
	}

	srv, err := server.New(cfg, server.Deps{
		Multiplexer: stream.NewMultiplexer(source, stream.Config{
			SharedCapture:   cfg.Stream.SharedCapture,
			SubscriberQueue: cfg.Stream.SubscriberQueue,
		}),
		Registry:   registry,
		Recordings: recording.NewManager(recording.NewRecorder(source, recCfg, newWriter)),
		Transcoder: transcode.NewSupervisor(transcodeConfig(cfg), nil),
	})
	if err != nil {
		return err
	}

	log.Info().Str("component", "main").
		Str("addr", cfg.ServerAddress()).
		Strs("backends", backendNames(backends)).
		Bool("auth", cfg.Auth.Enabled).
		Bool("shared_capture", cfg.Stream.SharedCapture).
		Msg("camcast サーバーを起動します")
	return srv.Start(ctx)
}

func recordingConfig(cfg *config.Config) recording.Config {
	return recording.Config{
		Dir:            cfg.Recording.Dir,
		BatchSize:      cfg.Recording.BatchSize,
		Width:          cfg.Recording.Width,
		Height:         cfg.Recording.Height,
		FPS:            cfg.Recording.FPS,
		Quality:        cfg.Recording.Quality,
		FlipHorizontal: cfg.Recording.FlipHorizontal,
		Writer:         cfg.Recording.Writer,
		FFmpegPath:     cfg.Camera.FFmpegPath,
	}
}

func transcodeConfig(cfg *config.Config) transcode.Config {
	return transcode.Config{
		FFmpegPath:  cfg.Transcode.FFmpegPath,
		Quality:     cfg.Transcode.Quality,
		StartGrace:  cfg.Transcode.StartGrace,
		StopTimeout: 3 * time.Second,
		Settings: camera.Settings{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		},
	}
}

func backendNames(backends []camera.Backend) []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	return names
}

// Package main は利用可能なカメラを列挙するコマンドの実装です
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"camcast/internal/camera"
	"camcast/internal/config"
	"camcast/internal/logging"
)

func main() {
	defaults := config.Default()

	var (
		maxIndex   = pflag.IntP("max", "m", defaults.Camera.MaxIndex, "調べるインデックスの上限")
		backends   = pflag.StringSliceP("backend", "b", nil, "試すバックエンド (デフォルト: 登録済みすべて)")
		ffmpegPath = pflag.String("ffmpeg", defaults.Camera.FFmpegPath, "ffmpeg 実行ファイル")
		asJSON     = pflag.Bool("json", false, "JSONで出力")
		verbose    = pflag.BoolP("verbose", "v", false, "デバッグログを表示")
		help       = pflag.BoolP("help", "h", false, "ヘルプを表示")
	)
	pflag.Parse()

	if *help {
		fmt.Println("使用方法:")
		fmt.Println("  listcameras [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		pflag.PrintDefaults()
		os.Exit(0)
	}
	if *maxIndex < 1 {
		fmt.Fprintf(os.Stderr, "--max は1以上にしてください: %d\n", *maxIndex)
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logging.Setup(config.LogConfig{Level: level, Format: "console"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	list, err := camera.NewBackends(*backends, camera.BackendOptions{
		FFmpegPath:  *ffmpegPath,
		OpenTimeout: defaults.Camera.OpenTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("バックエンドの作成に失敗しました")
	}
	source := camera.NewSource(list, camera.Settings{
		Width:  defaults.Camera.Width,
		Height: defaults.Camera.Height,
		FPS:    defaults.Camera.FPS,
	})
	registry := camera.NewRegistry(source)

	if _, err := registry.Enumerate(ctx, *maxIndex); err != nil {
		log.Fatal().Err(err).Msg("カメラの列挙に失敗しました")
	}
	infos := registry.DescribeAll(ctx)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			log.Fatal().Err(err).Msg("出力に失敗しました")
		}
		return
	}

	fmt.Printf("利用可能なカメラ: %v\n", registry.Last())
	for _, info := range infos {
		if info.Path != "" {
			fmt.Printf("  %d: %s (%s)\n", info.Index, info.Name, info.Path)
		} else {
			fmt.Printf("  %d: %s\n", info.Index, info.Name)
		}
	}
}

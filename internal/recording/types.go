// Package recording はカメラ映像をバックグラウンドで動画ファイルに保存する
//
// 録画タスクは自分専用のデバイスハンドルとフレームバッファを持ち、
// バッファが一定枚数たまるごとにまとめてコンテナに書き出す。
package recording

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRecording は録画中に開始しようとしたことを表す
	ErrAlreadyRecording = errors.New("すでに録画中です")
	// ErrNotRecording は録画していないのに停止しようとしたことを表す
	ErrNotRecording = errors.New("録画していません")
	// ErrWrite はコンテナへの書き込みに失敗したことを表す
	ErrWrite = errors.New("動画ファイルへの書き込みに失敗しました")
)

// Config は録画設定
type Config struct {
	Dir            string // 出力先ディレクトリ
	BatchSize      int    // まとめて書き出す枚数
	Width          int    // コンテナの幅
	Height         int    // コンテナの高さ
	FPS            int    // コンテナのフレームレート
	Quality        int    // バッファに保持するJPEGの品質
	FlipHorizontal bool   // 左右反転
	Writer         string // コンテナライター ("ffmpeg" / "gocv")
	FFmpegPath     string // ffmpeg 実行ファイル
}

// DefaultConfig はデフォルトの録画設定を返す
func DefaultConfig() Config {
	return Config{
		Dir:        "recordings",
		BatchSize:  10,
		Width:      640,
		Height:     480,
		FPS:        20,
		Quality:    80,
		Writer:     "ffmpeg",
		FFmpegPath: "ffmpeg",
	}
}

// Validate は設定値を確認する
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("録画ディレクトリが指定されていません")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("バッチサイズは1以上にしてください: %d", c.BatchSize)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("録画解像度が不正です: %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("録画フレームレートが不正です: %d", c.FPS)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("録画品質は1-100の範囲で指定してください: %d", c.Quality)
	}
	return nil
}

// FileName は録画開始時刻からファイル名を生成する
func FileName(t time.Time) string {
	return fmt.Sprintf("recording_%s.avi", t.Format("2006-01-02_15-04-05"))
}

// Stats は録画タスクの集計値
type Stats struct {
	Captured uint64 `json:"captured"` // デバイスから取得した枚数
	Written  uint64 `json:"written"`  // コンテナに書き込んだ枚数
	Dropped  uint64 `json:"dropped"`  // 圧縮・復号・書き込みに失敗して捨てた枚数
	Batches  uint64 `json:"batches"`  // 書き出したバッチ数
	Buffered int    `json:"buffered"` // 未書き出しの枚数
}

// Status は録画タスクの状態
type Status string

// Status の定数定義
const (
	StatusRecording Status = "recording" // 録画中
	StatusCompleted Status = "completed" // 停止により完了
	StatusError     Status = "error"     // デバイス障害で終了
)

// TaskInfo は録画タスクの情報
type TaskInfo struct {
	ID       string     `json:"id"`
	Index    int        `json:"camera_index"`
	Path     string     `json:"path"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Status   Status     `json:"status"`
	Error    string     `json:"error,omitempty"`
	Stats    Stats      `json:"stats"`
}

// File は出力ディレクトリにある録画ファイル
type File struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Status   Status    `json:"status"`
}

package camera

import (
	"context"
	"errors"
	"image"
	"time"

	"golang.org/x/image/draw"
)

var (
	// ErrDeviceUnavailable はデバイスを開けなかったことを表す
	ErrDeviceUnavailable = errors.New("デバイスが利用できません")
	// ErrEndOfStream はデバイスがフレームの供給を終えたことを表す
	ErrEndOfStream = errors.New("ストリームが終了しました")
	// ErrCapture はフレームの読み取りに失敗したことを表す
	ErrCapture = errors.New("フレームの取得に失敗しました")
	// ErrHandleClosed はクローズ済みのハンドルから読もうとしたことを表す
	ErrHandleClosed = errors.New("ハンドルはクローズ済みです")
)

// State はデバイスハンドルの状態を表す
type State int32

const (
	StateClosed State = iota // 解放済み
	StateOpen                // 読み取り可能
	StateFailed              // 読み取りに失敗した（Close待ち）
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Frame はある時点でキャプチャされた1枚の画像
//
// 次の段に渡した後は変更しない。複数の消費者で共有する場合は Clone する。
type Frame struct {
	Image    image.Image
	Seq      uint64    // ハンドル内での連番（1始まり）
	Captured time.Time // 取得時刻
}

// Clone は画素データを複製したフレームを返す
func (f Frame) Clone() Frame {
	if f.Image == nil {
		return f
	}
	b := f.Image.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, f.Image, b.Min, draw.Src)
	return Frame{Image: dst, Seq: f.Seq, Captured: f.Captured}
}

// Settings はデバイスを開く際に要求する取得設定
type Settings struct {
	Width  int // 画像幅
	Height int // 画像高さ
	FPS    int // フレームレート
}

// DeviceInfo はカメラデバイスの表示用情報
type DeviceInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
}

// Opener はインデックス指定でデバイスハンドルを開く
type Opener interface {
	Open(ctx context.Context, index int) (*Handle, error)
}

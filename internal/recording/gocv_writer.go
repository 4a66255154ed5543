//go:build gocv

package recording

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	RegisterWriter("gocv", func(_ Config) WriterFactory {
		return func(spec WriterSpec) (ContainerWriter, error) {
			return NewGoCVWriter(spec)
		}
	})
}

// GoCVWriter は OpenCV の VideoWriter で MJPG の AVI を書く
type GoCVWriter struct {
	spec      WriterSpec
	vw        *gocv.VideoWriter
	closeOnce sync.Once
	closeErr  error
}

// NewGoCVWriter は新しいGoCVWriterを作成する
func NewGoCVWriter(spec WriterSpec) (*GoCVWriter, error) {
	vw, err := gocv.VideoWriterFile(spec.Path, "MJPG", float64(spec.FPS), spec.Width, spec.Height, true)
	if err != nil {
		return nil, fmt.Errorf("VideoWriterの作成に失敗: %w", err)
	}
	if !vw.IsOpened() {
		_ = vw.Close()
		return nil, fmt.Errorf("動画ファイルを開けません: %s", spec.Path)
	}
	return &GoCVWriter{spec: spec, vw: vw}, nil
}

// WriteFrame は1フレームを書き込む
func (w *GoCVWriter) WriteFrame(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("Matへの変換に失敗: %w", err)
	}
	defer mat.Close()

	if err := w.vw.Write(mat); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	return nil
}

// Close はファイルを閉じる
func (w *GoCVWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.vw.Close()
	})
	return w.closeErr
}

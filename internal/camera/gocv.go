//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	RegisterBackend("gocv", 20, func(_ BackendOptions) Backend {
		return &GoCVBackend{apis: preferredCaptureAPIs(runtime.GOOS)}
	})
}

// preferredCaptureAPIs は OS ごとに試すキャプチャAPIを優先順に返す
func preferredCaptureAPIs(goos string) []gocv.VideoCaptureAPI {
	switch goos {
	case "linux":
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureV4L2, gocv.VideoCaptureAny}
	case "darwin":
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureAVFoundation, gocv.VideoCaptureAny}
	case "windows":
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureDshow, gocv.VideoCaptureMSMF, gocv.VideoCaptureAny}
	default:
		return []gocv.VideoCaptureAPI{gocv.VideoCaptureAny}
	}
}

// GoCVBackend は OpenCV の VideoCapture でカメラを開く
type GoCVBackend struct {
	apis []gocv.VideoCaptureAPI
}

// Name はバックエンド名を返す
func (b *GoCVBackend) Name() string {
	return "gocv"
}

// Open はキャプチャAPIを順に試してデバイスを開く
func (b *GoCVBackend) Open(_ context.Context, index int, settings Settings) (Device, error) {
	var lastErr error
	for _, api := range b.apis {
		vc, err := gocv.VideoCaptureDeviceWithAPI(index, api)
		if err != nil {
			lastErr = err
			continue
		}
		if !vc.IsOpened() {
			_ = vc.Close()
			lastErr = fmt.Errorf("カメラ %d を開けません (api=%d)", index, api)
			continue
		}

		if settings.Width > 0 && settings.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(settings.Width))
			vc.Set(gocv.VideoCaptureFrameHeight, float64(settings.Height))
		}
		if settings.FPS > 0 {
			vc.Set(gocv.VideoCaptureFPS, float64(settings.FPS))
		}
		vc.Set(gocv.VideoCaptureBufferSize, 1)

		mat := gocv.NewMat()
		return &gocvDevice{vc: vc, mat: &mat}, nil
	}
	return nil, fmt.Errorf("OpenCVでのオープンに失敗: %w", lastErr)
}

type gocvDevice struct {
	mu        sync.Mutex
	vc        *gocv.VideoCapture
	mat       *gocv.Mat
	closed    bool
	closeOnce sync.Once
}

// ReadFrame はブロッキングで1フレーム読む。ctx は読み取り前にのみ確認する
func (d *gocvDevice) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, io.EOF
	}

	if ok := d.vc.Read(d.mat); !ok {
		return nil, io.EOF
	}
	if d.mat.Empty() {
		return nil, fmt.Errorf("空のフレームを受信しました")
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("画像への変換に失敗: %w", err)
	}
	return img, nil
}

func (d *gocvDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.closed = true
		_ = d.mat.Close()
		err = d.vc.Close()
	})
	return err
}

//go:build linux && cgo

package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

func init() {
	RegisterBackend("v4l2", 10, func(_ BackendOptions) Backend {
		return &V4L2Backend{}
	})
}

// V4L2Backend は go4vl で /dev/videoN を MJPEG として直接読む
type V4L2Backend struct{}

// Name はバックエンド名を返す
func (b *V4L2Backend) Name() string {
	return "v4l2"
}

// Open はデバイスを MJPEG フォーマットで開いてストリーミングを開始する
func (b *V4L2Backend) Open(_ context.Context, index int, settings Settings) (Device, error) {
	path := fmt.Sprintf("/dev/video%d", index)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", path)
	}

	opts := []device.Option{device.WithBufferSize(2)}
	if settings.Width > 0 && settings.Height > 0 {
		opts = append(opts, device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(settings.Width),
			Height:      uint32(settings.Height),
		}))
	}

	dev, err := device.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("V4L2デバイスのオープンに失敗: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		_ = dev.Close()
		return nil, fmt.Errorf("V4L2ストリーミングの開始に失敗: %w", err)
	}

	return &v4l2Device{
		dev:    dev,
		cancel: cancel,
		frames: dev.GetOutput(),
	}, nil
}

type v4l2Device struct {
	dev       *device.Device
	cancel    context.CancelFunc
	frames    <-chan []byte
	closeOnce sync.Once
}

func (d *v4l2Device) ReadFrame(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-d.frames:
		if !ok {
			return nil, io.EOF
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	}
}

func (d *v4l2Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		err = d.dev.Close()
	})
	return err
}

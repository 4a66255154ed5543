// Package transform はフレームの縮小・左右反転・JPEG圧縮を行う
//
// すべての処理は入力画像を変更しない純粋関数として実装する。
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	"camcast/internal/camera"
)

const (
	// DefaultQuality は配信用のJPEG品質
	DefaultQuality = 5
	// ContentType は生成するチャンクの種類
	ContentType = "image/jpeg"

	minQuality = 1
	maxQuality = 100
)

var (
	// ErrEncode はフレームを圧縮できなかったことを表す
	ErrEncode = errors.New("フレームのエンコードに失敗しました")
	// ErrInvalidOptions は変換オプションが範囲外であることを表す
	ErrInvalidOptions = errors.New("変換オプションが不正です")
)

// Size は縮小先の画像サイズ。ゼロ値は縮小しないことを表す
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// IsZero は縮小指定がないかどうかを返す
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Options はフレームごとの変換設定
type Options struct {
	ResizeTo       Size // 縮小先（ゼロ値なら元のサイズ）
	FlipHorizontal bool // 左右反転
	Quality        int  // JPEG品質 1-100（0 なら DefaultQuality）
}

// Validate は設定値の範囲を確認する
func (o Options) Validate() error {
	if o.Quality != 0 && (o.Quality < minQuality || o.Quality > maxQuality) {
		return fmt.Errorf("%w: 品質は%d-%dの範囲で指定してください: %d", ErrInvalidOptions, minQuality, maxQuality, o.Quality)
	}
	if !o.ResizeTo.IsZero() && (o.ResizeTo.Width <= 0 || o.ResizeTo.Height <= 0) {
		return fmt.Errorf("%w: 縮小サイズが不正です: %s", ErrInvalidOptions, o.ResizeTo)
	}
	return nil
}

func (o Options) quality() int {
	if o.Quality == 0 {
		return DefaultQuality
	}
	return o.Quality
}

// Chunk は圧縮済みの1フレーム
//
// 作成後は変更しない。
type Chunk struct {
	Data        []byte
	ContentType string
	Seq         uint64
	Captured    time.Time
}

// Size はバイト数を返す
func (c Chunk) Size() int {
	return len(c.Data)
}

// Apply は縮小・反転・圧縮を順に適用してチャンクを作る
func Apply(frame camera.Frame, opts Options) (Chunk, error) {
	if err := opts.Validate(); err != nil {
		return Chunk{}, err
	}
	if frame.Image == nil || frame.Image.Bounds().Empty() {
		return Chunk{}, fmt.Errorf("%w: 空の画像", ErrEncode)
	}

	img := frame.Image
	if !opts.ResizeTo.IsZero() {
		img = Resize(img, opts.ResizeTo)
	}
	if opts.FlipHorizontal {
		img = FlipHorizontal(img)
	}

	data, err := Encode(img, opts.quality())
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		Data:        data,
		ContentType: ContentType,
		Seq:         frame.Seq,
		Captured:    frame.Captured,
	}, nil
}

// Resize は画像を指定サイズに拡大縮小する
//
// すでに同じサイズの場合は入力をそのまま返す。
func Resize(img image.Image, size Size) image.Image {
	b := img.Bounds()
	if b.Dx() == size.Width && b.Dy() == size.Height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// FlipHorizontal は左右反転した新しい画像を返す
func FlipHorizontal(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.RGBA); ok {
		rowBytes := b.Dx() * 4
		for y := 0; y < b.Dy(); y++ {
			srcRow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):][:rowBytes]
			dstRow := dst.Pix[dst.PixOffset(0, y):][:rowBytes]
			for x := 0; x < b.Dx(); x++ {
				copy(dstRow[x*4:x*4+4], srcRow[(b.Dx()-1-x)*4:(b.Dx()-x)*4])
			}
		}
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// Encode は画像をJPEGに圧縮する
func Encode(img image.Image, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: 空の画像", ErrEncode)
	}
	if quality < minQuality || quality > maxQuality {
		return nil, fmt.Errorf("%w: 品質が範囲外です: %d", ErrEncode, quality)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode はJPEGデータを画像に戻す
func Decode(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

package recording

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ContainerWriter は固定の解像度とフレームレートの動画ファイルにフレームを書く
type ContainerWriter interface {
	WriteFrame(img image.Image) error
	Close() error
}

// WriterSpec はコンテナの書式
type WriterSpec struct {
	Path    string
	Width   int
	Height  int
	FPS     int
	Quality int
}

// WriterFactory はコンテナライターの作成関数の型
type WriterFactory func(spec WriterSpec) (ContainerWriter, error)

var (
	writersMu sync.RWMutex
	writers   = map[string]func(cfg Config) WriterFactory{
		"ffmpeg": func(cfg Config) WriterFactory {
			return func(spec WriterSpec) (ContainerWriter, error) {
				return NewFFmpegWriter(cfg.FFmpegPath, spec)
			}
		},
	}
)

// RegisterWriter はコンテナライターを名前で登録する
func RegisterWriter(name string, creator func(cfg Config) WriterFactory) {
	writersMu.Lock()
	defer writersMu.Unlock()
	writers[name] = creator
}

// NewWriterFactory は設定に応じたコンテナライターの作成関数を返す
func NewWriterFactory(cfg Config) (WriterFactory, error) {
	writersMu.RLock()
	defer writersMu.RUnlock()

	name := cfg.Writer
	if name == "" {
		name = "ffmpeg"
	}
	creator, ok := writers[name]
	if !ok {
		return nil, fmt.Errorf("サポートされていないコンテナライター: %s", name)
	}
	return creator(cfg), nil
}

// FFmpegWriter は JPEG を ffmpeg の標準入力に流して AVI に格納する
type FFmpegWriter struct {
	spec   WriterSpec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *bytes.Buffer
	buf    bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

// NewFFmpegWriter は ffmpeg を起動して書き込み可能なライターを返す
func NewFFmpegWriter(ffmpegPath string, spec WriterSpec) (*FFmpegWriter, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if spec.Quality == 0 {
		spec.Quality = 80
	}

	cmd := exec.Command(ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(spec.FPS),
		"-i", "-",
		"-c:v", "copy", // 再エンコードなし
		"-y", // 上書き許可
		spec.Path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}
	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	return &FFmpegWriter{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		output: output,
	}, nil
}

// WriteFrame は1フレームを書き込む。画像はコンテナの解像度に合わせてから渡す
func (w *FFmpegWriter) WriteFrame(img image.Image) error {
	b := img.Bounds()
	if b.Dx() != w.spec.Width || b.Dy() != w.spec.Height {
		return fmt.Errorf("解像度がコンテナと一致しません: %dx%d", b.Dx(), b.Dy())
	}

	w.buf.Reset()
	if err := jpeg.Encode(&w.buf, img, &jpeg.Options{Quality: w.spec.Quality}); err != nil {
		return fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	if _, err := w.stdin.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("ffmpegへの書き込みに失敗: %w", err)
	}
	return nil
}

// Close は入力を閉じて ffmpeg がファイルを書き終えるのを待つ
func (w *FFmpegWriter) Close() error {
	w.closeOnce.Do(func() {
		_ = w.stdin.Close()
		if err := w.cmd.Wait(); err != nil {
			w.closeErr = fmt.Errorf("動画ファイルの書き出しに失敗: %w (output: %s)", err, strings.TrimSpace(w.output.String()))
		}
	})
	return w.closeErr
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context, ffmpegPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}

// MemoryWriter はテスト用のコンテナライター実装
//
// 書き込まれたフレームのサイズを記録する。
type MemoryWriter struct {
	mu       sync.Mutex
	spec     WriterSpec
	frames   []image.Point
	closed   int
	writeErr error
}

// NewMemoryWriter は新しいMemoryWriterを作成する
func NewMemoryWriter(spec WriterSpec) *MemoryWriter {
	return &MemoryWriter{spec: spec}
}

// SetWriteError は以降の WriteFrame を失敗させる
func (w *MemoryWriter) SetWriteError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeErr = err
}

// WriteFrame はフレームのサイズを記録する
func (w *MemoryWriter) WriteFrame(img image.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed > 0 {
		return fmt.Errorf("クローズ済みのライターです")
	}
	if w.writeErr != nil {
		return w.writeErr
	}
	w.frames = append(w.frames, img.Bounds().Size())
	return nil
}

// Close はクローズ回数を記録する
func (w *MemoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

// Spec は作成時の書式を返す
func (w *MemoryWriter) Spec() WriterSpec {
	return w.spec
}

// Frames は書き込まれたフレームのサイズを返す
func (w *MemoryWriter) Frames() []image.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]image.Point(nil), w.frames...)
}

// Closed はクローズ回数を返す
func (w *MemoryWriter) Closed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// MemoryWriterFactory は作成した MemoryWriter を記録する WriterFactory
type MemoryWriterFactory struct {
	mu      sync.Mutex
	writers []*MemoryWriter
	err     error
}

// SetError は以降の作成を失敗させる
func (f *MemoryWriterFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New は WriterFactory として使う
func (f *MemoryWriterFactory) New(spec WriterSpec) (ContainerWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := NewMemoryWriter(spec)
	f.writers = append(f.writers, w)
	return w, nil
}

// Writers は作成したライターを返す
func (f *MemoryWriterFactory) Writers() []*MemoryWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MemoryWriter(nil), f.writers...)
}

package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"camcast/internal/mjpeg"
)

const (
	defaultFFmpegPath  = "ffmpeg"
	defaultOpenTimeout = 10 * time.Second
	maxFrameBytes      = 8 << 20
	stderrTailBytes    = 2048
)

func init() {
	RegisterBackend("ffmpeg", 30, func(opts BackendOptions) Backend {
		return NewFFmpegBackend(opts)
	})
}

// FFmpegBackend は ffmpeg プロセス経由でカメラから MJPEG を読む
type FFmpegBackend struct {
	path        string
	openTimeout time.Duration
	goos        string
}

// NewFFmpegBackend は新しいFFmpegBackendを作成する
func NewFFmpegBackend(opts BackendOptions) *FFmpegBackend {
	b := &FFmpegBackend{
		path:        opts.FFmpegPath,
		openTimeout: opts.OpenTimeout,
		goos:        runtime.GOOS,
	}
	if b.path == "" {
		b.path = defaultFFmpegPath
	}
	if b.openTimeout <= 0 {
		b.openTimeout = defaultOpenTimeout
	}
	return b
}

// Name はバックエンド名を返す
func (b *FFmpegBackend) Name() string {
	return "ffmpeg"
}

// Open は ffmpeg を起動し、最初のフレームが届くまで待つ
func (b *FFmpegBackend) Open(ctx context.Context, index int, settings Settings) (Device, error) {
	input, err := FFmpegInputArgs(b.goos, index, settings)
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	args = append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "2", "-")

	d, err := startFFmpegDevice(b.path, args)
	if err != nil {
		return nil, err
	}

	// 最初のフレームでデバイスが実際に使えることを確認する
	openCtx, openCancel := context.WithTimeout(ctx, b.openTimeout)
	defer openCancel()
	img, err := d.ReadFrame(openCtx)
	if err != nil {
		_ = d.Close()
		if stderrText := d.stderr.String(); stderrText != "" {
			return nil, fmt.Errorf("最初のフレームの取得に失敗: %w (stderr: %s)", err, stderrText)
		}
		return nil, fmt.Errorf("最初のフレームの取得に失敗: %w", err)
	}
	d.pending = img
	return d, nil
}

// startFFmpegDevice は ffmpeg を起動し、標準出力をフレームに分割するデバイスを返す
func startFFmpegDevice(path string, args []string) (*ffmpegDevice, error) {
	// プロセスの寿命はリクエストではなくデバイスに合わせる
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, args...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := NewStderrTail(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxFrameBytes)
	scanner.Split(mjpeg.ScanFrames)

	return &ffmpegDevice{
		cmd:     cmd,
		cancel:  cancel,
		scanner: scanner,
		stderr:  stderr,
		results: make(chan readResult, 1),
	}, nil
}

// FFmpegInputArgs は OS ごとのカメラ入力の ffmpeg 引数を返す
func FFmpegInputArgs(goos string, index int, settings Settings) ([]string, error) {
	var args []string
	if settings.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(settings.FPS))
	}
	if settings.Width > 0 && settings.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", settings.Width, settings.Height))
	}

	switch goos {
	case "linux":
		device := fmt.Sprintf("/dev/video%d", index)
		if _, err := os.Stat(device); err != nil {
			return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
		}
		return append(args, "-f", "v4l2", "-i", device), nil
	case "darwin":
		return append(args, "-f", "avfoundation", "-i", strconv.Itoa(index)), nil
	case "windows":
		return append(args, "-f", "vfwcap", "-i", strconv.Itoa(index)), nil
	default:
		return nil, fmt.Errorf("サポートされていないOS: %s", goos)
	}
}

type readResult struct {
	data []byte
	err  error
}

type ffmpegDevice struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *StderrTail
	pending image.Image

	// 読み取り中のスキャンは1つだけ。結果は results で受け取る
	reading bool
	results chan readResult

	// Close は scans が終わるまで cmd.Wait を呼ばない
	mu     sync.Mutex
	closed bool
	scans  sync.WaitGroup

	closeOnce sync.Once
}

func (d *ffmpegDevice) ReadFrame(ctx context.Context) (image.Image, error) {
	if img := d.pending; img != nil {
		d.pending = nil
		return img, nil
	}

	if !d.reading {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, ErrHandleClosed
		}
		d.reading = true
		d.scans.Add(1)
		d.mu.Unlock()
		go d.scan()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-d.results:
		d.reading = false
		if r.err != nil {
			return nil, r.err
		}
		img, err := jpeg.Decode(bytes.NewReader(r.data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	}
}

func (d *ffmpegDevice) scan() {
	defer d.scans.Done()

	if d.scanner.Scan() {
		data := make([]byte, len(d.scanner.Bytes()))
		copy(data, d.scanner.Bytes())
		d.results <- readResult{data: data}
		return
	}
	err := d.scanner.Err()
	if err == nil {
		err = io.EOF
		if text := d.stderr.String(); text != "" {
			err = fmt.Errorf("%w (stderr: %s)", io.EOF, text)
		}
	}
	d.results <- readResult{err: err}
}

func (d *ffmpegDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		// プロセスを止めて、読み取り中のスキャンが EOF で抜けるのを待つ
		d.cancel()
		d.scans.Wait()
		waitErr := d.cmd.Wait()
		// キャンセルによる終了はエラーとしない
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, context.Canceled) {
			err = fmt.Errorf("ffmpegの終了待ちに失敗: %w", waitErr)
		}
	})
	return err
}

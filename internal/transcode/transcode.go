// Package transcode は外部エンコーダ (ffmpeg) のサブプロセスを1つだけ管理する
//
// 新しく開始すると現在のプロセスを止めて終了を待ってから起動する。
// プロセスの標準出力 (MJPEG) はフレームごとに分割して視聴者に配る。
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camcast/internal/broadcast"
	"camcast/internal/camera"
	"camcast/internal/mjpeg"
)

var (
	// ErrSubprocessFailure はサブプロセスの起動に失敗したか、すぐに終了したことを表す
	ErrSubprocessFailure = errors.New("エンコーダプロセスの起動に失敗しました")
	// ErrNoProcess は動作中のプロセスがないことを表す
	ErrNoProcess = errors.New("エンコーダプロセスは動作していません")
)

const (
	maxFrameBytes   = 8 << 20
	stderrTailBytes = 2048
)

// Config はエンコーダの設定
type Config struct {
	FFmpegPath  string        // ffmpeg 実行ファイル
	Quality     int           // ffmpeg の -q:v（2-31、小さいほど高画質）
	StartGrace  time.Duration // この時間内に終了したら起動失敗とみなす
	StopTimeout time.Duration // 割り込み後に強制終了するまでの時間
	Settings    camera.Settings
}

// DefaultConfig はデフォルトのエンコーダ設定を返す
func DefaultConfig() Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		Quality:     5,
		StartGrace:  500 * time.Millisecond,
		StopTimeout: 3 * time.Second,
		Settings:    camera.Settings{Width: 640, Height: 480, FPS: 20},
	}
}

// CommandFunc はカメラインデックスから起動するコマンドを組み立てる
type CommandFunc func(index int) (name string, args []string, err error)

// FFmpegCommand はカメラを読んで MJPEG を標準出力に書く ffmpeg コマンドを返す
func FFmpegCommand(cfg Config) CommandFunc {
	return func(index int) (string, []string, error) {
		input, err := camera.FFmpegInputArgs(runtime.GOOS, index, cfg.Settings)
		if err != nil {
			return "", nil, err
		}
		args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
		args = append(args, "-f", "mjpeg", "-q:v", strconv.Itoa(cfg.Quality), "-")
		return cfg.FFmpegPath, args, nil
	}
}

// Status はエンコーダの状態
type Status struct {
	Running   bool      `json:"running"`
	ID        string    `json:"id,omitempty"`
	Index     int       `json:"camera_index"`
	Started   time.Time `json:"started,omitempty"`
	Frames    uint64    `json:"frames"`
	Viewers   int       `json:"viewers"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor は現在のエンコーダプロセスを1つだけ保持する
type Supervisor struct {
	cfg     Config
	command CommandFunc

	mu      sync.Mutex
	current *Process
	lastErr error
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(cfg Config, command CommandFunc) *Supervisor {
	if command == nil {
		command = FFmpegCommand(cfg)
	}
	return &Supervisor{cfg: cfg, command: command}
}

// Start は現在のプロセスを止めてから新しいプロセスを起動する
//
// 起動に失敗するか StartGrace 以内に終了した場合は ErrSubprocessFailure を返す。
func (s *Supervisor) Start(ctx context.Context, index int) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.stop()
		s.current = nil
	}

	p, err := s.launch(index)
	if err != nil {
		s.lastErr = err
		return nil, err
	}

	timer := time.NewTimer(s.cfg.StartGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		err := fmt.Errorf("%w: 起動直後に終了しました", ErrSubprocessFailure)
		if exitErr := p.Err(); exitErr != nil {
			err = fmt.Errorf("%w: %w", err, exitErr)
		}
		s.lastErr = err
		return nil, err
	case <-ctx.Done():
		p.stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	s.current = p
	s.lastErr = nil
	p.logger.Info().Msg("エンコーダプロセスを開始しました")
	return p, nil
}

func (s *Supervisor) launch(index int) (*Process, error) {
	name, args, err := s.command(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubprocessFailure, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.cfg.StopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdoutパイプの作成に失敗: %w", ErrSubprocessFailure, err)
	}
	stderr := camera.NewStderrTail(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrSubprocessFailure, err)
	}

	p := &Process{
		id:      uuid.NewString(),
		index:   index,
		started: time.Now(),
		cmd:     cmd,
		cancel:  cancel,
		stderr:  stderr,
		bc:      broadcast.New[[]byte](nil),
		done:    make(chan struct{}),
	}
	p.logger = log.With().Str("component", "transcode").Str("process", p.id).Int("index", index).Int("pid", cmd.Process.Pid).Logger()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxFrameBytes)
	scanner.Split(mjpeg.ScanFrames)
	go p.pump(scanner)
	return p, nil
}

// Stop は現在のプロセスを止めて終了を待つ
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoProcess
	}
	s.current.stop()
	s.current = nil
	return nil
}

// Current は現在のプロセスを返す。終了していれば nil
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Exited() {
		return nil
	}
	return s.current
}

// Subscribe は現在のプロセスの出力を購読する
func (s *Supervisor) Subscribe(n int) (*broadcast.Subscription[[]byte], error) {
	p := s.Current()
	if p == nil {
		return nil, ErrNoProcess
	}
	sub, err := p.bc.Subscribe(n)
	if err != nil {
		return nil, ErrNoProcess
	}
	return sub, nil
}

// Status は現在の状態を返す
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Status
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	p := s.current
	if p == nil {
		return st
	}
	st.ID = p.id
	st.Index = p.index
	st.Started = p.started
	st.Frames = p.frames.Load()
	st.Viewers = p.bc.Len()
	st.Running = !p.Exited()
	if !st.Running && p.Err() != nil {
		st.LastError = p.Err().Error()
	}
	return st
}

// Process は起動したエンコーダプロセス
type Process struct {
	id      string
	index   int
	started time.Time
	logger  zerolog.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *camera.StderrTail
	bc     *broadcast.Broadcaster[[]byte]
	frames atomic.Uint64

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// ID はプロセスIDを返す
func (p *Process) ID() string {
	return p.id
}

// Index はカメラインデックスを返す
func (p *Process) Index() int {
	return p.index
}

// Done はプロセスが終了したときに閉じるチャネルを返す
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited はプロセスが終了しているかどうかを返す
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err は終了理由を返す
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) pump(scanner *bufio.Scanner) {
	defer close(p.done)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		p.frames.Add(1)
		p.bc.Publish(frame)
	}

	err := p.cmd.Wait()
	if err == nil {
		err = scanner.Err()
	}
	if err != nil {
		if text := p.stderr.String(); text != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, text)
		}
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.bc.Close(err)
	p.cancel()

	p.logger.Info().Err(err).Uint64("frames", p.frames.Load()).Msg("エンコーダプロセスが終了しました")
}

// stop は割り込みを送り、終了を待つ
func (p *Process) stop() {
	p.cancel()
	<-p.done
}

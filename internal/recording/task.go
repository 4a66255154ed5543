package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camcast/internal/camera"
	"camcast/internal/transform"
)

// Recorder は録画タスクを開始する
type Recorder struct {
	opener    camera.Opener
	cfg       Config
	newWriter WriterFactory
	encode    func(camera.Frame, transform.Options) (transform.Chunk, error)
	now       func() time.Time
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(opener camera.Opener, cfg Config, newWriter WriterFactory) *Recorder {
	return &Recorder{
		opener:    opener,
		cfg:       cfg,
		newWriter: newWriter,
		encode:    transform.Apply,
		now:       time.Now,
	}
}

// Config は録画設定を返す
func (r *Recorder) Config() Config {
	return r.cfg
}

// Start は専用のハンドルを開いて録画タスクを開始する
//
// ctx はデバイスを開くまでに使う。タスクは Stop かデバイス障害まで動き続ける。
func (r *Recorder) Start(ctx context.Context, index int) (*Task, error) {
	if err := os.MkdirAll(r.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	handle, err := r.opener.Open(ctx, index)
	if err != nil {
		return nil, err
	}

	started := r.now()
	spec := WriterSpec{
		Path:    filepath.Join(r.cfg.Dir, FileName(started)),
		Width:   r.cfg.Width,
		Height:  r.cfg.Height,
		FPS:     r.cfg.FPS,
		Quality: r.cfg.Quality,
	}
	writer, err := r.newWriter(spec)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("コンテナライターの作成に失敗: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		id:      uuid.NewString(),
		index:   index,
		path:    spec.Path,
		started: started,
		handle:  handle,
		writer:  writer,
		buffer:  NewFrameBuffer(r.cfg.BatchSize),
		size:    transform.Size{Width: r.cfg.Width, Height: r.cfg.Height},
		opts:    transform.Options{FlipHorizontal: r.cfg.FlipHorizontal, Quality: r.cfg.Quality},
		encode:  r.encode,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.logger = log.With().Str("component", "recording").Str("task", t.id).Int("index", index).Logger()

	go t.run(taskCtx)

	t.logger.Info().Str("path", spec.Path).Msg("録画を開始しました")
	return t, nil
}

// Task は1つの録画
type Task struct {
	id      string
	index   int
	path    string
	started time.Time
	logger  zerolog.Logger

	handle *camera.Handle
	writer ContainerWriter
	size   transform.Size
	opts   transform.Options
	encode func(camera.Frame, transform.Options) (transform.Chunk, error)

	// buffer は run ゴルーチンだけが触る
	buffer   *FrameBuffer
	buffered atomic.Int64

	captured atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
	batches  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	finished time.Time
}

// ID はタスクIDを返す
func (t *Task) ID() string {
	return t.id
}

// Path は出力ファイルのパスを返す
func (t *Task) Path() string {
	return t.path
}

// Done はタスクが終了したときに閉じるチャネルを返す
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err は障害で終了した場合にその原因を返す
//
// デバイスの終端 (camera.ErrEndOfStream) も原因として返すが、Info では完了扱いになる。
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop はタスクを止め、残りのフレームが書き出されるまで待つ
func (t *Task) Stop(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("録画の停止待ちがタイムアウトしました: %w", ctx.Err())
	}
}

// Stats は現在の集計値を返す
func (t *Task) Stats() Stats {
	return Stats{
		Captured: t.captured.Load(),
		Written:  t.written.Load(),
		Dropped:  t.dropped.Load(),
		Batches:  t.batches.Load(),
		Buffered: int(t.buffered.Load()),
	}
}

// Info はタスクの情報を返す
func (t *Task) Info() TaskInfo {
	info := TaskInfo{
		ID:      t.id,
		Index:   t.index,
		Path:    t.path,
		Started: t.started,
		Status:  StatusRecording,
		Stats:   t.Stats(),
	}

	select {
	case <-t.done:
		t.mu.Lock()
		finished := t.finished
		info.Finished = &finished
		if !endedNormally(t.err) {
			info.Status = StatusError
			info.Error = t.err.Error()
		} else {
			info.Status = StatusCompleted
		}
		t.mu.Unlock()
	default:
	}
	return info
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)

	var cause error
	for {
		frame, err := t.handle.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				cause = err
			}
			break
		}
		t.captured.Add(1)

		chunk, err := t.encode(frame, t.opts)
		if err != nil {
			t.dropped.Add(1)
			t.logger.Error().Err(err).Uint64("seq", frame.Seq).Msg("フレームの圧縮に失敗したため録画を終了します")
			cause = err
			break
		}

		full, _ := t.buffer.Append(chunk)
		t.buffered.Store(int64(t.buffer.Len()))
		if full {
			if err := t.flush(); err != nil {
				cause = err
				break
			}
		}
	}

	t.finish(cause)
}

// flush はバッファの内容を順にコンテナへ書き出して空にする
//
// 書き込みに失敗したらバッチの残りを破棄してエラーを返す。
func (t *Task) flush() error {
	chunks := t.buffer.Drain()
	t.buffered.Store(0)
	if len(chunks) == 0 {
		return nil
	}

	for i, c := range chunks {
		img, err := transform.Decode(c.Data)
		if err != nil {
			t.dropped.Add(1)
			t.logger.Warn().Err(err).Uint64("seq", c.Seq).Msg("復号できないフレームを破棄します")
			continue
		}
		if err := t.writer.WriteFrame(transform.Resize(img, t.size)); err != nil {
			t.dropped.Add(uint64(len(chunks) - i))
			t.logger.Error().Err(err).Uint64("seq", c.Seq).Msg("フレームの書き込みに失敗")
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		t.written.Add(1)
	}
	t.batches.Add(1)
	t.logger.Debug().Int("frames", len(chunks)).Msg("バッチを書き出しました")
	return nil
}

// finish は残りを書き出し、コンテナ、ハンドルの順に閉じる
func (t *Task) finish(cause error) {
	// 書き込みに失敗したライターには書かない
	if !errors.Is(cause, ErrWrite) {
		if err := t.flush(); err != nil && endedNormally(cause) {
			cause = err
		}
	}

	if err := t.writer.Close(); err != nil {
		t.logger.Error().Err(err).Msg("動画ファイルのクローズに失敗")
		if endedNormally(cause) {
			cause = err
		}
	}
	if err := t.handle.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("カメラの解放に失敗")
	}

	t.mu.Lock()
	t.err = cause
	t.finished = time.Now()
	t.mu.Unlock()

	stats := t.Stats()
	event := t.logger.Info()
	if !endedNormally(cause) {
		event = t.logger.Warn().Err(cause)
	}
	event.Uint64("captured", stats.Captured).
		Uint64("written", stats.Written).
		Uint64("dropped", stats.Dropped).
		Uint64("batches", stats.Batches).
		Msg("録画を終了しました")
}

// endedNormally は停止かデバイスの終端による終了かを返す
func endedNormally(cause error) bool {
	return cause == nil || errors.Is(cause, camera.ErrEndOfStream)
}

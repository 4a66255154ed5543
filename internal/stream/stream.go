// Package stream はカメラのフレームを HTTP などの消費者ごとのセッションに配る
//
// 既定ではセッションごとにデバイスハンドルを開く。共有キャプチャを有効にすると
// インデックスごとに1つのキャプチャを複数セッションで共有する。
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"camcast/internal/camera"
	"camcast/internal/transform"
)

var (
	// ErrClientGone は消費者への書き込みに失敗したことを表す
	ErrClientGone = errors.New("クライアントが切断しました")
	// ErrSubscriberLagged は共有キャプチャで処理が追いつかず切り離されたことを表す
	ErrSubscriberLagged = errors.New("配信が追いつかず切り離されました")
	// ErrShutdown は停止処理中で新しいセッションを作れないことを表す
	ErrShutdown = errors.New("配信は停止中です")
)

// ChunkWriter はチャンクの書き込み先
//
// WriteChunk は書き終えるまでブロックしてよい。
type ChunkWriter interface {
	WriteChunk(chunk transform.Chunk) error
}

// ChunkWriterFunc は関数を ChunkWriter として使うためのアダプタ
type ChunkWriterFunc func(chunk transform.Chunk) error

// WriteChunk は f(chunk) を呼ぶ
func (f ChunkWriterFunc) WriteChunk(chunk transform.Chunk) error {
	return f(chunk)
}

// Config はマルチプレクサの設定
type Config struct {
	SharedCapture   bool // インデックスごとにキャプチャを共有する
	SubscriberQueue int  // 共有キャプチャでの購読者ごとのキュー長
}

// Multiplexer はストリームセッションを管理する
type Multiplexer struct {
	opener camera.Opener
	cfg    Config
	encode func(camera.Frame, transform.Options) (transform.Chunk, error)

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup

	hubMu sync.Mutex
	hubs  map[int]*hub
}

// NewMultiplexer は新しいMultiplexerを作成する
func NewMultiplexer(opener camera.Opener, cfg Config) *Multiplexer {
	if cfg.SubscriberQueue < 1 {
		cfg.SubscriberQueue = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		opener:   opener,
		cfg:      cfg,
		encode:   transform.Apply,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		hubs:     make(map[int]*hub),
	}
}

// OpenSession はデバイスインデックスに結びついたセッションを作る
//
// デバイスを開けない場合は camera.ErrDeviceUnavailable を返す。
func (m *Multiplexer) OpenSession(ctx context.Context, index int, opts transform.Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	// Shutdown はこの登録が終わるまで待つ
	m.wg.Add(1)
	m.mu.Unlock()

	var (
		src frameSource
		err error
	)
	if m.cfg.SharedCapture {
		src, err = m.subscribe(ctx, index)
	} else {
		var h *camera.Handle
		h, err = m.opener.Open(ctx, index)
		if err == nil {
			src = handleSource{h: h}
		}
	}
	if err != nil {
		m.wg.Done()
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(m.baseCtx)
	s := &Session{
		id:      uuid.NewString(),
		index:   index,
		opts:    opts,
		shared:  m.cfg.SharedCapture,
		started: time.Now(),
		source:  src,
		m:       m,
		ctx:     sessCtx,
		cancel:  cancel,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.Info().Str("component", "stream").Str("session", s.id).Int("index", index).Bool("shared", s.shared).Msg("セッションを開始しました")
	return s, nil
}

// Sessions は動作中のセッション情報を開始順に返す
func (m *Multiplexer) Sessions() []SessionInfo {
	m.mu.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}

// Shutdown は全セッションを止め、デバイスが解放されるまで待つ
//
// ctx が先に終わった場合は残ったセッションを強制的に閉じる。
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		remaining = append(remaining, s)
	}
	m.mu.Unlock()

	// 読み取り中のセッションでもハンドルを閉じる。デバイスは実行中の ReadFrame を終わらせてから解放する
	for _, s := range remaining {
		_ = s.Close()
	}
	log.Warn().Str("component", "stream").Int("sessions", len(remaining)).Msg("停止待ちがタイムアウトしたためセッションを強制終了しました")
	<-done
	return ctx.Err()
}

func (m *Multiplexer) release(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.wg.Done()
}

// SessionInfo はセッションの状態
type SessionInfo struct {
	ID       string    `json:"id"`
	Index    int       `json:"camera_index"`
	Shared   bool      `json:"shared"`
	Started  time.Time `json:"started"`
	Frames   uint64    `json:"frames"`
	Bytes    uint64    `json:"bytes"`
	Quality  int       `json:"quality"`
	Flip     bool      `json:"flip"`
	ResizeTo string    `json:"resize_to,omitempty"`
}

// Session は1つの消費者に対する配信
type Session struct {
	id      string
	index   int
	opts    transform.Options
	shared  bool
	started time.Time
	source  frameSource
	m       *Multiplexer

	ctx    context.Context
	cancel context.CancelFunc

	frames atomic.Uint64
	bytes  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// ID はセッションIDを返す
func (s *Session) ID() string {
	return s.id
}

// Index はデバイスインデックスを返す
func (s *Session) Index() int {
	return s.index
}

// Done は停止処理でセッションが取り消されたときに閉じるチャネルを返す
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Info はセッションの状態を返す
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:      s.id,
		Index:   s.index,
		Shared:  s.shared,
		Started: s.started,
		Frames:  s.frames.Load(),
		Bytes:   s.bytes.Load(),
		Quality: s.opts.Quality,
		Flip:    s.opts.FlipHorizontal,
	}
	if info.Quality == 0 {
		info.Quality = transform.DefaultQuality
	}
	if !s.opts.ResizeTo.IsZero() {
		info.ResizeTo = s.opts.ResizeTo.String()
	}
	return info
}

// Next は次のフレームを取得して変換したチャンクを返す
//
// 1回の呼び出しで読むフレームは1枚だけ。エラーが返った後の呼び出しは続けない。
func (s *Session) Next(ctx context.Context) (transform.Chunk, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	frame, err := s.source.next(ctx)
	if err != nil {
		return transform.Chunk{}, err
	}

	chunk, err := s.m.encode(frame, s.opts)
	if err != nil {
		return transform.Chunk{}, err
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(chunk.Size()))
	return chunk, nil
}

// Stream はソースが終わるか書き込みに失敗するまでチャンクを書き続ける
//
// 戻るときには必ずセッションを閉じる。ストリーム終了と取得エラーは正常終了として nil を返す。
// 書き込み失敗は ErrClientGone を返す。
func (s *Session) Stream(ctx context.Context, w ChunkWriter) error {
	defer func() {
		_ = s.Close()
	}()

	logger := log.With().Str("component", "stream").Str("session", s.id).Int("index", s.index).Logger()

	for {
		chunk, err := s.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, camera.ErrEndOfStream), errors.Is(err, camera.ErrCapture), errors.Is(err, camera.ErrHandleClosed):
				logger.Info().Err(err).Uint64("frames", s.frames.Load()).Msg("ストリームが終了しました")
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				logger.Error().Err(err).Msg("ストリームを中断しました")
				return err
			}
		}

		if err := w.WriteChunk(chunk); err != nil {
			logger.Info().Err(err).Uint64("frames", s.frames.Load()).Msg("クライアントが切断しました")
			return fmt.Errorf("%w: %w", ErrClientGone, err)
		}
	}
}

// Close はセッションを終了してデバイスを手放す。何度呼んでもよい
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.source.close()
		s.m.release(s)
		log.Debug().Str("component", "stream").Str("session", s.id).Uint64("frames", s.frames.Load()).Uint64("bytes", s.bytes.Load()).Msg("セッションを終了しました")
	})
	return s.closeErr
}

// frameSource はセッションにフレームを供給する
type frameSource interface {
	next(ctx context.Context) (camera.Frame, error)
	close() error
}

// handleSource はセッション専用のデバイスハンドル
type handleSource struct {
	h *camera.Handle
}

func (s handleSource) next(ctx context.Context) (camera.Frame, error) {
	return s.h.Next(ctx)
}

func (s handleSource) close() error {
	return s.h.Close()
}

package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle は開いているデバイスへの排他的な参照
//
// Next は1つのゴルーチンからのみ呼び出す。Close はどのゴルーチンからでも呼べる。
type Handle struct {
	index   int
	backend string
	dev     Device

	state     atomic.Int32
	seq       atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func newHandle(index int, backend string, dev Device) *Handle {
	h := &Handle{
		index:   index,
		backend: backend,
		dev:     dev,
	}
	h.state.Store(int32(StateOpen))
	return h
}

// Index はデバイスインデックスを返す
func (h *Handle) Index() int {
	return h.index
}

// Backend はデバイスを開いたバックエンド名を返す
func (h *Handle) Backend() string {
	return h.backend
}

// State は現在の状態を返す
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Frames はこれまでに取得したフレーム数を返す
func (h *Handle) Frames() uint64 {
	return h.seq.Load()
}

// Next は次のフレームを取得する
//
// ctx のキャンセルではハンドルは failed にならない。
// デバイスが供給を終えた場合は ErrEndOfStream、読み取りに失敗した場合は ErrCapture を返す。
func (h *Handle) Next(ctx context.Context) (Frame, error) {
	switch h.State() {
	case StateClosed:
		return Frame{}, ErrHandleClosed
	case StateFailed:
		return Frame{}, ErrEndOfStream
	}

	img, err := h.dev.ReadFrame(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		if h.State() == StateClosed {
			return Frame{}, ErrHandleClosed
		}
		h.fail()
		if errors.Is(err, io.EOF) || errors.Is(err, ErrEndOfStream) {
			return Frame{}, ErrEndOfStream
		}
		return Frame{}, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	if img == nil || img.Bounds().Empty() {
		h.fail()
		return Frame{}, fmt.Errorf("%w: 空のフレーム", ErrCapture)
	}

	return Frame{
		Image:    img,
		Seq:      h.seq.Add(1),
		Captured: time.Now(),
	}, nil
}

func (h *Handle) fail() {
	if h.state.CompareAndSwap(int32(StateOpen), int32(StateFailed)) {
		log.Warn().Str("component", "camera").Int("index", h.index).Msg("フレームの取得を終了します")
	}
}

// Close はデバイスを解放する
//
// 何度呼んでもデバイスの解放は一度だけ行われる。
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.state.Store(int32(StateClosed))
		if err := h.dev.Close(); err != nil {
			h.closeErr = fmt.Errorf("デバイスのクローズに失敗: %w", err)
		}
		log.Debug().Str("component", "camera").Int("index", h.index).Uint64("frames", h.seq.Load()).Msg("カメラを解放しました")
	})
	return h.closeErr
}

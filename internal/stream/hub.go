package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"camcast/internal/broadcast"
	"camcast/internal/camera"
)

// hub は1台のデバイスから読んだフレームを購読者に配る
//
// ハンドルを閉じるのは run だけ。
type hub struct {
	index  int
	handle *camera.Handle
	bc     *broadcast.Broadcaster[camera.Frame]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *hub) run(m *Multiplexer) {
	defer close(h.done)
	defer func() {
		m.hubMu.Lock()
		if m.hubs[h.index] == h {
			delete(m.hubs, h.index)
		}
		m.hubMu.Unlock()
	}()
	defer func() {
		_ = h.handle.Close()
	}()

	logger := log.With().Str("component", "stream").Int("index", h.index).Logger()
	logger.Info().Msg("共有キャプチャを開始しました")

	for {
		frame, err := h.handle.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				h.bc.Close(camera.ErrEndOfStream)
			} else {
				logger.Warn().Err(err).Msg("共有キャプチャが終了しました")
				h.bc.Close(err)
			}
			return
		}
		h.bc.Publish(frame)
	}
}

// subscribe は共有キャプチャの購読者としてフレームソースを返す
//
// 停止中のハブがあれば、デバイスが解放されるのを待ってから開き直す。
func (m *Multiplexer) subscribe(ctx context.Context, index int) (frameSource, error) {
	for {
		m.hubMu.Lock()
		h := m.hubs[index]
		if h == nil {
			var err error
			h, err = m.startHub(ctx, index)
			if err != nil {
				m.hubMu.Unlock()
				return nil, err
			}
		}

		if h.ctx.Err() == nil {
			sub, err := h.bc.Subscribe(m.cfg.SubscriberQueue)
			if err == nil {
				m.hubMu.Unlock()
				return subscriptionSource{sub: sub}, nil
			}
		}
		m.hubMu.Unlock()

		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// startHub は hubMu を保持した状態で呼ぶ
func (m *Multiplexer) startHub(ctx context.Context, index int) (*hub, error) {
	handle, err := m.opener.Open(ctx, index)
	if err != nil {
		return nil, err
	}

	hubCtx, cancel := context.WithCancel(m.baseCtx)
	h := &hub{
		index:  index,
		handle: handle,
		bc:     broadcast.New(camera.Frame.Clone),
		ctx:    hubCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.bc.OnEmpty(func() {
		m.hubMu.Lock()
		defer m.hubMu.Unlock()
		// 判定と購読を hubMu で直列化する
		if h.bc.Len() == 0 {
			h.cancel()
		}
	})
	m.hubs[index] = h
	go h.run(m)
	return h, nil
}

// subscriptionSource は共有キャプチャの購読
type subscriptionSource struct {
	sub *broadcast.Subscription[camera.Frame]
}

func (s subscriptionSource) next(ctx context.Context) (camera.Frame, error) {
	select {
	case <-ctx.Done():
		return camera.Frame{}, ctx.Err()
	case frame, ok := <-s.sub.C():
		if ok {
			return frame, nil
		}
	}

	err := s.sub.Err()
	switch {
	case errors.Is(err, broadcast.ErrLagged):
		return camera.Frame{}, ErrSubscriberLagged
	case errors.Is(err, camera.ErrEndOfStream), errors.Is(err, camera.ErrCapture):
		return camera.Frame{}, err
	default:
		return camera.Frame{}, camera.ErrEndOfStream
	}
}

func (s subscriptionSource) close() error {
	s.sub.Cancel()
	return nil
}

// Package broadcast は1つの送り手から複数の購読者へ値を配る
//
// 購読者ごとに容量付きのキューを持つ。キューが満杯の購読者は遅延とみなして
// 切り離し、送り手は決してブロックしない。
package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrLagged は購読者がキューを溢れさせて切り離されたことを表す
	ErrLagged = errors.New("購読者の処理が追いつかず切り離されました")
	// ErrClosed は配信が終了していることを表す
	ErrClosed = errors.New("配信は終了しています")
	// ErrCancelled は購読者自身が購読を解除したことを表す
	ErrCancelled = errors.New("購読は解除されました")
)

// Broadcaster は値を全購読者に配る
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	clone   func(T) T
	onEmpty func()
	closed  bool
	err     error
}

// New は新しいBroadcasterを作成する
//
// clone が nil でなければ購読者ごとに複製した値を配る。
func New[T any](clone func(T) T) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:  make(map[*Subscription[T]]struct{}),
		clone: clone,
	}
}

// OnEmpty は購読者が0人になったときに呼ばれる関数を設定する
//
// Close による解除では呼ばれない。
func (b *Broadcaster[T]) OnEmpty(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEmpty = fn
}

// Subscribe は最大 n 個の値をためられる購読を作る
func (b *Broadcaster[T]) Subscribe(n int) (*Subscription[T], error) {
	if n < 1 {
		n = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &Subscription[T]{b: b, ch: make(chan T, n)}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish は値を全購読者のキューに入れ、届けた人数を返す
//
// キューが満杯の購読者は ErrLagged で切り離す。
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}

	delivered := 0
	dropped := 0
	for s := range b.subs {
		item := v
		if b.clone != nil {
			item = b.clone(v)
		}
		select {
		case s.ch <- item:
			delivered++
		default:
			b.removeLocked(s, ErrLagged)
			dropped++
		}
	}

	onEmpty := b.emptyCallbackLocked(dropped > 0)
	b.mu.Unlock()

	if onEmpty != nil {
		onEmpty()
	}
	return delivered
}

// Close は配信を終了し、全購読者のチャネルを閉じる
//
// err は各購読者の Err で返される。nil の場合は ErrClosed になる。
func (b *Broadcaster[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	for s := range b.subs {
		b.removeLocked(s, err)
	}
}

// Len は現在の購読者数を返す
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Closed は配信が終了しているかどうかを返す
func (b *Broadcaster[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broadcaster[T]) removeLocked(s *Subscription[T], err error) bool {
	if _, ok := b.subs[s]; !ok {
		return false
	}
	delete(b.subs, s)
	s.err = err
	close(s.ch)
	return true
}

func (b *Broadcaster[T]) emptyCallbackLocked(removed bool) func() {
	if !removed || b.closed || len(b.subs) > 0 {
		return nil
	}
	return b.onEmpty
}

// Subscription は1人の購読者
type Subscription[T any] struct {
	b  *Broadcaster[T]
	ch chan T
	// err は b.mu の下で書き込み、チャネルが閉じた後に読む
	err error
}

// C は値を受け取るチャネルを返す。切り離されると閉じられる
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Err はチャネルが閉じられた理由を返す。購読中は nil
func (s *Subscription[T]) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

// Cancel は購読を解除する。何度呼んでもよい
func (s *Subscription[T]) Cancel() {
	b := s.b
	b.mu.Lock()
	removed := b.removeLocked(s, ErrCancelled)
	onEmpty := b.emptyCallbackLocked(removed)
	b.mu.Unlock()

	if onEmpty != nil {
		onEmpty()
	}
}

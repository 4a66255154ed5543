package recording

import "camcast/internal/transform"

// FrameBuffer は書き出し待ちのチャンクを順に保持する
//
// threshold 枚に達したら呼び出し側が Drain する。threshold を超えて保持することはない。
type FrameBuffer struct {
	threshold int
	chunks    []transform.Chunk
}

// NewFrameBuffer は新しいFrameBufferを作成する
func NewFrameBuffer(threshold int) *FrameBuffer {
	if threshold < 1 {
		threshold = 1
	}
	return &FrameBuffer{
		threshold: threshold,
		chunks:    make([]transform.Chunk, 0, threshold),
	}
}

// Append はチャンクを末尾に追加し、書き出すべき枚数に達したかを返す
//
// すでに満杯の場合は追加せず false を返す。
func (b *FrameBuffer) Append(c transform.Chunk) (full bool, ok bool) {
	if len(b.chunks) >= b.threshold {
		return true, false
	}
	b.chunks = append(b.chunks, c)
	return len(b.chunks) >= b.threshold, true
}

// Drain は保持しているチャンクを追加順に返して空にする
func (b *FrameBuffer) Drain() []transform.Chunk {
	if len(b.chunks) == 0 {
		return nil
	}
	out := b.chunks
	b.chunks = make([]transform.Chunk, 0, b.threshold)
	return out
}

// Len は保持している枚数を返す
func (b *FrameBuffer) Len() int {
	return len(b.chunks)
}

// Threshold は書き出しの閾値を返す
func (b *FrameBuffer) Threshold() int {
	return b.threshold
}

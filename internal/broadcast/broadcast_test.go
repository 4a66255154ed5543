package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := New[[]byte](nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		s, err := b.Subscribe(1)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, ok := <-s.C()
			assert.True(t, ok)
			assert.Equal(t, []byte{0xc0, 0xff, 0xee}, p)
		}()
	}

	assert.Equal(t, 50, b.Publish([]byte{0xc0, 0xff, 0xee}))
	wg.Wait()
}

func TestPublish_ClonesPerSubscriber(t *testing.T) {
	var clones atomic.Int32
	b := New(func(v []int) []int {
		clones.Add(1)
		return append([]int(nil), v...)
	})

	s1, _ := b.Subscribe(1)
	s2, _ := b.Subscribe(1)
	b.Publish([]int{1, 2})

	v1 := <-s1.C()
	v2 := <-s2.C()
	v1[0] = 99
	assert.Equal(t, []int{1, 2}, v2)
	assert.Equal(t, int32(2), clones.Load())
}

func TestPublish_DropsLaggingSubscriber(t *testing.T) {
	b := New[int](nil)
	slow, _ := b.Subscribe(2)
	fast, _ := b.Subscribe(10)

	for i := 0; i < 3; i++ {
		b.Publish(i)
	}

	// slow は3つ目で溢れて切り離される。送り手はブロックしない
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 0, <-slow.C())
	assert.Equal(t, 1, <-slow.C())
	_, ok := <-slow.C()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrLagged)

	assert.Len(t, fast.C(), 3)
	assert.NoError(t, fast.Err())
}

func TestOnEmpty(t *testing.T) {
	b := New[int](nil)
	var calls atomic.Int32
	b.OnEmpty(func() { calls.Add(1) })

	s1, _ := b.Subscribe(1)
	s2, _ := b.Subscribe(1)

	s1.Cancel()
	assert.Equal(t, int32(0), calls.Load())
	s2.Cancel()
	s2.Cancel()
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, s2.Err(), ErrCancelled)

	// 遅延による切り離しでも呼ばれる
	s3, _ := b.Subscribe(1)
	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, s3.Err(), ErrLagged)
}

func TestClose(t *testing.T) {
	b := New[int](nil)
	var calls atomic.Int32
	b.OnEmpty(func() { calls.Add(1) })

	s, _ := b.Subscribe(1)
	cause := errors.New("camera gone")
	b.Close(cause)
	b.Close(nil)

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
	assert.ErrorIs(t, s.Err(), cause)
	assert.True(t, b.Closed())
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, b.Publish(1))

	_, err := b.Subscribe(1)
	assert.ErrorIs(t, err, ErrClosed)

	// 解除済みの購読に対する Cancel は何もしない
	s.Cancel()
}

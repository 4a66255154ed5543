package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camcast/internal/camera"
	"camcast/internal/transform"
)

func newTestMultiplexer(cfg Config, indices ...int) (*Multiplexer, *camera.MockBackend) {
	mock := camera.NewMockBackend(indices...)
	mock.SetSize(16, 12)
	source := camera.NewSource([]camera.Backend{mock}, camera.Settings{})
	return NewMultiplexer(source, cfg), mock
}

type recordingWriter struct {
	mu     sync.Mutex
	chunks []transform.Chunk
	failAt int // この枚数目で失敗する（0 なら失敗しない）
}

func (w *recordingWriter) WriteChunk(c transform.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.chunks)+1 == w.failAt {
		return errors.New("broken pipe")
	}
	w.chunks = append(w.chunks, c)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

func TestStream_EndOfStream(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)
	mock.SetFrameLimit(5)

	s, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)

	w := &recordingWriter{}
	require.NoError(t, s.Stream(context.Background(), w))

	assert.Equal(t, 5, w.count())
	for i, c := range w.chunks {
		assert.Equal(t, uint64(i+1), c.Seq)
		assert.Equal(t, "image/jpeg", c.ContentType)
		assert.NotEmpty(t, c.Data)
	}
	assert.Equal(t, 1, mock.Opens(0))
	assert.Equal(t, 1, mock.Closes(0))
	assert.Empty(t, m.Sessions())
}

func TestStream_ClientGone(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)

	s, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)

	w := &recordingWriter{failAt: 3}
	err = s.Stream(context.Background(), w)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, 2, w.count())
	assert.Equal(t, 1, mock.Closes(0))
}

func TestStream_CaptureErrorEndsGracefully(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)
	mock.SetReadError(2, errors.New("usb reset"))

	s, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)

	w := &recordingWriter{}
	assert.NoError(t, s.Stream(context.Background(), w))
	assert.Equal(t, 2, w.count())
	assert.Equal(t, 1, mock.Closes(0))
}

func TestStream_EncodeError(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)
	calls := 0
	m.encode = func(f camera.Frame, o transform.Options) (transform.Chunk, error) {
		calls++
		if calls == 2 {
			return transform.Chunk{}, transform.ErrEncode
		}
		return transform.Apply(f, o)
	}

	s, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)

	w := &recordingWriter{}
	err = s.Stream(context.Background(), w)
	assert.ErrorIs(t, err, transform.ErrEncode)
	assert.Equal(t, 1, w.count())
	assert.Equal(t, 1, mock.Closes(0))
}

func TestOpenSession_Errors(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)

	_, err := m.OpenSession(context.Background(), 3, transform.Options{})
	assert.ErrorIs(t, err, camera.ErrDeviceUnavailable)

	_, err = m.OpenSession(context.Background(), 0, transform.Options{Quality: 500})
	assert.ErrorIs(t, err, transform.ErrInvalidOptions)
	assert.Equal(t, 0, mock.Opens(0))
	assert.Empty(t, m.Sessions())
}

func TestSession_NextPullsOneFramePerCall(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)
	s, err := m.OpenSession(context.Background(), 0, transform.Options{ResizeTo: transform.Size{Width: 8, Height: 6}})
	require.NoError(t, err)
	defer s.Close()

	for want := uint64(1); want <= 3; want++ {
		c, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, c.Seq)
	}
	assert.Equal(t, uint64(3), s.Info().Frames)
	assert.Equal(t, 1, mock.Opens(0))
}

func TestIndependentSessions(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)

	a, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)
	b, err := m.OpenSession(context.Background(), 0, transform.Options{FlipHorizontal: true})
	require.NoError(t, err)

	assert.Equal(t, 2, mock.Opens(0))
	assert.Len(t, m.Sessions(), 2)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 2, mock.Closes(0))
	assert.Empty(t, m.Sessions())
}

func TestShutdown_CancelsStreams(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0, 1)
	mock.SetFrameDelay(5 * time.Millisecond)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, idx := range []int{0, 1} {
		s, err := m.OpenSession(context.Background(), idx, transform.Options{})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Stream(context.Background(), &recordingWriter{})
		}()
	}

	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	wg.Wait()
	close(results)

	for err := range results {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, mock.TotalOpens(), mock.TotalCloses())

	_, err := m.OpenSession(context.Background(), 0, transform.Options{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdown_ForceClosesIdleSessions(t *testing.T) {
	m, mock := newTestMultiplexer(Config{}, 0)
	_, err := m.OpenSession(context.Background(), 0, transform.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, mock.Closes(0))
	assert.Empty(t, m.Sessions())
}

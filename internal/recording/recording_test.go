package recording

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camcast/internal/camera"
	"camcast/internal/transform"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Width = 32
	cfg.Height = 24
	cfg.BatchSize = 4
	return cfg
}

func newTestRecorder(t *testing.T, cfg Config, indices ...int) (*Recorder, *camera.MockBackend, *MemoryWriterFactory) {
	mock := camera.NewMockBackend(indices...)
	mock.SetSize(16, 12)
	source := camera.NewSource([]camera.Backend{mock}, camera.Settings{})
	factory := &MemoryWriterFactory{}
	return NewRecorder(source, cfg, factory.New), mock, factory
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestFrameBuffer(t *testing.T) {
	b := NewFrameBuffer(3)

	for i := 1; i <= 2; i++ {
		full, ok := b.Append(transform.Chunk{Seq: uint64(i)})
		assert.True(t, ok)
		assert.False(t, full)
	}
	full, ok := b.Append(transform.Chunk{Seq: 3})
	assert.True(t, ok)
	assert.True(t, full)

	// 閾値を超えては保持しない
	_, ok = b.Append(transform.Chunk{Seq: 4})
	assert.False(t, ok)
	assert.Equal(t, 3, b.Len())

	drained := b.Drain()
	require.Len(t, drained, 3)
	for i, c := range drained {
		assert.Equal(t, uint64(i+1), c.Seq)
	}
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Drain())
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	assert.Equal(t, "recording_2024-03-09_07-05-02.avi", FileName(ts))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Quality = 0
	assert.Error(t, cfg.Validate())
}

func TestTask_FlushesBatchesAndPartialOnEnd(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameLimit(10)

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)
	waitDone(t, task)

	stats := task.Stats()
	assert.Equal(t, uint64(10), stats.Captured)
	assert.Equal(t, uint64(10), stats.Written)
	assert.Equal(t, uint64(0), stats.Dropped)
	// 4 + 4 + 残り2
	assert.Equal(t, uint64(3), stats.Batches)
	assert.Equal(t, 0, stats.Buffered)

	writers := factory.Writers()
	require.Len(t, writers, 1)
	w := writers[0]
	assert.Equal(t, 1, w.Closed())
	frames := w.Frames()
	require.Len(t, frames, 10)
	for _, f := range frames {
		assert.Equal(t, image.Pt(32, 24), f)
	}
	assert.Equal(t, 20, w.Spec().FPS)
	assert.Equal(t, filepath.Dir(w.Spec().Path), cfg.Dir)

	assert.Equal(t, 1, mock.Closes(0))
	// デバイスの終端は正常終了として扱う
	assert.ErrorIs(t, task.Err(), camera.ErrEndOfStream)
	info := task.Info()
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Empty(t, info.Error)
}

func TestTask_StopFlushesPendingFrames(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1000
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameDelay(2 * time.Millisecond)

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, task.Stop(ctx))

	stats := task.Stats()
	assert.Greater(t, stats.Captured, uint64(0))
	assert.Equal(t, stats.Captured, stats.Written)
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Len(t, factory.Writers()[0].Frames(), int(stats.Written))
	assert.NoError(t, task.Err())
	assert.Equal(t, StatusCompleted, task.Info().Status)
	assert.Equal(t, 1, mock.Closes(0))
}

func TestTask_RequestContextDoesNotStopRecording(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, _ := newTestRecorder(t, cfg, 0)
	mock.SetFrameDelay(time.Millisecond)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	task, err := rec.Start(reqCtx, 0)
	require.NoError(t, err)
	cancelReq()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-task.Done():
		t.Fatal("task stopped with request context")
	default:
	}
	require.NoError(t, task.Stop(context.Background()))
}

func TestTask_EncodeErrorEndsTask(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameLimit(6)
	rec.encode = func(f camera.Frame, o transform.Options) (transform.Chunk, error) {
		if f.Seq == 3 {
			return transform.Chunk{}, transform.ErrEncode
		}
		return transform.Apply(f, o)
	}

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)
	waitDone(t, task)

	stats := task.Stats()
	assert.Equal(t, uint64(3), stats.Captured)
	assert.Equal(t, uint64(1), stats.Dropped)
	// 失敗までにバッファしたフレームは書き出される
	assert.Equal(t, uint64(2), stats.Written)
	assert.Len(t, factory.Writers()[0].Frames(), 2)
	assert.Equal(t, 1, factory.Writers()[0].Closed())

	assert.ErrorIs(t, task.Err(), transform.ErrEncode)
	assert.Equal(t, StatusError, task.Info().Status)
	assert.Equal(t, mock.Opens(0), mock.Closes(0))
}

func TestTask_DropsUndecodableFrames(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameLimit(6)
	rec.encode = func(f camera.Frame, o transform.Options) (transform.Chunk, error) {
		if f.Seq == 5 {
			return transform.Chunk{Data: []byte("not a jpeg"), Seq: f.Seq}, nil
		}
		return transform.Apply(f, o)
	}

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)
	waitDone(t, task)

	stats := task.Stats()
	assert.Equal(t, uint64(6), stats.Captured)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(5), stats.Written)
	assert.Len(t, factory.Writers()[0].Frames(), 5)
	assert.Equal(t, StatusCompleted, task.Info().Status)
}

func TestTask_WriteErrorEndsTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameDelay(time.Millisecond)

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)
	writers := factory.Writers()
	require.Len(t, writers, 1)
	writers[0].SetWriteError(errors.New("broken pipe"))

	// 停止しなくても書き込み失敗でタスクが終わる
	waitDone(t, task)

	assert.ErrorIs(t, task.Err(), ErrWrite)
	info := task.Info()
	assert.Equal(t, StatusError, info.Status)
	assert.Contains(t, info.Error, "broken pipe")
	assert.Equal(t, 1, writers[0].Closed())
	assert.Equal(t, mock.Opens(0), mock.Closes(0))

	stats := task.Stats()
	assert.Equal(t, stats.Captured, stats.Written+stats.Dropped)
}

func TestRecorder_StartErrors(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, factory := newTestRecorder(t, cfg, 0)

	_, err := rec.Start(context.Background(), 2)
	assert.ErrorIs(t, err, camera.ErrDeviceUnavailable)

	factory.SetError(errors.New("disk full"))
	_, err = rec.Start(context.Background(), 0)
	assert.Error(t, err)
	// ライターが作れなければハンドルは返却される
	assert.Equal(t, mock.Opens(0), mock.Closes(0))
}

func TestTask_WriteErrorOnFinalFlush(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameLimit(3)
	mock.SetFrameDelay(5 * time.Millisecond)

	task, err := rec.Start(context.Background(), 0)
	require.NoError(t, err)
	factory.Writers()[0].SetWriteError(errors.New("disk full"))
	waitDone(t, task)

	// 終端に達していても残りを書けなければ失敗として報告する
	assert.ErrorIs(t, task.Err(), ErrWrite)
	assert.Equal(t, StatusError, task.Info().Status)
	stats := task.Stats()
	assert.Equal(t, uint64(0), stats.Written)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 1, factory.Writers()[0].Closed())
}

func TestManager(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, _ := newTestRecorder(t, cfg, 0)
	mock.SetFrameDelay(time.Millisecond)
	m := NewManager(rec)

	_, err := m.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.False(t, m.Status().Recording)

	task, err := m.Start(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(task.Path(), []byte("x"), 0644))

	_, err = m.Start(context.Background(), 0)
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	status := m.Status()
	assert.True(t, status.Recording)
	require.NotNil(t, status.Current)
	assert.Equal(t, task.ID(), status.Current.ID)

	files, err := m.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, StatusRecording, files[0].Status)

	info, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)

	status = m.Status()
	assert.False(t, status.Recording)
	require.NotNil(t, status.Last)
	assert.Equal(t, task.ID(), status.Last.ID)

	assert.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, mock.Opens(0), mock.Closes(0))
}

func TestManager_ShutdownFlushesAfterDeadline(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1000
	rec, mock, factory := newTestRecorder(t, cfg, 0)
	mock.SetFrameDelay(2 * time.Millisecond)
	m := NewManager(rec)

	task, err := m.Start(context.Background(), 0)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	// 期限切れの ctx でも残りのバッチを書き出してから戻る
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, isDone(task))
	w := factory.Writers()[0]
	assert.Equal(t, 1, w.Closed())
	stats := task.Stats()
	assert.Greater(t, stats.Written, uint64(0))
	assert.Len(t, w.Frames(), int(stats.Captured))
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, mock.Opens(0), mock.Closes(0))
}

func TestManager_TaskEndedByDeviceFailure(t *testing.T) {
	cfg := testConfig(t)
	rec, mock, _ := newTestRecorder(t, cfg, 0)
	mock.SetFrameLimit(2)
	m := NewManager(rec)

	task, err := m.Start(context.Background(), 0)
	require.NoError(t, err)
	waitDone(t, task)

	assert.False(t, m.Status().Recording)
	_, err = m.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	// 終了済みのタスクがあっても新しい録画を開始できる
	mock.SetFrameLimit(0)
	next, err := m.Start(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID(), next.ID())
	require.NoError(t, m.Shutdown(context.Background()))
}

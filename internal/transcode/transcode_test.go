package transcode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess はテストから起動されるエンコーダの代役
func TestHelperProcess(t *testing.T) {
	mode := helperMode(os.Args)
	if mode == "" {
		return
	}

	switch mode {
	case "fail":
		os.Stderr.WriteString("no such device\n")
		os.Exit(1)
	case "stream":
		var buf bytes.Buffer
		_ = jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil)
		for {
			if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
				os.Exit(0)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	os.Exit(0)
}

// helperMode は "--" の後ろに渡されたモードを返す
func helperMode(args []string) string {
	for i, a := range args {
		if a == "--" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func helperCommand(mode string) CommandFunc {
	return func(index int) (string, []string, error) {
		return os.Args[0], []string{"-test.run=^TestHelperProcess$", "--", mode, strconv.Itoa(index)}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StartGrace = 200 * time.Millisecond
	cfg.StopTimeout = time.Second
	return cfg
}

func TestSupervisor_StartAndSubscribe(t *testing.T) {
	s := NewSupervisor(testConfig(), helperCommand("stream"))
	t.Cleanup(func() { _ = s.Stop() })

	p, err := s.Start(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, p, s.Current())

	sub, err := s.Subscribe(4)
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case frame := <-sub.C():
		assert.Equal(t, []byte{0xFF, 0xD8}, frame[:2])
		assert.Equal(t, []byte{0xFF, 0xD9}, frame[len(frame)-2:])
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, p.ID(), st.ID)
	assert.Greater(t, st.Frames, uint64(0))
}

func TestSupervisor_StartReplacesCurrent(t *testing.T) {
	s := NewSupervisor(testConfig(), helperCommand("stream"))
	t.Cleanup(func() { _ = s.Stop() })

	first, err := s.Start(context.Background(), 0)
	require.NoError(t, err)
	sub, err := s.Subscribe(1000)
	require.NoError(t, err)

	second, err := s.Start(context.Background(), 1)
	require.NoError(t, err)

	// 新しいプロセスが起動する前に古いプロセスは終了している
	assert.True(t, first.Exited())
	assert.False(t, second.Exited())
	assert.Equal(t, 1, second.Index())
	assert.Same(t, second, s.Current())

	// 古いプロセスの視聴者は切り離される
	for range sub.C() {
	}
	assert.Error(t, sub.Err())
}

func TestSupervisor_StartFailure(t *testing.T) {
	cfg := testConfig()
	cfg.StartGrace = 10 * time.Second
	s := NewSupervisor(cfg, helperCommand("fail"))

	_, err := s.Start(context.Background(), 0)
	require.ErrorIs(t, err, ErrSubprocessFailure)
	assert.Contains(t, err.Error(), "no such device")
	assert.Nil(t, s.Current())
	assert.NotEmpty(t, s.Status().LastError)

	_, err = s.Subscribe(1)
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestSupervisor_CommandError(t *testing.T) {
	s := NewSupervisor(testConfig(), func(int) (string, []string, error) {
		return "", nil, errors.New("camera 9 not found")
	})
	_, err := s.Start(context.Background(), 9)
	assert.ErrorIs(t, err, ErrSubprocessFailure)

	s = NewSupervisor(testConfig(), func(int) (string, []string, error) {
		return "/nonexistent/encoder", nil, nil
	})
	_, err = s.Start(context.Background(), 0)
	assert.ErrorIs(t, err, ErrSubprocessFailure)
}

func TestSupervisor_Stop(t *testing.T) {
	s := NewSupervisor(testConfig(), helperCommand("stream"))

	assert.ErrorIs(t, s.Stop(), ErrNoProcess)

	p, err := s.Start(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	assert.True(t, p.Exited())
	assert.Nil(t, s.Current())
	assert.False(t, s.Status().Running)
}

func TestFFmpegCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FFmpegPath = "/usr/bin/ffmpeg"
	cmd := FFmpegCommand(cfg)

	name, args, err := cmd(0)
	if err != nil {
		// /dev/video0 がない環境では組み立て前に失敗する
		t.Skipf("camera input unavailable: %v", err)
	}
	assert.Equal(t, "/usr/bin/ffmpeg", name)
	assert.Equal(t, []string{"-f", "mjpeg", "-q:v", "5", "-"}, args[len(args)-5:])
}

package camera

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestSource_OpenFallsBackInPriorityOrder(t *testing.T) {
	first := NewMockBackend()  // 何も開けない
	second := NewMockBackend(0)
	source := NewSource([]Backend{first, second}, Settings{})

	h, err := source.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	if len(first.Attempts()) != 1 || len(second.Attempts()) != 1 {
		t.Errorf("Expected each backend to be tried once, got %v %v", first.Attempts(), second.Attempts())
	}
	if h.Index() != 0 || h.Backend() != "mock" {
		t.Errorf("unexpected handle: index=%d backend=%s", h.Index(), h.Backend())
	}
}

func TestSource_OpenUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		backends []Backend
		index    int
	}{
		{name: "存在しないインデックス", backends: []Backend{NewMockBackend(0)}, index: 5},
		{name: "負のインデックス", backends: []Backend{NewMockBackend(0)}, index: -1},
		{name: "バックエンドなし", backends: nil, index: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewSource(tt.backends, Settings{})
			_, err := source.Open(context.Background(), tt.index)
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
			}
		})
	}
}

func TestSource_OpenReportsBackendCauses(t *testing.T) {
	source := NewSource([]Backend{NewMockBackend()}, Settings{})
	_, err := source.Open(context.Background(), 2)
	if err == nil || !strings.Contains(err.Error(), "mock") {
		t.Errorf("Expected backend name in error, got %v", err)
	}
}

func TestNewBackends(t *testing.T) {
	RegisterBackend("test-mock", 99, func(BackendOptions) Backend { return NewMockBackend(0) })

	backends, err := NewBackends([]string{"test-mock"}, BackendOptions{})
	if err != nil {
		t.Fatalf("NewBackends failed: %v", err)
	}
	if len(backends) != 1 || backends[0].Name() != "mock" {
		t.Errorf("unexpected backends: %v", backends)
	}

	if _, err := NewBackends([]string{"no-such-backend"}, BackendOptions{}); err == nil {
		t.Error("Expected error for unknown backend")
	}

	names := RegisteredBackends()
	if names[len(names)-1] != "test-mock" {
		t.Errorf("Expected lowest priority backend last, got %v", names)
	}
}

func TestFFmpegInputArgs(t *testing.T) {
	settings := Settings{Width: 640, Height: 480, FPS: 20}

	tests := []struct {
		name    string
		goos    string
		want    []string
		wantErr bool
	}{
		{
			name: "macOS",
			goos: "darwin",
			want: []string{"-framerate", "20", "-video_size", "640x480", "-f", "avfoundation", "-i", "1"},
		},
		{
			name: "Windows",
			goos: "windows",
			want: []string{"-framerate", "20", "-video_size", "640x480", "-f", "vfwcap", "-i", "1"},
		},
		{
			name:    "未対応OS",
			goos:    "plan9",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FFmpegInputArgs(tt.goos, 1, settings)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	// Linux は存在しないデバイスを ffmpeg を起動せずに弾く
	if _, err := FFmpegInputArgs("linux", 999, settings); err == nil {
		t.Error("Expected error for missing /dev/video999")
	}
}

package camera

import (
	"context"
	"reflect"
	"testing"
)

func newMockRegistry(indices ...int) (*Registry, *MockBackend) {
	mock := NewMockBackend(indices...)
	source := NewSource([]Backend{mock}, Settings{Width: 32, Height: 24, FPS: 20})
	registry := NewRegistry(source).WithNameResolver(func(context.Context, int) string { return "" })
	return registry, mock
}

func TestRegistry_Enumerate(t *testing.T) {
	tests := []struct {
		name      string
		available []int
		maxIndex  int
		want      []int
		attempts  []int
	}{
		{
			name:      "連続したカメラ",
			available: []int{0, 1},
			maxIndex:  10,
			want:      []int{0, 1},
			attempts:  []int{0, 1, 2},
		},
		{
			name:      "途中の欠番で打ち切る",
			available: []int{0, 2, 3},
			maxIndex:  10,
			want:      []int{0},
			attempts:  []int{0, 1},
		},
		{
			name:      "カメラなし",
			available: nil,
			maxIndex:  10,
			want:      []int{},
			attempts:  []int{0},
		},
		{
			name:      "上限で止まる",
			available: []int{0, 1, 2, 3},
			maxIndex:  2,
			want:      []int{0, 1},
			attempts:  []int{0, 1},
		},
		{
			name:      "負の上限",
			available: []int{0, 1},
			maxIndex:  -1,
			want:      []int{},
			attempts:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, mock := newMockRegistry(tt.available...)

			got, err := registry.Enumerate(context.Background(), tt.maxIndex)
			if err != nil {
				t.Fatalf("Enumerate failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			if !reflect.DeepEqual(mock.Attempts(), tt.attempts) {
				t.Errorf("Expected attempts %v, got %v", tt.attempts, mock.Attempts())
			}
			if mock.TotalOpens() != mock.TotalCloses() {
				t.Errorf("probe handles leaked: opens=%d closes=%d", mock.TotalOpens(), mock.TotalCloses())
			}
			if !reflect.DeepEqual(registry.Last(), tt.want) {
				t.Errorf("Expected Last() %v, got %v", tt.want, registry.Last())
			}
		})
	}
}

func TestRegistry_EnumerateProbeReadFailure(t *testing.T) {
	registry, mock := newMockRegistry(0, 1)
	// 開けてもフレームが読めないカメラは利用不可
	mock.SetFrameLimit(0)
	mock.SetReadError(0, context.DeadlineExceeded)

	got, err := registry.Enumerate(context.Background(), 5)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no cameras, got %v", got)
	}
	if mock.Closes(0) != 1 {
		t.Errorf("Expected probe handle to be closed once, got %d", mock.Closes(0))
	}
}

func TestRegistry_EnumerateCancelled(t *testing.T) {
	registry, _ := newMockRegistry(0, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := registry.Enumerate(ctx, 10)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestRegistry_Describe(t *testing.T) {
	registry, _ := newMockRegistry(0)
	info := registry.Describe(context.Background(), 3)
	if info.Index != 3 {
		t.Errorf("Expected index 3, got %d", info.Index)
	}
	if info.Name != "カメラ 3" {
		t.Errorf("Expected fallback name, got %q", info.Name)
	}

	registry.WithNameResolver(func(_ context.Context, index int) string {
		return "USB Camera"
	})
	if got := registry.Describe(context.Background(), 0).Name; got != "USB Camera" {
		t.Errorf("Expected resolved name, got %q", got)
	}
}

func TestParseCardType(t *testing.T) {
	output := `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
`
	if got := parseCardType(output); got != "HD Pro Webcam C920" {
		t.Errorf("Expected card type, got %q", got)
	}
	if got := parseCardType("no info"); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}

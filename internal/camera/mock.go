package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"time"
)

// MockBackend はテスト用のバックエンド実装
//
// 合成画像を生成し、インデックスごとのオープン・クローズ回数を記録する。
type MockBackend struct {
	mu         sync.Mutex
	available  map[int]bool
	width      int
	height     int
	frameLimit int           // 0 以下なら無限
	frameDelay time.Duration // フレーム間の待ち時間
	readErr    error
	readErrAt  int // この枚数を読んだ後に readErr を返す
	opens      map[int]int
	closes     map[int]int
	attempts   []int
}

// NewMockBackend は指定インデックスだけを開けるMockBackendを作成する
func NewMockBackend(indices ...int) *MockBackend {
	m := &MockBackend{
		available: make(map[int]bool),
		width:     64,
		height:    48,
		opens:     make(map[int]int),
		closes:    make(map[int]int),
	}
	for _, i := range indices {
		m.available[i] = true
	}
	return m
}

// Name はバックエンド名を返す
func (m *MockBackend) Name() string {
	return "mock"
}

// SetSize は生成する画像サイズを設定する
func (m *MockBackend) SetSize(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width, m.height = width, height
}

// SetFrameLimit は n 枚でストリームを終了させる
func (m *MockBackend) SetFrameLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameLimit = n
}

// SetFrameDelay はフレームごとの待ち時間を設定する
func (m *MockBackend) SetFrameDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameDelay = d
}

// SetReadError は after 枚読んだ後に err を返すようにする
func (m *MockBackend) SetReadError(after int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrAt = after
	m.readErr = err
}

// SetAvailable はインデックスの利用可否を切り替える
func (m *MockBackend) SetAvailable(index int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.available[index] = true
	} else {
		delete(m.available, index)
	}
}

// Open は利用可能なインデックスならモックデバイスを返す
func (m *MockBackend) Open(ctx context.Context, index int, _ Settings) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, index)
	if !m.available[index] {
		return nil, fmt.Errorf("モックカメラ %d は存在しません", index)
	}
	m.opens[index]++

	return &mockDevice{
		backend:    m,
		index:      index,
		width:      m.width,
		height:     m.height,
		limit:      m.frameLimit,
		delay:      m.frameDelay,
		readErr:    m.readErr,
		readErrAt:  m.readErrAt,
		closedChan: make(chan struct{}),
	}, nil
}

// Opens はインデックスのオープン回数を返す
func (m *MockBackend) Opens(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[index]
}

// Closes はインデックスのクローズ回数を返す
func (m *MockBackend) Closes(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[index]
}

// TotalOpens は全インデックスのオープン回数の合計を返す
func (m *MockBackend) TotalOpens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.opens {
		total += n
	}
	return total
}

// TotalCloses は全インデックスのクローズ回数の合計を返す
func (m *MockBackend) TotalCloses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.closes {
		total += n
	}
	return total
}

// Attempts はオープンを試みたインデックスを順に返す
func (m *MockBackend) Attempts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.attempts...)
}

type mockDevice struct {
	backend   *MockBackend
	index     int
	width     int
	height    int
	limit     int
	delay     time.Duration
	readErr   error
	readErrAt int
	read      int

	closeOnce  sync.Once
	closedChan chan struct{}
}

func (d *mockDevice) ReadFrame(ctx context.Context) (image.Image, error) {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closedChan:
			return nil, io.EOF
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closedChan:
		return nil, io.EOF
	default:
	}

	if d.readErr != nil && d.read >= d.readErrAt {
		return nil, d.readErr
	}
	if d.limit > 0 && d.read >= d.limit {
		return nil, io.EOF
	}
	d.read++
	return syntheticImage(d.width, d.height, d.index, d.read), nil
}

func (d *mockDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closedChan)
		d.backend.mu.Lock()
		d.backend.closes[d.index]++
		d.backend.mu.Unlock()
	})
	return nil
}

// syntheticImage はインデックスとフレーム番号から決まるグラデーション画像を作る
func syntheticImage(width, height, index, n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(width-1, 1)),
				G: uint8(y * 255 / max(height-1, 1)),
				B: uint8((index*64 + n*8) % 256),
				A: 255,
			})
		}
	}
	return img
}

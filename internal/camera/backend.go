package camera

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"
)

// Device はバックエンドが開いた1台のデバイス
//
// ReadFrame はデバイスが供給を終えたとき io.EOF を返す。
// Close は ReadFrame の実行中にも呼ばれる。実行中の読み取りを終わらせてから資源を解放すること。
type Device interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// Backend はデバイスを開くキャプチャ実装
type Backend interface {
	Name() string
	Open(ctx context.Context, index int, settings Settings) (Device, error)
}

// BackendOptions はバックエンド生成時の共通設定
type BackendOptions struct {
	FFmpegPath  string        // ffmpeg 実行ファイル
	OpenTimeout time.Duration // 最初のフレームを待つ上限
}

// BackendCreator はバックエンドの作成関数の型
type BackendCreator func(opts BackendOptions) Backend

type backendEntry struct {
	name     string
	priority int
	creator  BackendCreator
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]backendEntry)
)

// RegisterBackend はバックエンドの作成関数を登録する
//
// priority が小さいほど先に試される。同名の登録は上書きされる。
func RegisterBackend(name string, priority int, creator BackendCreator) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = backendEntry{name: name, priority: priority, creator: creator}
}

// RegisteredBackends は登録済みバックエンド名を優先順に返す
func RegisteredBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	entries := make([]backendEntry, 0, len(backends))
	for _, e := range backends {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].name < entries[j].name
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// NewBackends は名前を指定してバックエンドを作成する
//
// names が空の場合は登録済みの全バックエンドを優先順に作成する。
func NewBackends(names []string, opts BackendOptions) ([]Backend, error) {
	if len(names) == 0 {
		names = RegisteredBackends()
	}

	backendsMu.RLock()
	defer backendsMu.RUnlock()

	result := make([]Backend, 0, len(names))
	for _, name := range names {
		e, ok := backends[name]
		if !ok {
			return nil, fmt.Errorf("サポートされていないバックエンド: %s", name)
		}
		result = append(result, e.creator(opts))
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("利用可能なバックエンドがありません")
	}
	return result, nil
}

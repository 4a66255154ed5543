package camera

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// NameResolver はデバイスインデックスから表示名を求める
type NameResolver func(ctx context.Context, index int) string

// Registry は利用可能なカメラインデックスを列挙する
type Registry struct {
	opener       Opener
	resolveName  NameResolver
	probeTimeout time.Duration

	mu   sync.RWMutex
	last []int
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(opener Opener) *Registry {
	return &Registry{
		opener:       opener,
		resolveName:  defaultNameResolver,
		probeTimeout: 15 * time.Second,
	}
}

// WithNameResolver は表示名の取得方法を差し替える
func (r *Registry) WithNameResolver(resolve NameResolver) *Registry {
	r.resolveName = resolve
	return r
}

// Enumerate はインデックス0から maxIndex-1 まで順に調べる
//
// 各インデックスは開いて1フレーム読み、すぐに閉じる。
// 最初に失敗したインデックスで探索を打ち切るため、結果は常に 0 から始まる連番になる。
// maxIndex が 0 以下なら何も調べずに空を返す。
func (r *Registry) Enumerate(ctx context.Context, maxIndex int) ([]int, error) {
	maxIndex = max(maxIndex, 0)
	available := make([]int, 0, maxIndex)

	for i := 0; i < maxIndex; i++ {
		if err := ctx.Err(); err != nil {
			return available, err
		}
		if !r.probe(ctx, i) {
			break
		}
		available = append(available, i)
	}

	r.mu.Lock()
	r.last = append([]int(nil), available...)
	r.mu.Unlock()

	log.Info().Str("component", "camera").Ints("indices", available).Msg("カメラの列挙が完了しました")
	return available, nil
}

func (r *Registry) probe(ctx context.Context, index int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	h, err := r.opener.Open(probeCtx, index)
	if err != nil {
		log.Debug().Str("component", "camera").Int("index", index).Err(err).Msg("カメラを開けません")
		return false
	}
	defer func() {
		_ = h.Close()
	}()

	if _, err := h.Next(probeCtx); err != nil {
		log.Debug().Str("component", "camera").Int("index", index).Err(err).Msg("フレームを読めません")
		return false
	}
	return true
}

// Last は直近の列挙結果を返す
func (r *Registry) Last() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.last))
	copy(out, r.last)
	return out
}

// Describe はインデックスの表示用情報を返す
func (r *Registry) Describe(ctx context.Context, index int) DeviceInfo {
	info := DeviceInfo{Index: index}
	if runtime.GOOS == "linux" {
		info.Path = devicePath(index)
	}
	if r.resolveName != nil {
		info.Name = r.resolveName(ctx, index)
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", index)
	}
	return info
}

// DescribeAll は直近の列挙結果すべての表示用情報を返す
func (r *Registry) DescribeAll(ctx context.Context) []DeviceInfo {
	indices := r.Last()
	infos := make([]DeviceInfo, 0, len(indices))
	for _, i := range indices {
		infos = append(infos, r.Describe(ctx, i))
	}
	return infos
}

func devicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

func defaultNameResolver(ctx context.Context, index int) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	return v4l2DeviceName(ctx, devicePath(index))
}

// v4l2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func v4l2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// parseCardType は v4l2-ctl --info の出力から "Card type" の値を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

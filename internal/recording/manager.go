package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusInfo は録画機能全体の状態
type StatusInfo struct {
	Recording bool      `json:"recording"`
	Current   *TaskInfo `json:"current,omitempty"`
	Last      *TaskInfo `json:"last,omitempty"`
}

// Manager は同時に1つまでの録画を管理する
type Manager struct {
	recorder *Recorder

	mu      sync.Mutex
	current *Task
	last    *Task
}

// NewManager は新しいManagerを作成する
func NewManager(recorder *Recorder) *Manager {
	return &Manager{recorder: recorder}
}

// Start は録画を開始する。録画中の場合は ErrAlreadyRecording を返す
func (m *Manager) Start(ctx context.Context, index int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !isDone(m.current) {
		return nil, ErrAlreadyRecording
	}
	if m.current != nil {
		m.last = m.current
		m.current = nil
	}

	task, err := m.recorder.Start(ctx, index)
	if err != nil {
		return nil, err
	}
	m.current = task
	return task, nil
}

// Stop は現在の録画を止めて、その情報を返す
//
// 録画していない場合は ErrNotRecording を返す。
func (m *Manager) Stop(ctx context.Context) (TaskInfo, error) {
	m.mu.Lock()
	task := m.current
	if task == nil || isDone(task) {
		if task != nil {
			m.last = task
			m.current = nil
		}
		m.mu.Unlock()
		return TaskInfo{}, ErrNotRecording
	}
	m.current = nil
	m.last = task
	m.mu.Unlock()

	if err := task.Stop(ctx); err != nil {
		return task.Info(), err
	}
	return task.Info(), nil
}

// Status は現在の状態を返す
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	current, last := m.current, m.last
	m.mu.Unlock()

	var status StatusInfo
	if current != nil {
		info := current.Info()
		if info.Status == StatusRecording {
			status.Recording = true
			status.Current = &info
		} else {
			last = current
		}
	}
	if last != nil {
		info := last.Info()
		status.Last = &info
	}
	return status
}

// Files は出力ディレクトリの録画ファイルを新しい順に返す
func (m *Manager) Files() ([]File, error) {
	dir := m.recorder.Config().Dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []File{}, nil
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	m.mu.Lock()
	var currentPath string
	if m.current != nil && !isDone(m.current) {
		currentPath = m.current.Path()
	}
	m.mu.Unlock()

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".avi" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warn().Str("component", "recording").Err(err).Msg("ファイル情報の取得に失敗")
			continue
		}
		path := filepath.Join(dir, entry.Name())
		status := StatusCompleted
		if path == currentPath {
			status = StatusRecording
		}
		files = append(files, File{
			Name:     entry.Name(),
			Path:     path,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Status:   status,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// shutdownFlushTimeout は停止時に残りのバッチを書き出すまで待つ上限
const shutdownFlushTimeout = 10 * time.Second

// Shutdown は録画中であれば止めて、残りのフレームを書き出す
//
// ctx の期限が切れていても、書き出しとクローズは shutdownFlushTimeout まで待つ。
func (m *Manager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()

	_, err := m.Stop(ctx)
	if errors.Is(err, ErrNotRecording) {
		return nil
	}
	return err
}

func isDone(t *Task) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

package camera

import (
	"strings"
	"sync"
)

// StderrTail は書き込まれた内容の末尾 max バイトだけを保持する io.Writer
//
// 外部プロセスの標準エラー出力をエラーメッセージに添えるために使う。
type StderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewStderrTail は末尾 max バイトを保持する StderrTail を作成する
func NewStderrTail(max int) *StderrTail {
	return &StderrTail{max: max}
}

func (t *StderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// String は前後の空白を除いた内容を返す
func (t *StderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Package mjpeg は multipart/x-mixed-replace による MJPEG ストリームの組み立てと
// 連結された JPEG バイト列の分割を扱う
package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// Boundary はパート区切りに使う文字列
	Boundary = "frame"
	// ContentType はストリーム全体の Content-Type ヘッダ値
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
	// PartContentType は各パートの Content-Type
	PartContentType = "image/jpeg"
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// ErrEmptyPart は空のパートを書こうとしたことを表す
var ErrEmptyPart = errors.New("空のパートは書き込めません")

// Flusher はバッファを下流に送り出せる書き込み先
type Flusher interface {
	Flush()
}

// Writer は1パートずつ MJPEG ストリームを書き込む
type Writer struct {
	w     io.Writer
	parts uint64
	bytes uint64
}

// NewWriter は新しいWriterを作成する
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePart は1枚の JPEG を1パートとして書き込む
//
// 形式: --frame\r\nContent-Type: image/jpeg\r\n\r\n<jpeg>\r\n
// 書き込み先が Flusher を実装していればパートごとにフラッシュする。
func (m *Writer) WritePart(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPart
	}

	header := fmt.Sprintf("--%s\r\nContent-Type: %s\r\n\r\n", Boundary, PartContentType)
	if _, err := io.WriteString(m.w, header); err != nil {
		return fmt.Errorf("パートヘッダの書き込みに失敗: %w", err)
	}
	if _, err := m.w.Write(data); err != nil {
		return fmt.Errorf("パート本体の書き込みに失敗: %w", err)
	}
	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return fmt.Errorf("パート終端の書き込みに失敗: %w", err)
	}
	if f, ok := m.w.(Flusher); ok {
		f.Flush()
	}

	m.parts++
	m.bytes += uint64(len(data))
	return nil
}

// Parts は書き込んだパート数を返す
func (m *Writer) Parts() uint64 {
	return m.parts
}

// Bytes は書き込んだ JPEG の合計バイト数を返す
func (m *Writer) Bytes() uint64 {
	return m.bytes
}

// ScanFrames は連結された JPEG バイト列を1枚ずつ切り出す bufio.SplitFunc
//
// SOI (FF D8) より前のゴミは読み捨てる。EOF 時に未完のフレームが残っていれば破棄する。
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// 末尾の 0xFF は次の SOI の先頭かもしれない
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(soi):], eoi)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// 先頭のゴミだけ捨てて続きを待つ
		return start, nil, nil
	}

	stop := start + len(soi) + end + len(eoi)
	return stop, data[start:stop], nil
}

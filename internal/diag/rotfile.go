package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const logPrefix = "llmsheet"

// RotatingFile 将日志行追加到 <dir>/llmsheet-current.txt，超过 maxBytes 时轮转。
// 轮转文件名 llmsheet-<UTC 纳秒时间戳>.txt；maxBackups>0 时仅保留最近的若干个。
type RotatingFile struct {
	dir        string
	maxBytes   int64
	maxBackups int
	mu         sync.Mutex
	f          *os.File
	curSize    int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MiB 默认
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// KeepBackups 设置保留的历史文件数（0 为不限）。
func (w *RotatingFile) KeepBackups(n int) *RotatingFile {
	w.mu.Lock()
	w.maxBackups = n
	w.mu.Unlock()
	return w
}

// Path 返回当前文件路径。
func (w *RotatingFile) Path() string {
	return filepath.Join(w.dir, logPrefix+"-current.txt")
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	lineLen := int64(len(b) + 1)
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	if err != nil {
		return err
	}
	w.curSize += int64(n)
	return nil
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	oldPath := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒精度，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(filepath.Dir(oldPath), fmt.Sprintf("%s-%s.txt", logPrefix, ts))
	if err := os.Rename(oldPath, rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出保留数的最旧历史文件；失败静默。
func (w *RotatingFile) prune() {
	if w.maxBackups <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var olds []string
	for _, e := range ents {
		n := e.Name()
		if strings.HasPrefix(n, logPrefix+"-") && strings.HasSuffix(n, ".txt") && !strings.HasSuffix(n, "-current.txt") {
			olds = append(olds, n)
		}
	}
	if len(olds) <= w.maxBackups {
		return
	}
	sort.Strings(olds)
	for _, n := range olds[:len(olds)-w.maxBackups] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}

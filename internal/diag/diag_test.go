package diag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmsheet/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	_ = w.Close()
}

// 当前文件名与时间戳文件同时存在；KeepBackups 限制历史数
func TestRotatingFileRotateAndPrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10).KeepBackups(2)
	for i := 0; i < 6; i++ {
		require.NoError(t, w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")))
	}
	require.NoError(t, w.Close())
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	current, rotated := 0, 0
	for _, e := range ents {
		switch {
		case e.Name() == "llmsheet-current.txt":
			current++
		case strings.HasPrefix(e.Name(), "llmsheet-") && strings.HasSuffix(e.Name(), ".txt"):
			rotated++
		}
	}
	assert.Equal(t, 1, current)
	assert.Equal(t, 2, rotated)
	assert.Equal(t, filepath.Join(dir, "llmsheet-current.txt"), w.Path())
}

// 触发默认 maxBytes 分支与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	if err := w.WriteLine([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if err := w.rotate(); err != nil { //nolint:forbidigo
		t.Fatalf("rotate: %v", err)
	}
	_ = w.Close()
}

// UT-DIAG-02: 指标计数与快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("backend", "generate", "ok")
	IncOp("backend", "generate", "ok")
	IncError("backend", "timeout")
	ObserveDuration("backend", "generate", 7)
	ObserveDuration("backend", "generate", 3)
	snap := Snapshot()
	assert.Equal(t, int64(2), snap["op_total.backend.generate.ok"])
	assert.Equal(t, int64(1), snap["error_total.backend.timeout"])
	assert.Equal(t, int64(10), snap["op_duration_ms.backend.generate"])
	assert.Equal(t, "2", SnapshotKV()["op_total.backend.generate.ok"])
	ResetMetrics()
	assert.Empty(t, Snapshot())
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("x: %w", contract.ErrConfig), CodeConfig},
		{contract.NewHTTPError(429, ""), CodeRateLimit},
		{contract.NewHTTPError(401, "bad key"), CodeProvider},
		{fmt.Errorf("dial: %w", contract.ErrConnection), CodeConnection},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrInvalidInput, CodeInvalid},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeConnection},
		{&net.DNSError{Err: "x", IsTimeout: true}, CodeTimeout},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("分类错误 %v: got %s want %s", c.err, got, c.want)
		}
	}
}

// Logger 基本流程
func TestLogger(t *testing.T) {
	l := NewLogger("corr", "debug")
	l.sink = nil // 避免文件操作
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	timer = l.StartWith("comp", "msg", "fid", "3")
	timer.Finish("ok", 1)
	timer = l.StartWithKV("comp", "msg", "fid", "3", map[string]string{"k": "v"})
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	l.ErrorWith("comp", "code", "msg", nil, "fid", "3")
	l.ErrorWithKV("comp", "code", "msg", nil, "fid", "3", map[string]string{"http_status": "500"})
	l.Warn("row", "timeout", "row failed", "fid", "3", nil)
	l.InfoFinish("comp", "msg", time.Now(), 1)
	l.InfoKV("comp", "msg", map[string]string{"a": "b"})
	l.DebugStart("comp", "msg", "fid", "3", nil)
	if timer.Elapsed() < 0 {
		t.Fatalf("elapsed 不应为负")
	}
}

// 日志落盘：每行一个 JSON 事件，行号字段为 row
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerWith("corr", Options{Level: "info", Dir: dir})
	l.StartWith("batch", "row start", "a.csv", RowID(4)).Finish("row done", 1)
	l.Error("comp", "code", "msg", nil)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(filepath.Join(dir, "llmsheet-current.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"row":"4"`)
	assert.Contains(t, lines[0], `"corr_id":"corr"`)
	assert.Contains(t, lines[2], `"level":"error"`)
}

// 控制台镜像（tint，无颜色）
func TestLoggerConsoleMirror(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWith("corr", Options{Level: "info", Dir: t.TempDir(), Console: &buf, NoColor: true})
	l.Warn("batch", "provider", "row failed", "notes.csv", "2", map[string]string{"http_status": "401"})
	l.DebugStart("batch", "hidden", "", "", nil)
	_ = l.Close()
	out := buf.String()
	assert.Contains(t, out, "row failed")
	assert.Contains(t, out, "row=2")
	assert.Contains(t, out, "http_status=401")
	assert.NotContains(t, out, "hidden")
}

// Level.String 与 parseLevel 分支，以及 lv<level 过滤
func TestLoggerLevelsAndFilter(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	assert.Equal(t, Error, parseLevel("ERROR"))
	assert.Equal(t, Info, parseLevel("???"))
	assert.Equal(t, "", RowID(-1))
	var lnil *Logger
	lnil.Error("comp", "code", "msg", nil) // nil 接收者 no-op
	assert.NoError(t, lnil.Close())
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
}

// NowUTC
func TestNowUTC(t *testing.T) {
	if NowUTC() == "" {
		t.Fatalf("应返回时间字符串")
	}
}

// UT-DIAG-03: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart("ollama", "llama3")
	term.FileStart("data/notes.csv", 2)
	term.RowProgress(1, 2, 0)
	term.RowProgress(2, 2, 1)
	term.FileFinish(true, FileStats{OK: 1, Errors: 1, Artifact: "out/processed_notes.csv"}, 5100*time.Millisecond)
	term.Hint("ollama serve")
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] llm=ollama | model=llama3",
		"[file] notes.csv | 计划行数=2",
		"[row] notes.csv | 进度 1/2 | 错误 0",
		"[row] notes.csv | 进度 2/2 | 错误 1",
		"[done] notes.csv | 成功 1 | 错误 1 | 跳过 0 | 总用时 5.1s | 输出 out/processed_notes.csv",
		"[hint] ollama serve",
		"[ok] 全部完成 | 文件 1 | 失败 0 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// UT-DIAG-04: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true // 强制 TTY
	term.RunStart("mock", "m")
	term.FileStart("/a/b/c/longfilename.csv", 3)

	term.RowProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[row]") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	// 立即第二次：应被节流（<100ms）
	term.RowProgress(2, 3, 1)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled; got changed output")
	}
	// 最后一行不节流
	term.RowProgress(3, 3, 1)
	third := sb.String()
	if len(third) <= len(first) {
		t.Fatalf("final progress should append output")
	}
	term.FileFinish(false, FileStats{OK: 2, Errors: 1}, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

// UT-DIAG-05: 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.isTTY = false
	term.RunStart("x", "y") // 第一次 println 触发失败
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.FileStart("a", 0)
	term.RowProgress(0, 0, 0)
	term.FileFinish(true, FileStats{}, 0)
	term.RunFinish(true, 0)
}

// 覆盖 printInline 写失败分支（TTY）
func TestTerminalInlineWriteError(t *testing.T) {
	fw := &flakyWriter{}
	term := NewTerminal(fw, true)
	term.isTTY = true
	term.FileStart("f.csv", 2)
	fw.fail = true
	term.RowProgress(1, 2, 0)
	if term.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

// UT-DIAG-06: 工具函数覆盖
func TestHelpers(t *testing.T) {
	if shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.csv", 10) == "" {
		t.Fatalf("shortenBase should produce non-empty")
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" {
		t.Fatalf("formatDur 0ms failed")
	}
	if formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur 1.5s failed: %s", formatDur(1500*time.Millisecond))
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}

// CI 环境强制非 TTY
func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	var sb strings.Builder
	if NewTerminal(&sb, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

// Terminal nil 接收者早返回
func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart("x", "y")
	tn.FileStart("a", 1)
	tn.RowProgress(0, 0, 0)
	tn.FileFinish(true, FileStats{}, 0)
	tn.Hint("x")
	tn.RunFinish(true, 0)
}

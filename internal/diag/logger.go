package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options 控制日志落盘位置与可选的控制台镜像。
type Options struct {
	Level string
	// Dir: 轮转文件目录，默认 logs。
	Dir      string
	MaxBytes int64
	// Console: 非 nil 时以人类可读格式镜像事件（彩色，tint）。
	Console io.Writer
	NoColor bool
}

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件；可选控制台镜像。
type Logger struct {
	corrID  string
	level   Level
	sink    *RotatingFile
	console *slog.Logger
	mu      sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认路径 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerWith(corrID, Options{Level: level})
}

// NewLoggerWith 按 Options 初始化。
func NewLoggerWith(corrID string, o Options) *Logger {
	lvl := parseLevel(strings.TrimSpace(o.Level))
	dir := o.Dir
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	maxBytes := o.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	l := &Logger{corrID: corrID, level: lvl, sink: NewRotatingFile(dir, maxBytes)}
	if o.Console != nil {
		l.console = slog.New(tint.NewHandler(o.Console, &tint.Options{
			Level:      lvl.slog(),
			TimeFormat: time.TimeOnly,
			NoColor:    o.NoColor,
		}))
	}
	return l
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Row    string            `json:"row,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// RowID 将行号格式化为事件字段；负数表示无行号。
func RowID(i int) string {
	if i < 0 {
		return ""
	}
	return strconv.Itoa(i)
}

// log 以最小开销写出事件，遵循级别。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.console != nil {
		l.console.LogAttrs(context.Background(), lv.slog(), ev.Msg, consoleAttrs(ev)...)
	}
	if l.sink == nil {
		// 后备：写 stderr
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

func consoleAttrs(ev Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("comp", ev.Comp), slog.String("stage", ev.Stage)}
	if ev.FileID != "" {
		attrs = append(attrs, slog.String("file", ev.FileID))
	}
	if ev.Row != "" {
		attrs = append(attrs, slog.String("row", ev.Row))
	}
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS > 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count > 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	for k, v := range ev.KV {
		attrs = append(attrs, slog.String(k, v))
	}
	return attrs
}

// Close 释放底层文件句柄。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/row 的 start。
func (l *Logger) StartWith(comp, msg, fileID, row string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Row: row, Msg: msg})
	return &Timer{l: l, comp: comp, fileID: fileID, row: row, t0: time.Now()}
}

// StartWithKV 记录带 file_id/row 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, row string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Row: row, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, row: row, t0: time.Now()}
}

// Warn 记录 warn 事件（行级失败等可恢复情形）。
func (l *Logger) Warn(comp, code, msg, fileID, row string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "error", Code: code, Msg: msg, FileID: fileID, Row: row, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg})
}

// ErrorWith 支持 file_id/row。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, row string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Row: row})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, row string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Row: row, KV: kv})
}

// InfoKV 记录一次性的 info 事件。
func (l *Logger) InfoKV(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "finish", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	row    string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, FileID: t.fileID, Row: t.row, Msg: msg})
}

// Elapsed 返回自 start 起的耗时。
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.t0)
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, row string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Row: row, Msg: msg, KV: kv})
}

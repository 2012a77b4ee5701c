// Package stamp 生成带时间戳的导出文件名。
package stamp

import (
	"path"
	"strings"
	"time"

	"llmsheet/pkg/contract"
)

// Layout: 文件名中的时间戳格式（本地时间，精确到秒）。
const Layout = "20060102-150405"

// Clock 可注入的时钟；nil 时使用 time.Now。
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Name 返回 processed_<stem>_<YYYYMMDD-HHMMSS><ext>；ext 含前导点。
func Name(fileID contract.FileID, ext string, now time.Time) string {
	return "processed_" + Stem(fileID) + "_" + now.Format(Layout) + ext
}

// Stem: 源文件基名去扩展名；STDIN 记为 pasted。
func Stem(fileID contract.FileID) string {
	s := string(fileID)
	if s == "" || s == "-" || s == "stdin" {
		return "pasted"
	}
	base := path.Base(s)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return "pasted"
	}
	return base
}

package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 统一反斜杠并清理路径片段，得到跨平台稳定的 FileID；不做隐式绝对化。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

package contract

import (
	"context"
	"io"
)

// Loader: 将单文件字节流解析为 Table。
// 约束：
// 1) 不跨文件合并；
// 2) 行序与源文件一致；
// 3) 不改写单元格语义（仅做编码转换与换行/NUL 的最小清理）；
// 4) 返回的 Table 必须通过 Validate。
type Loader interface {
	Load(ctx context.Context, fileID FileID, r io.Reader) (Table, error)
}

package contract

import (
	"context"
	"io"
)

// Artifact: 导出结果；Name 含时间戳，Body 为完整序列化字节流。
type Artifact struct {
	Name   string
	Format Format
	Body   io.Reader
}

// Exporter: 纯序列化边界，不修改单元格内容。
type Exporter interface {
	Export(ctx context.Context, fileID FileID, t Table) (Artifact, error)
}

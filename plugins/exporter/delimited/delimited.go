package delimited

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"unicode/utf8"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/exporter/internal/stamp"
)

// Options: 分隔文本导出的最小配置。
type Options struct {
	// Delimiter: 覆盖输出分隔符；为空沿用输入表的分隔符（默认逗号）。
	Delimiter string `json:"delimiter"`
	// CRLF: 以 \r\n 作为行尾，默认 false。
	CRLF bool `json:"crlf"`
	// BOM: 输出 UTF-8 BOM，便于旧版表格软件识别编码。
	BOM bool `json:"bom"`

	Clock stamp.Clock `json:"-"`
}

type Exporter struct {
	delim rune
	crlf  bool
	bom   bool
	clock stamp.Clock
}

func New(opts *Options) (*Exporter, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	var d rune
	switch o.Delimiter {
	case "":
	case `\t`, "tab":
		d = '\t'
	default:
		if utf8.RuneCountInString(o.Delimiter) != 1 {
			return nil, fmt.Errorf("exporter: %w: delimiter must be one character", contract.ErrInvalidInput)
		}
		d, _ = utf8.DecodeRuneInString(o.Delimiter)
	}
	return &Exporter{delim: d, crlf: o.CRLF, bom: o.BOM, clock: o.Clock}, nil
}

// Export 原样序列化表头与全部行。
func (e *Exporter) Export(ctx context.Context, fileID contract.FileID, t contract.Table) (contract.Artifact, error) {
	select {
	case <-ctx.Done():
		return contract.Artifact{}, ctx.Err()
	default:
	}
	if err := t.Validate(); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	delim := e.delim
	if delim == 0 {
		delim = t.Delimiter
	}
	if delim == 0 {
		delim = ','
	}
	var buf bytes.Buffer
	if e.bom {
		buf.WriteString("\xEF\xBB\xBF")
	}
	w := csv.NewWriter(&buf)
	w.Comma = delim
	w.UseCRLF = e.crlf
	if err := w.Write(t.Names()); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w: %v", contract.ErrInvalidInput, err)
	}
	for r := 0; r < t.Len(); r++ {
		if err := w.Write(t.Record(r)); err != nil {
			return contract.Artifact{}, fmt.Errorf("exporter: row %d: %w: %v", r, contract.ErrInvalidInput, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	ext := ".csv"
	if delim == '\t' {
		ext = ".tsv"
	}
	return contract.Artifact{
		Name:   stamp.Name(fileID, ext, e.clock.Now()),
		Format: contract.FormatCSV,
		Body:   &buf,
	}, nil
}

var _ contract.Exporter = (*Exporter)(nil)

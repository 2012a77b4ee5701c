package spreadsheet

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/exporter/internal/stamp"
)

// DefaultSheet 为导出工作表名。
const DefaultSheet = "Processed Data"

// Options: XLSX 导出的最小配置。
type Options struct {
	Sheet string `json:"sheet"`
	// ColWidth: 各列统一列宽（字符数）；<=0 保持 excelize 默认。
	ColWidth float64 `json:"col_width"`

	Clock stamp.Clock `json:"-"`
}

type Exporter struct {
	sheet    string
	colWidth float64
	clock    stamp.Clock
}

func New(opts *Options) (*Exporter, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if strings.TrimSpace(o.Sheet) == "" {
		o.Sheet = DefaultSheet
	}
	if utf8.RuneCountInString(o.Sheet) > 31 || strings.ContainsAny(o.Sheet, `:\/?*[]`) {
		return nil, fmt.Errorf("exporter: %w: invalid sheet name %q", contract.ErrInvalidInput, o.Sheet)
	}
	return &Exporter{sheet: o.Sheet, colWidth: o.ColWidth, clock: o.Clock}, nil
}

// Export 以流式写入单个工作表；所有单元格按字符串写出，不做类型推断。
func (e *Exporter) Export(ctx context.Context, fileID contract.FileID, t contract.Table) (contract.Artifact, error) {
	select {
	case <-ctx.Done():
		return contract.Artifact{}, ctx.Err()
	default:
	}
	if err := t.Validate(); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", e.sheet); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w: %v", contract.ErrInvalidInput, err)
	}
	sw, err := f.NewStreamWriter(e.sheet)
	if err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	ncol := len(t.Columns)
	if e.colWidth > 0 && ncol > 0 {
		if err := sw.SetColWidth(1, ncol, e.colWidth); err != nil {
			return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
		}
	}
	row := make([]interface{}, ncol)
	for c, name := range t.Names() {
		row[c] = name
	}
	if err := sw.SetRow("A1", row); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: header: %w: %v", contract.ErrInvalidInput, err)
	}
	for r := 0; r < t.Len(); r++ {
		if r%256 == 0 {
			if err := ctx.Err(); err != nil {
				return contract.Artifact{}, err
			}
		}
		for c := range row {
			row[c] = t.Cell(c, r)
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return contract.Artifact{}, fmt.Errorf("exporter: %w: %v", contract.ErrInvalidInput, err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return contract.Artifact{}, fmt.Errorf("exporter: row %d: %w: %v", r, contract.ErrInvalidInput, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return contract.Artifact{}, fmt.Errorf("exporter: %w", err)
	}
	return contract.Artifact{
		Name:   stamp.Name(fileID, ".xlsx", e.clock.Now()),
		Format: contract.FormatXLSX,
		Body:   buf,
	}, nil
}

var _ contract.Exporter = (*Exporter)(nil)

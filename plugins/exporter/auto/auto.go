// Package auto 按输入表格式选择导出器：CSV 进 CSV 出，XLSX 进 XLSX 出。
package auto

import (
	"context"
	"fmt"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/exporter/delimited"
	"llmsheet/plugins/exporter/internal/stamp"
	"llmsheet/plugins/exporter/spreadsheet"
)

type Options struct {
	Delimited   delimited.Options   `json:"delimited"`
	Spreadsheet spreadsheet.Options `json:"spreadsheet"`

	Clock stamp.Clock `json:"-"`
}

type Exporter struct {
	csv  *delimited.Exporter
	xlsx *spreadsheet.Exporter
}

func New(opts *Options) (*Exporter, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Clock != nil {
		o.Delimited.Clock = o.Clock
		o.Spreadsheet.Clock = o.Clock
	}
	d, err := delimited.New(&o.Delimited)
	if err != nil {
		return nil, err
	}
	s, err := spreadsheet.New(&o.Spreadsheet)
	if err != nil {
		return nil, err
	}
	return &Exporter{csv: d, xlsx: s}, nil
}

func (e *Exporter) Export(ctx context.Context, fileID contract.FileID, t contract.Table) (contract.Artifact, error) {
	switch t.Format {
	case contract.FormatXLSX:
		return e.xlsx.Export(ctx, fileID, t)
	case contract.FormatCSV, "":
		return e.csv.Export(ctx, fileID, t)
	}
	return contract.Artifact{}, fmt.Errorf("exporter: %w: unknown table format %q", contract.ErrInvalidInput, t.Format)
}

var _ contract.Exporter = (*Exporter)(nil)

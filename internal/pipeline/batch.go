package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"llmsheet/pkg/contract"
)

// State: 批处理状态机 Idle -> Running -> {Completed, Aborted}。
type State int

const (
	Idle State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RowTransformer: 单行变换；失败由结果状态表达，不返回 error。
type RowTransformer interface {
	Apply(ctx context.Context, fileID contract.FileID, row contract.Row) contract.TransformResult
}

// ProgressFunc 在每行定稿后以 (completed, total) 调用；completed 单调递增。
type ProgressFunc func(completed, total int)

// Summary: 批次的行级统计。
type Summary struct {
	Total    int
	OK       int
	Errors   int
	Skipped  int
	Duration time.Duration
}

// Outcome: 批次完成后的产物。
type Outcome struct {
	Table   contract.Table
	Results []contract.TransformResult
	Summary Summary
	// Dest: 实际写入的列名（覆盖模式下等于源列）。
	Dest string
}

// Batch 顺序处理一个表格；单次使用，不可重入。
// 结果切片只由 Run 所在 goroutine 读写。
type Batch struct {
	cfg      contract.BatchConfig
	rows     RowTransformer
	progress ProgressFunc
	state    State
}

// NewBatch 构造处于 Idle 状态的批次。progress 可为空。
func NewBatch(cfg contract.BatchConfig, rows RowTransformer, progress ProgressFunc) *Batch {
	return &Batch{cfg: cfg, rows: rows, progress: progress}
}

// State 返回当前状态。
func (b *Batch) State() State { return b.state }

// ValidateBatch 在进入 Running 之前校验配置与表格的匹配关系。
// 失败均包裹 ErrConfig。
func ValidateBatch(cfg contract.BatchConfig, t contract.Table) error {
	if strings.TrimSpace(cfg.SourceColumn) == "" {
		return fmt.Errorf("%w: source column not set", contract.ErrConfig)
	}
	if t.Index(cfg.SourceColumn) < 0 {
		return fmt.Errorf("%w: source column %q not found (columns: %s)", contract.ErrConfig, cfg.SourceColumn, strings.Join(t.Names(), ", "))
	}
	if cfg.RowLimit != nil && *cfg.RowLimit < 0 {
		return fmt.Errorf("%w: row_limit must be >= 0, got %d", contract.ErrConfig, *cfg.RowLimit)
	}
	if !cfg.Overwrite {
		if strings.TrimSpace(cfg.DestColumn) == "" {
			return fmt.Errorf("%w: destination column not set", contract.ErrConfig)
		}
		if t.Index(cfg.DestColumn) >= 0 {
			return fmt.Errorf("%w: destination column %q already exists", contract.ErrConfig, cfg.DestColumn)
		}
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return nil
}

// Run 执行整批：校验失败进入 Aborted 且不触碰任何行；
// 否则按行号升序逐行变换，行级失败不终止循环，最后装配输出表。
func (b *Batch) Run(ctx context.Context, fileID contract.FileID, t contract.Table) (Outcome, error) {
	if b.state != Idle {
		return Outcome{}, fmt.Errorf("%w: batch already %s", contract.ErrInvariantViolation, b.state)
	}
	if b.rows == nil {
		b.state = Aborted
		return Outcome{}, fmt.Errorf("%w: row transformer is nil", contract.ErrConfig)
	}
	if err := ValidateBatch(b.cfg, t); err != nil {
		b.state = Aborted
		return Outcome{}, err
	}

	b.state = Running
	start := time.Now()
	src := t.Columns[t.Index(b.cfg.SourceColumn)].Cells
	total := b.cfg.Targeted(len(src))
	results := make([]contract.TransformResult, 0, total)
	sum := Summary{Total: total}
	for i := 0; i < total; i++ {
		res := b.rows.Apply(ctx, fileID, contract.Row{Index: i, Source: src[i]})
		// 结果以分派时的行号与源文本为准
		res.RowIndex = i
		res.Source = src[i]
		switch res.Status {
		case contract.StatusOK:
			sum.OK++
		case contract.StatusSkipped:
			sum.Skipped++
		default:
			res.Status = contract.StatusError
			sum.Errors++
		}
		results = append(results, res)
		if b.progress != nil {
			b.progress(i+1, total)
		}
	}
	sum.Duration = time.Since(start)
	b.state = Completed

	out, dest, err := assemble(t, b.cfg, results)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Table: out, Results: results, Summary: sum, Dest: dest}, nil
}

// assemble 基于原表的深拷贝写入结果，原表不被修改。
// 覆盖模式：成功行与带哨兵的失败行替换源单元格，其余行保持原值；
// 追加模式：新列仅在已处理行填值，其余留空。
func assemble(t contract.Table, cfg contract.BatchConfig, results []contract.TransformResult) (contract.Table, string, error) {
	out := t.Clone()
	if cfg.Overwrite {
		col := out.Columns[out.Index(cfg.SourceColumn)].Cells
		for _, r := range results {
			if r.Status == contract.StatusSkipped || (r.Status == contract.StatusError && r.Output == "") {
				continue
			}
			col[r.RowIndex] = r.Output
		}
		return out, cfg.SourceColumn, nil
	}
	cells := make([]string, out.Len())
	for _, r := range results {
		if r.Status == contract.StatusSkipped {
			continue
		}
		cells[r.RowIndex] = r.Output
	}
	if err := out.AppendColumn(cfg.DestColumn, cells); err != nil {
		return contract.Table{}, "", err
	}
	return out, cfg.DestColumn, nil
}

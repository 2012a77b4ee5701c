package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"llmsheet/internal/detect"
	"llmsheet/internal/diag"
	"llmsheet/internal/prompt"
	"llmsheet/internal/report"
	"llmsheet/internal/transform"
	"llmsheet/pkg/contract"
)

// - 顺序处理：文件按 Reader 顺序，行按行号升序；唯一的挂起点是后端调用（含限流等待）。
// - 行级失败只写入结果，不中断批次；批次开始前的配置错误中止该文件并返回。
// - 工件与报告互不依赖，导出后并行写出，任一失败即返回首错。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Loader        contract.Loader
	PromptBuilder contract.PromptBuilder
	Backend       contract.Backend
	Exporter      contract.Exporter
	Writer        contract.Writer
}

// Settings 运行期配置（一次解析，运行期只读）。
type Settings struct {
	Inputs []string
	// Batch.SourceColumn 为空时逐文件按 Detect 规则猜测。
	Batch           contract.BatchConfig
	DetectPrimary   string
	DetectSecondary string
	OnError         transform.OnError
	// ReportHTML: 额外写出 HTML 对照页。
	ReportHTML bool
	RunID      string
	// MaxTokensPerReq: 单次请求 token 上限；>0 时批次前预估超限行数。
	MaxTokensPerReq int
}

// FileResult: 单文件处理结果，供调用方汇总。
type FileResult struct {
	FileID   contract.FileID
	Artifact string
	Source   string
	Summary  Summary
}

// Run 执行完整流水线：Reader → Loader → (Detect) → Batch(Prompt → Backend) → Exporter → Writer。
// 任一文件出现非行级错误时立即返回该错误，已完成文件的输出保留。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	_, err := RunFiles(ctx, comp, set, logger)
	return err
}

// RunFiles 同 Run，另返回每个已完成文件的统计。
func RunFiles(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]FileResult, error) {
	if err := sanity(comp, set); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	var done []FileResult
	names := map[string]bool{}
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fileID contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		fr, err := runFile(ctx, comp, set, logger, names, fileID, rc)
		if err != nil {
			return err
		}
		done = append(done, fr)
		return nil
	})
	if err != nil {
		return done, err
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("%w: no input files matched %s", contract.ErrInvalidInput, strings.Join(set.Inputs, ", "))
	}
	return done, nil
}

func runFile(ctx context.Context, comp Components, set Settings, logger *diag.Logger, names map[string]bool, fileID contract.FileID, r io.Reader) (FileResult, error) {
	fid := string(fileID)
	fr := FileResult{FileID: fileID}

	lt := logger.StartWith("loader", "load", fid, "")
	tbl, err := comp.Loader.Load(ctx, fileID, r)
	if err != nil {
		failed(logger, "loader", "load failed", fid, err)
		return fr, fmt.Errorf("loader load %s: %w", fid, err)
	}
	lt.Finish("load", int64(tbl.Len()))
	diag.IncOp("loader", "finish", "success")

	cfg, err := resolveColumn(set, tbl)
	if err != nil {
		failed(logger, "detect", "no source column", fid, err)
		return fr, fmt.Errorf("%s: %w", fid, err)
	}
	fr.Source = cfg.SourceColumn
	logger.InfoKV("detect", "source column", map[string]string{
		"file_id":  fid,
		"column":   cfg.SourceColumn,
		"detected": strconv.FormatBool(set.Batch.SourceColumn == ""),
	})

	term := diag.GetTerminal()
	if n := overBudget(comp.PromptBuilder, set.MaxTokensPerReq, cfg, tbl); n > 0 {
		logger.Warn("batch", string(diag.CodeBudget), "rows exceed token budget", fid, "", map[string]string{
			"rows":               strconv.Itoa(n),
			"max_tokens_per_req": strconv.Itoa(set.MaxTokensPerReq),
		})
		term.Hint(fmt.Sprintf("%d 行文本超出 max_tokens_per_req=%d，这些行将写入错误哨兵", n, set.MaxTokensPerReq))
	}
	term.FileStart(fid, cfg.Targeted(tbl.Len()))
	fileStart := time.Now()
	ok := false
	defer func() {
		term.FileFinish(ok, diag.FileStats{
			OK:       fr.Summary.OK,
			Errors:   fr.Summary.Errors,
			Skipped:  fr.Summary.Skipped,
			Artifact: fr.Artifact,
		}, time.Since(fileStart))
	}()

	tally := &tally{inner: &transform.Transformer{
		Prompt:  comp.PromptBuilder,
		Backend: comp.Backend,
		Model:   cfg.Model,
		OnError: set.OnError,
		Logger:  logger,
	}}
	batch := NewBatch(cfg, tally, func(completed, total int) {
		term.RowProgress(completed, total, tally.errs)
	})
	bt := logger.StartWithKV("batch", "run", fid, "", map[string]string{
		"source":    cfg.SourceColumn,
		"overwrite": strconv.FormatBool(cfg.Overwrite),
		"rows":      strconv.Itoa(cfg.Targeted(tbl.Len())),
	})
	out, err := batch.Run(ctx, fileID, tbl)
	if err != nil {
		failed(logger, "batch", "aborted", fid, err)
		return fr, fmt.Errorf("batch %s: %w", fid, err)
	}
	bt.Finish("completed", int64(out.Summary.Total))
	diag.IncOp("batch", "finish", "success")
	diag.ObserveDuration("batch", "run", out.Summary.Duration.Milliseconds())
	fr.Summary = out.Summary
	if tally.conn > 0 && cfg.Provider.Kind == contract.KindLocal {
		term.Hint(fmt.Sprintf("%d 行无法连接本地推理服务（service not running），请先执行 `ollama serve` 并确认模型已拉取", tally.conn))
	}

	et := logger.StartWith("exporter", "export", fid, "")
	art, err := comp.Exporter.Export(ctx, fileID, out.Table)
	if err != nil {
		failed(logger, "exporter", "export failed", fid, err)
		return fr, fmt.Errorf("exporter export %s: %w", fid, err)
	}
	et.Finish("export", int64(out.Table.Len()))
	diag.IncOp("exporter", "finish", "success")
	art.Name = claim(names, art.Name)
	fr.Artifact = art.Name

	meta := report.Meta{
		RunID:    set.RunID,
		FileID:   fileID,
		Artifact: art.Name,
		Source:   cfg.SourceColumn,
		Dest:     out.Dest,
		Model:    cfg.Model,
		Created:  time.Now(),
	}
	if err := writeAll(ctx, comp.Writer, logger, fid, art, meta, out.Results, set.ReportHTML); err != nil {
		return fr, err
	}
	logger.InfoKV("pipeline", "file done", map[string]string{
		"file_id":  fid,
		"artifact": art.Name,
		"ok":       strconv.Itoa(out.Summary.OK),
		"errors":   strconv.Itoa(out.Summary.Errors),
		"skipped":  strconv.Itoa(out.Summary.Skipped),
	})
	ok = true
	return fr, nil
}

// resolveColumn 补全源列：未配置时按列名猜测，猜不到则返回 ErrConfig 并列出可选列。
func resolveColumn(set Settings, t contract.Table) (contract.BatchConfig, error) {
	cfg := set.Batch
	if strings.TrimSpace(cfg.SourceColumn) != "" {
		return cfg, nil
	}
	primary, secondary := set.DetectPrimary, set.DetectSecondary
	if primary == "" {
		primary = detect.DefaultPrimary
	}
	if secondary == "" {
		secondary = detect.DefaultSecondary
	}
	name, ok := detect.Suggest(t.Names(), primary, secondary)
	if !ok {
		return cfg, fmt.Errorf("%w: no column matches %q/%q; choose one of: %s", contract.ErrConfig, primary, secondary, strings.Join(t.Names(), ", "))
	}
	cfg.SourceColumn = name
	return cfg, nil
}

// overBudget 统计待处理行中代入模板后超出单请求预算的行数；表格不合法时返回 0，由批次校验报错。
func overBudget(pb contract.PromptBuilder, max int, cfg contract.BatchConfig, t contract.Table) int {
	if max <= 0 {
		return 0
	}
	col := t.Index(cfg.SourceColumn)
	if col < 0 {
		return 0
	}
	n := 0
	for i := 0; i < cfg.Targeted(t.Len()); i++ {
		if !prompt.CellFits(pb, 0, max, t.Cell(col, i)) {
			n++
		}
	}
	return n
}

// claim 登记本次运行的工件名；重名时在扩展名前追加序号（processed_notes_<ts>-2.csv）。
func claim(names map[string]bool, name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	out := name
	for i := 2; names[out]; i++ {
		out = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	names[out] = true
	return out
}

// writeAll 先渲染报告，再并行写出导出工件、JSONL 报告与可选 HTML 对照页。
func writeAll(ctx context.Context, w contract.Writer, logger *diag.Logger, fid string, art contract.Artifact, meta report.Meta, results []contract.TransformResult, withHTML bool) error {
	var jsonl, page bytes.Buffer
	if err := report.WriteJSONL(&jsonl, meta, results); err != nil {
		return err
	}
	if withHTML {
		if err := report.WriteHTML(&page, meta, results); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	put := func(id string, body io.Reader) {
		g.Go(func() error {
			wt := logger.StartWith("writer", "write", id, "")
			if err := w.Write(gctx, contract.ArtifactID(id), body); err != nil {
				failed(logger, "writer", "write failed", fid, err)
				return fmt.Errorf("writer write %s: %w", id, err)
			}
			wt.Finish("write", 0)
			diag.IncOp("writer", "finish", "success")
			return nil
		})
	}
	put(art.Name, art.Body)
	put(report.JSONLName(art.Name), &jsonl)
	if withHTML {
		put(report.HTMLName(art.Name), &page)
	}
	return g.Wait()
}

// tally 统计行级失败，供进度与提示使用；仅由批次所在 goroutine 访问。
type tally struct {
	inner RowTransformer
	errs  int
	conn  int
}

func (t *tally) Apply(ctx context.Context, fileID contract.FileID, row contract.Row) contract.TransformResult {
	res := t.inner.Apply(ctx, fileID, row)
	if res.Status == contract.StatusError {
		t.errs++
		if isConnection(res) {
			t.conn++
		}
	}
	return res
}

// isConnection 依据错误详情判断（ErrConnection 总以 %w 包裹，文本随之保留）。
func isConnection(res contract.TransformResult) bool {
	return strings.Contains(res.ErrorDetail, contract.ErrConnection.Error())
}

func failed(logger *diag.Logger, comp, msg, fid string, err error) {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), msg, nil, fid, "", map[string]string{"error": err.Error()})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Loader == nil || c.PromptBuilder == nil || c.Backend == nil || c.Exporter == nil || c.Writer == nil {
		return errors.New("nil component")
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", contract.ErrConfig)
	}
	if s.Batch.RowLimit != nil && *s.Batch.RowLimit < 0 {
		return fmt.Errorf("%w: row_limit must be >= 0", contract.ErrConfig)
	}
	return nil
}

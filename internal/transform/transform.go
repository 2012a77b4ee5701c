// Package transform 实现单行变换：空文本跳过，否则渲染提示词并调用一次后端。
package transform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"llmsheet/internal/diag"
	"llmsheet/pkg/contract"
)

// OnError 决定失败行的单元格内容。
type OnError string

const (
	// OnErrorSentinel: 单元格写入 "Error: ..." 哨兵文本（默认）。
	OnErrorSentinel OnError = "sentinel"
	// OnErrorBlank: 单元格留空，状态仅见于报告。
	OnErrorBlank OnError = "blank"
)

// ParseOnError 解析配置值；空串视为 sentinel。
func ParseOnError(s string) (OnError, error) {
	switch OnError(strings.ToLower(strings.TrimSpace(s))) {
	case "", OnErrorSentinel:
		return OnErrorSentinel, nil
	case OnErrorBlank:
		return OnErrorBlank, nil
	default:
		return "", fmt.Errorf("%w: on_error must be sentinel|blank, got %q", contract.ErrConfig, s)
	}
}

// Transformer 持有单行变换所需的全部协作者；构造后只读。
type Transformer struct {
	Prompt  contract.PromptBuilder
	Backend contract.Backend
	Model   string
	OnError OnError
	Logger  *diag.Logger
}

// Apply 处理一行并返回定稿的结果。失败只影响本行，不返回 error。
func (t *Transformer) Apply(ctx context.Context, fileID contract.FileID, row contract.Row) contract.TransformResult {
	res := contract.TransformResult{RowIndex: row.Index, Source: row.Source}
	if strings.TrimSpace(row.Source) == "" {
		res.Status = contract.StatusSkipped
		diag.IncOp("row", "transform", string(res.Status))
		return res
	}

	rowID := diag.RowID(row.Index)
	p, err := t.Prompt.Build(ctx, row.Source)
	if err != nil {
		return t.fail(res, fmt.Errorf("build prompt: %w", err), string(fileID), rowID, 0)
	}

	t.Logger.DebugStart("backend", "generate", string(fileID), rowID, map[string]string{
		"model":        t.Model,
		"prompt_bytes": strconv.Itoa(len(p)),
	})
	start := time.Now()
	raw, err := t.Backend.Generate(ctx, p, t.Model)
	dur := time.Since(start)
	diag.ObserveDuration("backend", "generate", dur.Milliseconds())
	if err != nil {
		diag.IncOp("backend", "generate", "error")
		return t.fail(res, err, string(fileID), rowID, dur)
	}
	diag.IncOp("backend", "generate", "ok")
	diag.IncOp("row", "transform", string(contract.StatusOK))
	res.Status = contract.StatusOK
	res.Output = raw.Text
	return res
}

func (t *Transformer) fail(res contract.TransformResult, err error, fileID, rowID string, dur time.Duration) contract.TransformResult {
	code := diag.Classify(err)
	diag.IncError("row", string(code))
	diag.IncOp("row", "transform", string(contract.StatusError))

	kv := map[string]string{"error": err.Error(), "dur_ms": strconv.FormatInt(dur.Milliseconds(), 10)}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
	}
	t.Logger.Warn("backend", string(code), "row failed", fileID, rowID, kv)

	res.Status = contract.StatusError
	res.ErrorDetail = err.Error()
	if t.OnError != OnErrorBlank {
		res.Output = contract.ErrorCell(err)
	}
	return res
}

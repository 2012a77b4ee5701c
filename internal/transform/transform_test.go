package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmsheet/internal/diag"
	"llmsheet/pkg/contract"
)

type slotPrompt struct{ err error }

func (p slotPrompt) Build(ctx context.Context, text string) (contract.Prompt, error) {
	if p.err != nil {
		return "", p.err
	}
	return contract.Prompt("Clean:\n" + text), nil
}
func (slotPrompt) EstimateOverheadTokens(e contract.TokenEstimator) int { return 0 }

type stubBackend struct {
	calls   int
	prompts []contract.Prompt
	models  []string
	out     string
	err     error
}

func (b *stubBackend) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	b.calls++
	b.prompts = append(b.prompts, p)
	b.models = append(b.models, model)
	return contract.Raw{Text: b.out}, b.err
}

// UT-TRF-01: 空白文本跳过，不调用后端
func TestSkipBlank(t *testing.T) {
	for _, src := range []string{"", "   ", "\t\n"} {
		be := &stubBackend{}
		tr := &Transformer{Prompt: slotPrompt{}, Backend: be, Model: "m"}
		res := tr.Apply(context.Background(), "f.csv", contract.Row{Index: 3, Source: src})
		assert.Equal(t, contract.StatusSkipped, res.Status)
		assert.Equal(t, "", res.Output)
		assert.Equal(t, 3, res.RowIndex)
		assert.Equal(t, 0, be.calls)
	}
}

// UT-TRF-02: 成功时输出为后端文本原样
func TestSuccessVerbatim(t *testing.T) {
	out := "## Issue\nLate delivery\n\n## Action\n- refund  "
	be := &stubBackend{out: out}
	tr := &Transformer{Prompt: slotPrompt{}, Backend: be, Model: "llama2"}
	res := tr.Apply(context.Background(), "f.csv", contract.Row{Index: 0, Source: "34652 Delivery Locc Unsafe..."})
	assert.Equal(t, contract.StatusOK, res.Status)
	assert.Equal(t, out, res.Output)
	assert.Equal(t, "34652 Delivery Locc Unsafe...", res.Source)
	require.Equal(t, 1, be.calls)
	assert.Equal(t, contract.Prompt("Clean:\n34652 Delivery Locc Unsafe..."), be.prompts[0])
	assert.Equal(t, "llama2", be.models[0])
}

// UT-TRF-03: 失败映射为哨兵单元格，状态 error
func TestFailureSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("ollama: %w", contract.ErrTimeout), "Error: Request timed out"},
		{contract.NewHTTPError(401, "invalid api key"), "Error: HTTP 401: invalid api key"},
		{contract.NewHTTPError(500, ""), "Error: HTTP 500"},
		{errors.New("boom"), "Error: boom"},
	}
	for _, c := range cases {
		be := &stubBackend{err: c.err}
		tr := &Transformer{Prompt: slotPrompt{}, Backend: be}
		res := tr.Apply(context.Background(), "f.csv", contract.Row{Index: 1, Source: "x"})
		assert.Equal(t, contract.StatusError, res.Status)
		assert.Equal(t, c.want, res.Output)
		assert.True(t, contract.IsErrorCell(res.Output))
		assert.Equal(t, c.err.Error(), res.ErrorDetail)
		assert.Equal(t, 1, be.calls)
	}
}

// UT-TRF-04: 连接失败提示服务未运行
func TestConnectionSentinel(t *testing.T) {
	be := &stubBackend{err: fmt.Errorf("ollama: %w: dial tcp: connection refused", contract.ErrConnection)}
	tr := &Transformer{Prompt: slotPrompt{}, Backend: be}
	res := tr.Apply(context.Background(), "f.csv", contract.Row{Source: "x"})
	assert.Contains(t, res.Output, "Error: service not running (")
}

// UT-TRF-05: on_error=blank 时单元格留空，状态与细节保留
func TestFailureBlank(t *testing.T) {
	be := &stubBackend{err: contract.NewHTTPError(429, "slow down")}
	tr := &Transformer{Prompt: slotPrompt{}, Backend: be, OnError: OnErrorBlank}
	res := tr.Apply(context.Background(), "f.csv", contract.Row{Source: "x"})
	assert.Equal(t, contract.StatusError, res.Status)
	assert.Equal(t, "", res.Output)
	assert.Contains(t, res.ErrorDetail, "429")
}

// UT-TRF-06: 提示词构造失败不调用后端
func TestPromptError(t *testing.T) {
	be := &stubBackend{}
	tr := &Transformer{Prompt: slotPrompt{err: contract.ErrInvalidInput}, Backend: be}
	res := tr.Apply(context.Background(), "f.csv", contract.Row{Source: "x"})
	assert.Equal(t, contract.StatusError, res.Status)
	assert.Equal(t, 0, be.calls)
	assert.True(t, contract.IsErrorCell(res.Output))
}

// UT-TRF-07: 指标按行状态累加
func TestMetrics(t *testing.T) {
	diag.ResetMetrics()
	t.Cleanup(diag.ResetMetrics)
	tr := &Transformer{Prompt: slotPrompt{}, Backend: &stubBackend{out: "ok"}}
	tr.Apply(context.Background(), "f", contract.Row{Source: "a"})
	tr.Apply(context.Background(), "f", contract.Row{Source: ""})
	snap := diag.Snapshot()
	assert.Equal(t, int64(1), snap["op_total.row.transform.ok"])
	assert.Equal(t, int64(1), snap["op_total.row.transform.skipped"])
	assert.Equal(t, int64(1), snap["op_total.backend.generate.ok"])
}

func TestParseOnError(t *testing.T) {
	v, err := ParseOnError("")
	require.NoError(t, err)
	assert.Equal(t, OnErrorSentinel, v)
	v, err = ParseOnError(" Blank ")
	require.NoError(t, err)
	assert.Equal(t, OnErrorBlank, v)
	_, err = ParseOnError("drop")
	assert.ErrorIs(t, err, contract.ErrConfig)
}

package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmsheet/pkg/contract"
)

func sampleResults() []contract.TransformResult {
	return []contract.TransformResult{
		{RowIndex: 0, Source: "34652 Delivery Locc Unsafe", Output: "## Summary\nUnsafe location", Status: contract.StatusOK},
		{RowIndex: 1, Source: "  ", Status: contract.StatusSkipped},
		{RowIndex: 2, Source: "<b>late</b>", Output: "Error: Request timed out", Status: contract.StatusError, ErrorDetail: "request timed out"},
	}
}

// UT-RPT-01: JSONL 每行一条，携带 run_id/file_id 与状态
func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, Meta{RunID: "r1", FileID: "in/a.csv"}, sampleResults()))

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "每行应为合法 JSON")
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "r1", lines[0]["run_id"])
	assert.Equal(t, "in/a.csv", lines[0]["file_id"])
	assert.Equal(t, "ok", lines[0]["status"])
	assert.Equal(t, float64(2), lines[2]["row"])
	assert.Equal(t, "request timed out", lines[2]["error"])
	_, hasErr := lines[0]["error"]
	assert.False(t, hasErr, "成功行不应携带 error 字段")
}

// UT-RPT-02: HTML 渲染 Markdown 输出，源文本转义
func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	m := Meta{RunID: "r1", Artifact: "processed_a_20250101-000000.csv", Source: "Agent Notes", Dest: "agent_notes_processed", Model: "llama2"}
	require.NoError(t, WriteHTML(&buf, m, sampleResults()))
	out := buf.String()

	assert.Contains(t, out, "Summary</h2>")
	assert.Contains(t, out, "&lt;b&gt;late&lt;/b&gt;", "源文本应被转义")
	assert.NotContains(t, out, "<b>late</b>")
	assert.Contains(t, out, "Error: Request timed out")
	assert.Contains(t, out, "ok 1 | error 1 | skipped 1")
}

// UT-RPT-03: 模型输出中的原始 HTML 被丢弃
func TestRenderMarkdownSkipsHTML(t *testing.T) {
	got := RenderMarkdown("**bold** <script>alert(1)</script>")
	assert.Contains(t, got, "<strong>bold</strong>")
	assert.False(t, strings.Contains(got, "<script>"))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "x.csv.report.jsonl", JSONLName("x.csv"))
	assert.Equal(t, "x.csv.html", HTMLName("x.csv"))
}

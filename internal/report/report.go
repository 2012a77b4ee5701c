// Package report 输出逐行结果报告：JSONL 明细与可选的 HTML 前后对照页。
package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"llmsheet/pkg/contract"
)

// Meta: 报告的运行上下文。
type Meta struct {
	RunID    string
	FileID   contract.FileID
	Artifact string
	Source   string
	Dest     string
	Model    string
	Created  time.Time
}

// JSONLName 返回与导出工件并列的 JSONL 报告名。
func JSONLName(artifact string) string { return artifact + ".report.jsonl" }

// HTMLName 返回与导出工件并列的 HTML 对照页名。
func HTMLName(artifact string) string { return artifact + ".html" }

type line struct {
	RunID  string `json:"run_id"`
	FileID string `json:"file_id"`
	contract.TransformResult
}

// WriteJSONL 每个已处理行写一行 JSON，顺序与行号一致。
func WriteJSONL(w io.Writer, m Meta, results []contract.TransformResult) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(line{RunID: m.RunID, FileID: string(m.FileID), TransformResult: r}); err != nil {
			return fmt.Errorf("report: encode row %d: %w", r.RowIndex, err)
		}
	}
	return nil
}

// RenderMarkdown 将模型输出渲染为 HTML；原始 HTML 被丢弃。
// parser 不可复用，每次调用新建。
func RenderMarkdown(s string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.NoEmptyLineBeforeBlock)
	r := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.SkipHTML})
	return string(markdown.ToHTML([]byte(s), p, r))
}

type row struct {
	Index  int
	Status string
	Source string
	Output template.HTML
	Raw    string
	Detail string
}

type page struct {
	Meta
	Stamp string
	Rows  []row
	OK    int
	Err   int
	Skip  int
}

var pageTpl = template.Must(template.New("report").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Artifact}}</title>
<style>
body{font-family:sans-serif;margin:2em}
table{border-collapse:collapse;width:100%}
td,th{border:1px solid #ccc;padding:.5em;vertical-align:top;text-align:left}
td.src{white-space:pre-wrap;width:40%}
tr.error td{background:#fdecea}
tr.skipped td{color:#888}
</style></head><body>
<h1>{{.Artifact}}</h1>
<p>run {{.RunID}} | {{.Source}} &rarr; {{.Dest}} | model {{.Model}} | {{.Stamp}}</p>
<p>ok {{.OK}} | error {{.Err}} | skipped {{.Skip}}</p>
<table><thead><tr><th>#</th><th>status</th><th>source</th><th>output</th></tr></thead><tbody>
{{range .Rows}}<tr class="{{.Status}}"><td>{{.Index}}</td><td>{{.Status}}</td><td class="src">{{.Source}}</td><td>{{if .Detail}}<code>{{.Raw}}</code><br><small>{{.Detail}}</small>{{else}}{{.Output}}{{end}}</td></tr>
{{end}}</tbody></table>
</body></html>
`))

// WriteHTML 输出前后对照页：源文本原样转义，成功输出按 Markdown 渲染，失败行显示哨兵与原因。
func WriteHTML(w io.Writer, m Meta, results []contract.TransformResult) error {
	pg := page{Meta: m, Rows: make([]row, 0, len(results))}
	if !m.Created.IsZero() {
		pg.Stamp = m.Created.Format(time.RFC3339)
	}
	for _, r := range results {
		rw := row{Index: r.RowIndex + 1, Status: string(r.Status), Source: r.Source}
		switch r.Status {
		case contract.StatusOK:
			pg.OK++
			rw.Output = template.HTML(RenderMarkdown(r.Output))
		case contract.StatusError:
			pg.Err++
			rw.Raw = strings.TrimSpace(r.Output)
			rw.Detail = r.ErrorDetail
			if rw.Detail == "" {
				rw.Detail = "error"
			}
		default:
			pg.Skip++
		}
		pg.Rows = append(pg.Rows, rw)
	}
	if err := pageTpl.Execute(w, pg); err != nil {
		return fmt.Errorf("report: render html: %w", err)
	}
	return nil
}

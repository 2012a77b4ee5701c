package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "llmsheet/internal/config"
	"llmsheet/internal/diag"
	"llmsheet/internal/pipeline"
	"llmsheet/pkg/contract"
)

const notesCSV = "Order ID,Agent Notes,Date\n" +
	"34652,34652 Delivery Locc Unsafe... cust says porch flooded,2024-03-02\n" +
	"34653,,2024-03-02\n" +
	"34654,pkg dmgd on arrival; refund req,2024-03-03\n"

// exec 在临时工作目录中执行 CLI，返回退出码与输出。
func exec(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := execute(args, &out, &errb)
	return code, out.String(), errb.String()
}

func stubRun(t *testing.T, err error) *pipeline.Settings {
	t.Helper()
	got := &pipeline.Settings{}
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		*got = set
		return err
	}
	t.Cleanup(func() { pipelineRun = orig })
	return got
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// UT-CLI-01: init-config 生成模板；再次执行不覆盖
func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	out := filepath.Join(dir, "conf")

	code, stdout, _ := exec(t, "init-config", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "config.json")
	b, err := os.ReadFile(filepath.Join(out, "config.json"))
	require.NoError(t, err)
	_, err = cfgpkg.LoadJSON("", b)
	assert.NoError(t, err, "生成的模板应能被严格解析")
	env, err := os.ReadFile(filepath.Join(out, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "LLM_SHEET_ROW_LIMIT=")

	writeFile(t, out, "config.json", "{}")
	code, stdout, _ = exec(t, "init-config", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "已存在，跳过")
	b, _ = os.ReadFile(filepath.Join(out, "config.json"))
	assert.Equal(t, "{}", string(b))
}

// UT-CLI-02: CLI 旗标覆盖 JSON 配置并传入流水线
func TestRunFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := cfgpkg.DefaultTemplateConfig()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv("LLM_SHEET_CONFIG_JSON", string(b))
	got := stubRun(t, nil)

	code, _, stderr := exec(t, "--status=false", "--llm", "mock", "--model", "m1",
		"-c", "Agent Notes", "--overwrite", "--rows", "3", "--on-error", "blank", "in.csv")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, []string{"in.csv"}, got.Inputs)
	assert.Equal(t, "Agent Notes", got.Batch.SourceColumn)
	assert.True(t, got.Batch.Overwrite)
	require.NotNil(t, got.Batch.RowLimit)
	assert.Equal(t, 3, *got.Batch.RowLimit)
	assert.Equal(t, "m1", got.Batch.Model)
	assert.Equal(t, "mock", got.Batch.Provider.Name)
	assert.EqualValues(t, "blank", got.OnError)
	assert.True(t, got.ReportHTML, "模板默认开启 HTML")
	assert.NotEmpty(t, got.RunID)
}

// UT-CLI-03: run 子命令与 --all
func TestRunSubcommandAll(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LLM_SHEET_PROVIDER__mock__CLIENT", "mock")
	got := stubRun(t, nil)
	code, _, stderr := exec(t, "run", "--status=false", "--llm", "mock", "--all", "x.csv")
	require.Equal(t, 0, code, stderr)
	assert.Nil(t, got.Batch.RowLimit)
	assert.Equal(t, cfgpkg.DefaultDestColumn, got.Batch.DestColumn)
}

// UT-CLI-10: 显式 --overwrite=false / --all=false / --html=false 覆盖配置文件中的 true
func TestRunFlagsSwitchOff(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Overwrite = true
	cfg.AllRows = true
	cfg.Report.HTML = true
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	writeFile(t, dir, "config.json", string(b))
	got := stubRun(t, nil)

	code, _, stderr := exec(t, "--status=false", "--llm", "mock", "in.csv")
	require.Equal(t, 0, code, stderr)
	assert.True(t, got.Batch.Overwrite)
	assert.Nil(t, got.Batch.RowLimit)
	assert.True(t, got.ReportHTML)

	code, _, stderr = exec(t, "--status=false", "--llm", "mock", "--overwrite=false", "--all=false", "--html=false", "in.csv")
	require.Equal(t, 0, code, stderr)
	assert.False(t, got.Batch.Overwrite)
	require.NotNil(t, got.Batch.RowLimit)
	assert.Equal(t, cfgpkg.DefaultRowLimit, *got.Batch.RowLimit)
	assert.False(t, got.ReportHTML)
}

// UT-CLI-04: 配置错误退出码 3
func TestRunConfigErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	stubRun(t, nil)
	cases := [][]string{
		{"--config", "missing.json", "a.csv"},
		{"--on-error", "explode", "a.csv"},
		{"--rows", "-1", "a.csv"},
		{"--llm", "nope", "a.csv"},
		{},
	}
	for _, args := range cases {
		code, _, _ := exec(t, append([]string{"--status=false"}, args...)...)
		assert.Equal(t, 3, code, "args=%v", args)
	}

	t.Setenv("LLM_SHEET_ROW_LIMIT", "ten")
	code, _, stderr := exec(t, "--status=false", "a.csv")
	assert.Equal(t, 3, code)
	assert.Contains(t, stderr, "LLM_SHEET_ROW_LIMIT")
}

// UT-CLI-05: 运行期失败退出码 1；批次配置错误退出码 3
func TestRunPipelineErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	stubRun(t, errors.New("boom"))
	code, _, stderr := exec(t, "--status=false", "a.csv")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "boom")

	stubRun(t, fmt.Errorf("batch f: %w: source column missing", contract.ErrConfig))
	code, _, _ = exec(t, "--status=false", "a.csv")
	assert.Equal(t, 3, code)
}

// UT-CLI-06: 端到端：mock 后端处理 CSV，输出带时间戳的工件与报告
func TestRunEndToEndMock(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	in := writeFile(t, dir, "notes.csv", notesCSV)
	t.Setenv("LLM_SHEET_PROVIDER__mock__CLIENT", "mock")
	t.Setenv("LLM_SHEET_PROVIDER__mock__OPTIONS_JSON", `{"response_mode":"fixed","response":"cleaned"}`)

	code, _, stderr := exec(t, "--status=false", "--llm", "mock", "--all", "--html", "-o", "result", in)
	require.Equal(t, 0, code, stderr)

	arts, err := filepath.Glob(filepath.Join(dir, "result", "processed_notes_*.csv"))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	b, err := os.ReadFile(arts[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Order ID,Agent Notes,Date,"+cfgpkg.DefaultDestColumn, lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",cleaned"))
	assert.True(t, strings.HasSuffix(lines[2], ","), "空备注行不处理")
	for _, ext := range []string{".report.jsonl", ".html"} {
		_, err := os.Stat(arts[0] + ext)
		assert.NoError(t, err, ext)
	}
}

// UT-CLI-07: detect 列出列名并标记推荐列
func TestDetect(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	in := writeFile(t, dir, "notes.csv", notesCSV)
	code, stdout, stderr := exec(t, "detect", in)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "rows: 3")
	assert.Contains(t, stdout, "* 2. Agent Notes")
	assert.Contains(t, stdout, "sample: 34652 Delivery Locc Unsafe")

	other := writeFile(t, dir, "other.csv", "id,body\n1,x\n")
	code, stdout, _ = exec(t, "detect", other)
	assert.Equal(t, 3, code)
	assert.Contains(t, stdout, "  2. body")
}

// UT-CLI-08: status/models：mock 就绪；本地服务不可达时提示 ollama serve
func TestStatusAndModels(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LLM_SHEET_PROVIDER__mock__CLIENT", "mock")
	code, stdout, _ := exec(t, "status", "--llm", "mock")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "mock: ready (model mock)")

	code, stdout, _ = exec(t, "models", "--llm", "mock")
	require.Equal(t, 0, code)
	assert.Equal(t, "mock\n", stdout)

	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	t.Setenv("LLM_SHEET_PROVIDER__ollama__OPTIONS_JSON", fmt.Sprintf(`{"base_url":%q}`, url))
	code, stdout, _ = exec(t, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "service not running")
	assert.Contains(t, stdout, "ollama serve")
}

// UT-CLI-09: .env 注入环境变量，已有变量优先
func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LLM_SHEET_LLM", "mock")
	writeFile(t, dir, ".env", "LLM_SHEET_LLM=openai\nLLM_SHEET_PROVIDER__mock__CLIENT=mock\n")
	t.Cleanup(func() { os.Unsetenv("LLM_SHEET_PROVIDER__mock__CLIENT") })

	code, stdout, stderr := exec(t, "status")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "mock: ready")
}

func TestWithOutputDir(t *testing.T) {
	raw, err := withOutputDir(json.RawMessage(`{"atomic":true,"output_dir":"out"}`), "res/x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"atomic":true,"output_dir":"res/x"}`, string(raw))

	raw, err = withOutputDir(nil, "o")
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_dir":"o"}`, string(raw))

	_, err = withOutputDir(json.RawMessage(`[1]`), "o")
	assert.ErrorIs(t, err, contract.ErrConfig)
}

func TestRedactConfig(t *testing.T) {
	cfg := cfgpkg.Defaults()
	cfg.Provider = map[string]cfgpkg.Provider{"openai": {Client: "openai", Options: json.RawMessage(`{"api_key":"sk-secret","model":"m"}`)}}
	var buf bytes.Buffer
	require.NoError(t, dumpConfig(&buf, cfg))
	assert.NotContains(t, buf.String(), "sk-secret")
	assert.Contains(t, buf.String(), "***")
	assert.Contains(t, string(cfg.Provider["openai"].Options), "sk-secret", "原配置不应被修改")
}

func TestSample(t *testing.T) {
	assert.Equal(t, "a b", sample(" a\n b ", 10))
	assert.Equal(t, "abc…", sample("abcdef", 3))
}

package testdata

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	cfgpkg "llmsheet/internal/config"
	"llmsheet/internal/pipeline"
	"llmsheet/internal/report"
)

// baseConfig 构造以 fs 读写、mock 后端运行的最小配置。
func baseConfig(input, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.AllRows = true
	cfg.Report.HTML = false
	cfg.Logging.Level = "error"
	cfg.LLM = "mock"
	cfg.Provider = map[string]cfgpkg.Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"prefix":"DEBUG","marker":"Original messy text:\n"}`),
		},
	}
	cfg.Options.PromptBuilder = nil
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":false}`, outDir))
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config) ([]pipeline.FileResult, error) {
	t.Helper()
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.RunFiles(context.Background(), comp, set, nil)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

func TestE2ECSV(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig("notes.csv", outDir)
	cfg.Report.HTML = true
	res, err := runPipeline(t, cfg)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, strings.HasPrefix(res[0].Artifact, "processed_notes_"))
	assert.True(t, strings.HasSuffix(res[0].Artifact, ".csv"))

	recs := readCSV(t, filepath.Join(outDir, res[0].Artifact))
	require.Len(t, recs, 4)
	assert.Equal(t, []string{"Order ID", "Agent Notes", "Date", cfgpkg.DefaultDestColumn}, recs[0])
	assert.Equal(t, "DEBUG: 34652 Delivery Locc Unsafe... cust says porch flooded, leave w/ neighbour??", recs[1][3])
	assert.Equal(t, "", recs[2][3])
	assert.Equal(t, "DEBUG: pkg dmgd on arrival; refund req", recs[3][3])
	assert.Equal(t, "pkg dmgd on arrival; refund req", recs[3][1], "源列保持不变")

	jsonl, err := os.ReadFile(filepath.Join(outDir, report.JSONLName(res[0].Artifact)))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(jsonl), "\n"))
	_, err = os.Stat(filepath.Join(outDir, report.HTMLName(res[0].Artifact)))
	assert.NoError(t, err)
}

func TestE2EXLSXOverwrite(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "calls.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Ticket", "Call Notes"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"T-1", "cust angry, pkg late"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"T-2", ""}))
	require.NoError(t, f.SaveAs(in))
	require.NoError(t, f.Close())

	outDir := filepath.Join(dir, "out")
	cfg := baseConfig(in, outDir)
	cfg.Overwrite = true
	res, err := runPipeline(t, cfg)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Call Notes", res[0].Source, "按 note 关键字识别")
	assert.True(t, strings.HasSuffix(res[0].Artifact, ".xlsx"))

	out, err := excelize.OpenFile(filepath.Join(outDir, res[0].Artifact))
	require.NoError(t, err)
	defer out.Close()
	rows, err := out.GetRows("Processed Data")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2)
	assert.Equal(t, []string{"Ticket", "Call Notes"}, rows[0])
	assert.Equal(t, []string{"T-1", "DEBUG: cust angry, pkg late"}, rows[1])
}

// 行级失败写入哨兵，其余行照常处理
func TestE2ERowFailure(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig("notes.csv", outDir)
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{
		Client:  "flaky",
		Options: json.RawMessage(fmt.Sprintf(`{"prefix":"FLAKY","fail_on":[1],"kind":"http","status":401,"log_path":%q}`, logPath)),
	}
	res, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res[0].Summary.Errors)
	assert.Equal(t, 1, res[0].Summary.OK)
	assert.Equal(t, 1, res[0].Summary.Skipped)

	recs := readCSV(t, filepath.Join(outDir, res[0].Artifact))
	assert.Equal(t, "Error: HTTP 401: flaky upstream", recs[1][3])
	assert.True(t, strings.HasPrefix(recs[3][3], "FLAKY: "))

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"http", "ok"}, strings.Split(strings.TrimSpace(string(logData)), "\n"), "每行只调用一次，不重试")
}

func TestE2ERowLimit(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig("notes.csv", outDir)
	cfg.AllRows = false
	n := 1
	cfg.RowLimit = &n
	cfg.DestColumn = "clean"
	res, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res[0].Summary.Total)

	recs := readCSV(t, filepath.Join(outDir, res[0].Artifact))
	assert.Equal(t, "clean", recs[0][3])
	assert.True(t, strings.HasPrefix(recs[1][3], "DEBUG: 34652"))
	assert.Equal(t, "", recs[3][3], "超出行数的行不处理")
}

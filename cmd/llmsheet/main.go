package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "llmsheet/internal/config"
	"llmsheet/internal/detect"
	"llmsheet/internal/diag"
	"llmsheet/internal/pipeline"
	"llmsheet/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行失败；3 配置错误。
const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 3
)

// exitError 携带退出码；其余 error 按分类映射。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run())
}

func run() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

// flags 汇总 CLI 覆盖项；仅显式设置的旗标参与合并。
type flags struct {
	config    string
	llm       string
	model     string
	column    string
	dest      string
	overwrite bool
	rows      int
	all       bool
	onError   string
	out       string
	html      bool
	logLevel  string
	console   bool
	status    bool
}

func execute(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（已有环境变量优先）。
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	root := newRootCmd(&flags{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "%v\n", err)
	}
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, contract.ErrConfig):
		return exitConfig
	default:
		return exitFail
	}
}

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "llmsheet [files|dirs|-]",
		Short:         "逐行调用 LLM 整理表格（CSV/XLSX）中的文本列",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, f, args)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	pf.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.StringVar(&f.model, "model", "", "模型名（覆盖配置）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error")
	pf.BoolVar(&f.console, "log-console", false, "同时在 stderr 输出可读日志")
	pf.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	addRunFlags(root, f)
	runCmd := &cobra.Command{
		Use:   "run [files|dirs|-]",
		Short: "处理输入表格（默认命令）",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, f, args)
		},
	}
	addRunFlags(runCmd, f)

	root.AddCommand(runCmd, newDetectCmd(f), newStatusCmd(f), newModelsCmd(f), newInitCmd())
	return root
}

func addRunFlags(cmd *cobra.Command, f *flags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.column, "column", "c", "", "源列名；缺省按列名自动识别")
	fl.StringVar(&f.dest, "dest", "", "追加模式下的新列名")
	fl.BoolVar(&f.overwrite, "overwrite", false, "用结果覆盖源列")
	fl.IntVarP(&f.rows, "rows", "n", 0, "仅处理前 N 行")
	fl.BoolVar(&f.all, "all", false, "处理全部行")
	fl.StringVar(&f.onError, "on-error", "", "失败行单元格：sentinel|blank")
	fl.StringVarP(&f.out, "out", "o", "", "输出目录（fs writer）")
	fl.BoolVar(&f.html, "html", false, "额外写出 HTML 对照页")
}

// loadConfig 按 Defaults → JSON → ENV → CLI 合并；不做校验。
func loadConfig(cmd *cobra.Command, f *flags, roots []string) (cfgpkg.Config, error) {
	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	var raw []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		raw = []byte(s)
	}
	if path == "" && len(raw) == 0 {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadJSON(path, raw)
		if err != nil {
			return cfg, fail(exitConfig, "配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fail(exitConfig, "环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	var over cfgpkg.Config
	over.Inputs = roots
	over.LLM = f.llm
	over.Model = f.model
	over.Logging.Level = f.logLevel
	fl := cmd.Flags()
	over.Logging.Console = f.console
	over.Off.Console = fl.Changed("log-console") && !f.console
	if fl.Lookup("column") != nil {
		over.SourceColumn = f.column
		over.DestColumn = f.dest
		over.Overwrite = f.overwrite
		over.OnError = f.onError
		over.AllRows = f.all
		over.Report.HTML = f.html
		over.Off = cfgpkg.Switches{
			Overwrite: fl.Changed("overwrite") && !f.overwrite,
			AllRows:   fl.Changed("all") && !f.all,
			Console:   over.Off.Console,
			HTML:      fl.Changed("html") && !f.html,
		}
		if fl.Changed("rows") {
			n := f.rows
			over.RowLimit = &n
		}
	}
	cfg = cfgpkg.Merge(cfg, over)

	if dir := strings.TrimSpace(f.out); dir != "" {
		w, err := withOutputDir(cfg.Options.Writer, dir)
		if err != nil {
			return cfg, fail(exitConfig, "--out: %w", err)
		}
		cfg.Options.Writer = w
	}
	return cfg, nil
}

// withOutputDir 在 writer options 中设置 output_dir，其余键保持不变。
func withOutputDir(raw json.RawMessage, dir string) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: writer options: %v", contract.ErrConfig, err)
		}
	}
	v, err := json.Marshal(dir)
	if err != nil {
		return nil, err
	}
	m["output_dir"] = v
	return json.Marshal(m)
}

func newLogger(runID string, cfg cfgpkg.Config, stderr io.Writer) *diag.Logger {
	o := diag.Options{Level: cfg.Logging.Level, Dir: cfg.Logging.Dir}
	if cfg.Logging.Console {
		o.Console = stderr
	}
	return diag.NewLoggerWith(runID, o)
}

func runPipeline(cmd *cobra.Command, f *flags, roots []string) error {
	start := time.Now()
	runID := uuid.NewString()
	stderr := cmd.ErrOrStderr()

	cfg, err := loadConfig(cmd, f, roots)
	if err != nil {
		return err
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(stderr, cfg)
		return fail(exitConfig, "配置校验失败: %w", err)
	}

	logger := newLogger(runID, cfg, stderr)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg); err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return fail(exitConfig, "输出目录不可写或无法创建: %w", err)
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return fail(exitConfig, "装配失败: %w", err)
	}
	set.RunID = runID

	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.LLM, set.Batch.Model)

	prov := set.Batch.Provider.Redacted()
	logger.DebugStart("config", "effective", "", "", map[string]string{
		"inputs_count":   strconv.Itoa(len(set.Inputs)),
		"llm":            prov.Name,
		"kind":           string(prov.Kind),
		"endpoint":       prov.Endpoint,
		"credential":     prov.Credential,
		"model":          set.Batch.Model,
		"source_column":  set.Batch.SourceColumn,
		"overwrite":      strconv.FormatBool(set.Batch.Overwrite),
		"row_limit":      rowLimitKV(set.Batch.RowLimit),
		"on_error":       string(set.OnError),
		"reader":         cfg.Components.Reader,
		"loader":         cfg.Components.Loader,
		"prompt_builder": cfg.Components.PromptBuilder,
		"exporter":       cfg.Components.Exporter,
		"writer":         cfg.Components.Writer,
	})

	t := logger.Start("pipeline", "run")
	err = pipelineRun(cmd.Context(), comp, set, logger)
	logger.InfoKV("metrics", "snapshot", diag.SnapshotKV())
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, time.Since(start))
		if errors.Is(err, contract.ErrConfig) {
			return fail(exitConfig, "运行失败: %w", err)
		}
		return fail(exitFail, "运行失败: %w", err)
	}
	t.Finish("run", 0)
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return nil
}

func rowLimitKV(n *int) string {
	if n == nil {
		return "all"
	}
	return strconv.Itoa(*n)
}

func newDetectCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <file>",
		Short: "列出表格列名、推荐的源列与首行示例",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f, nil)
			if err != nil {
				return err
			}
			r, l, err := cfgpkg.AssembleInput(cfg)
			if err != nil {
				return fail(exitConfig, "装配失败: %w", err)
			}
			var tbl contract.Table
			found := false
			err = r.Iterate(cmd.Context(), args, func(id contract.FileID, rc io.ReadCloser) error {
				defer rc.Close()
				if found {
					return nil
				}
				t, err := l.Load(cmd.Context(), id, rc)
				if err != nil {
					return err
				}
				tbl, found = t, true
				return nil
			})
			if err != nil {
				return fail(exitFail, "读取失败: %w", err)
			}
			if !found {
				return fail(exitFail, "%s: 未找到可读取的表格", args[0])
			}
			return printDetect(cmd.OutOrStdout(), tbl, cfg.Detect.Primary, cfg.Detect.Secondary)
		},
	}
}

// printDetect 输出列清单；推荐列以 * 标记。无推荐时返回配置错误。
func printDetect(w io.Writer, t contract.Table, primary, secondary string) error {
	names := t.Names()
	guess, ok := detect.Suggest(names, primary, secondary)
	fmt.Fprintf(w, "rows: %d\n", t.Len())
	for i, n := range names {
		mark := " "
		if ok && n == guess {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %d. %s\n", mark, i+1, n)
	}
	if !ok {
		return fail(exitConfig, "没有列名同时匹配 %q/%q，请用 --column 指定", primary, secondary)
	}
	if t.Len() > 0 {
		fmt.Fprintf(w, "sample: %s\n", sample(t.Cell(t.Index(guess), 0), 80))
	}
	return nil
}

func sample(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func newStatusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "探测所选后端是否可用",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, b, err := probeBackend(cmd, f)
			if err != nil {
				return err
			}
			p, ok := b.(contract.Prober)
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "%s: 不支持状态探测\n", cfg.LLM)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := p.Status(ctx); err != nil {
				fmt.Fprintf(out, "%s: service not running (%v)\n", cfg.LLM, err)
				if cfgpkg.ProviderConfig(cfg, "").Kind == contract.KindLocal {
					fmt.Fprintln(out, "[hint] 请先执行 `ollama serve`，并用 `ollama pull <model>` 拉取模型")
				}
				return fail(exitFail, "%s 不可用: %w", cfg.LLM, err)
			}
			fmt.Fprintf(out, "%s: ready (model %s)\n", cfg.LLM, cfgpkg.ResolveModel(cfg, b))
			return nil
		},
	}
}

func newModelsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "列出所选后端可用的模型",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, b, err := probeBackend(cmd, f)
			if err != nil {
				return err
			}
			p, ok := b.(contract.Prober)
			if !ok {
				return fail(exitFail, "%s: 不支持模型列举", cfg.LLM)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			models, err := p.Models(ctx)
			if err != nil {
				return fail(exitFail, "%s 模型列举失败: %w", cfg.LLM, err)
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func probeBackend(cmd *cobra.Command, f *flags) (cfgpkg.Config, contract.Backend, error) {
	cfg, err := loadConfig(cmd, f, nil)
	if err != nil {
		return cfg, nil, err
	}
	b, err := cfgpkg.NewBackend(cfg)
	if err != nil {
		return cfg, nil, fail(exitConfig, "装配失败: %w", err)
	}
	return cfg, b, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认 config.json 与 .env 模板（已存在则跳过，不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			out := cmd.OutOrStdout()
			cfgPath := filepath.Join(dir, "config.json")
			created, err := writeConfig(cfgPath, cfgpkg.DefaultTemplateConfig())
			if err != nil {
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			announce(out, cfgPath, created)
			envPath := filepath.Join(dir, ".env")
			created, err = writeNew(envPath, []byte(cfgpkg.DotEnvTemplate()))
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
				return nil
			}
			announce(out, envPath, created)
			return nil
		},
	}
}

func announce(w io.Writer, path string, created bool) {
	if created {
		fmt.Fprintf(w, "已生成 %s\n", path)
		return
	}
	fmt.Fprintf(w, "已存在，跳过 %s\n", path)
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(redactConfig(c), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return err
}

// redactConfig 遮蔽 provider options 中的 api_key。
func redactConfig(c cfgpkg.Config) cfgpkg.Config {
	if len(c.Provider) == 0 {
		return c
	}
	m := make(map[string]cfgpkg.Provider, len(c.Provider))
	for name, p := range c.Provider {
		var o map[string]json.RawMessage
		if json.Unmarshal(p.Options, &o) == nil {
			if _, ok := o["api_key"]; ok {
				o["api_key"] = json.RawMessage(`"***"`)
				if b, err := json.Marshal(o); err == nil {
					p.Options = b
				}
			}
		}
		m[name] = p
	}
	c.Provider = m
	return c
}

func writeConfig(path string, c cfgpkg.Config) (bool, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return false, err
	}
	return writeNew(path, append(b, '\n'))
}

// writeNew 仅在文件不存在时创建；已存在返回 (false, nil)。
func writeNew(path string, body []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// 目录存在则试写临时文件；不存在则检查父目录可写。其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := cfg.Components.Writer
	if strings.TrimSpace(writerName) == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if strings.TrimSpace(writerName) != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	parent := filepath.Dir(dir)
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}

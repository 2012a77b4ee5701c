package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"llmsheet/internal/detect"
	"llmsheet/pkg/contract"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "LLM_SHEET_"

// DefaultRowLimit: 未指定 --all 时的处理行数。
const DefaultRowLimit = 10

// DefaultDestColumn: 追加模式下的默认新列名。
const DefaultDestColumn = "agent_notes_processed"

// Defaults 返回带有安全默认值的 Config 雏形。
// 默认后端为本机 ollama；托管后端需由 JSON/ENV/CLI 显式选择。
func Defaults() Config {
	limit := DefaultRowLimit
	return Config{
		Detect:     Detect{Primary: detect.DefaultPrimary, Secondary: detect.DefaultSecondary},
		DestColumn: DefaultDestColumn,
		RowLimit:   &limit,
		OnError:    "sentinel",
		Logging:    Logging{Level: "info", Dir: "logs"},
		Components: Components{
			Reader:        "fs",
			Loader:        "tabular",
			PromptBuilder: "notes",
			Exporter:      "auto",
			Writer:        "fs",
		},
		LLM: "ollama",
		Provider: map[string]Provider{
			"ollama": {Client: "ollama"},
		},
		Options: Options{
			Writer: json.RawMessage(`{"output_dir":"out"}`),
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
// 布尔开关：over 为 true 时打开；over.Off 中标记的开关关闭。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if s := strings.TrimSpace(over.SourceColumn); s != "" {
		out.SourceColumn = s
	}
	if s := strings.TrimSpace(over.Detect.Primary); s != "" {
		out.Detect.Primary = s
	}
	if s := strings.TrimSpace(over.Detect.Secondary); s != "" {
		out.Detect.Secondary = s
	}
	if s := strings.TrimSpace(over.DestColumn); s != "" {
		out.DestColumn = s
	}
	out.Overwrite = toggle(out.Overwrite, over.Overwrite, over.Off.Overwrite)
	// 显式行数优先于下层的 all_rows；同层两者并存时 all_rows 生效。
	if over.RowLimit != nil {
		n := *over.RowLimit
		out.RowLimit = &n
		out.AllRows = false
	}
	out.AllRows = toggle(out.AllRows, over.AllRows, over.Off.AllRows)
	if s := strings.TrimSpace(over.OnError); s != "" {
		out.OnError = s
	}

	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	out.Logging.Console = toggle(out.Logging.Console, over.Logging.Console, over.Off.Console)
	out.Report.HTML = toggle(out.Report.HTML, over.Report.HTML, over.Off.HTML)

	// 组件名（空不覆盖）
	if over.Components.Reader != "" {
		out.Components.Reader = over.Components.Reader
	}
	if over.Components.Loader != "" {
		out.Components.Loader = over.Components.Loader
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Exporter != "" {
		out.Components.Exporter = over.Components.Exporter
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider：按字段覆盖（client/options/非零限额）；不修改 base 的 map
	if len(over.Provider) > 0 {
		m := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			m[k] = v
		}
		for k, v := range over.Provider {
			m[k] = mergeProvider(m[k], v)
		}
		out.Provider = m
	}

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Loader) > 0 {
		out.Options.Loader = cloneRaw(over.Options.Loader)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Exporter) > 0 {
		out.Options.Exporter = cloneRaw(over.Options.Exporter)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	if s := strings.TrimSpace(over.Model); s != "" {
		out.Model = s
	}
	return out
}

func toggle(base, on, off bool) bool {
	switch {
	case on:
		return true
	case off:
		return false
	}
	return base
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_SHEET_；集合之外的键忽略；数值/布尔解析失败返回 ErrConfig。
// 支持：INPUTS, SOURCE_COLUMN, DESTINATION_COLUMN, OVERWRITE, ROW_LIMIT, ALL_ROWS, ON_ERROR,
// LLM, MODEL, LOG_LEVEL, LOG_DIR, LOG_CONSOLE, REPORT_HTML, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "SOURCE_COLUMN":
			over.SourceColumn = strings.TrimSpace(val)
		case "DESTINATION_COLUMN":
			over.DestColumn = strings.TrimSpace(val)
		case "OVERWRITE":
			over.Overwrite, err = parseBool(val)
			over.Off.Overwrite = err == nil && !over.Overwrite && strings.TrimSpace(val) != ""
		case "ROW_LIMIT":
			if strings.TrimSpace(val) != "" {
				var n int
				if n, err = atoi(val); err == nil {
					over.RowLimit = &n
				}
			}
		case "ALL_ROWS":
			over.AllRows, err = parseBool(val)
			over.Off.AllRows = err == nil && !over.AllRows && strings.TrimSpace(val) != ""
		case "ON_ERROR":
			over.OnError = strings.TrimSpace(val)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "MODEL":
			over.Model = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "LOG_CONSOLE":
			over.Logging.Console, err = parseBool(val)
			over.Off.Console = err == nil && !over.Logging.Console && strings.TrimSpace(val) != ""
		case "REPORT_HTML":
			over.Report.HTML, err = parseBool(val)
			over.Off.HTML = err == nil && !over.Report.HTML && strings.TrimSpace(val) != ""
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_LOADER":
			over.Components.Loader = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_EXPORTER":
			over.Components.Exporter = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			if strings.TrimSpace(val) == "" {
				// 空值视为未设置，避免清空 config.json 中的定义
				continue
			}
			switch field {
			case "CLIENT":
				p.Client = strings.TrimSpace(val)
				changed = true
			case "LIMITS_RPM":
				if p.Limits.RPM, err = atoi(val); err == nil {
					changed = true
				}
			case "LIMITS_TPM":
				if p.Limits.TPM, err = atoi(val); err == nil {
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if p.Limits.MaxTokensPerReq, err = atoi(val); err == nil {
					changed = true
				}
			case "OPTIONS_JSON":
				// 原样 JSON
				if tv := strings.TrimSpace(val); !json.Valid([]byte(tv)) {
					err = errors.New("invalid json")
				} else {
					p.Options = json.RawMessage(tv)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖 config.json
			if changed {
				prov[name] = p
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: env %s: %v", contract.ErrConfig, key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if s := strings.TrimSpace(over.Client); s != "" {
		out.Client = s
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// parseBool 空值视为 false。
func parseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 默认使用本机 ollama，同时给出 openai/anthropic/gemini/mock 的完整选项键；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现，选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:     []string{"-"},
		Detect:     d.Detect,
		DestColumn: d.DestColumn,
		RowLimit:   d.RowLimit,
		OnError:    d.OnError,
		Logging:    Logging{Level: "info", Dir: "logs"},
		Report:     Report{HTML: true},
		Components: d.Components,
		LLM:        "ollama",
		Provider: map[string]Provider{
			"ollama": {
				Client: "ollama",
				Options: json.RawMessage(`{
  "base_url": "http://localhost:11434",
  "model": "llama2",
  "timeout_seconds": 60,
  "probe_timeout_seconds": 5
}`),
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4.1-nano",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": 0.3,
  "max_tokens": 2000,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 90000},
			},
			"anthropic": {
				Client: "anthropic",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "ANTHROPIC_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "max_tokens": 2000
}`),
				Limits: Limits{RPM: 50},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.0-flash",
  "api_key_env": "GEMINI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "max_output_tokens": 2000
}`),
				Limits: Limits{RPM: 15},
			},
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix": "MOCK", "response_mode": "summary"}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "skip_prefixes": ["processed_", "~$"]
}`)
	cfg.Options.Loader = json.RawMessage(`{
  "encodings": ["windows-1252", "gbk", "big5", "shift_jis", "euc-kr"],
  "delimiter": "",
  "header": "auto",
  "sheet": ""
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "instruction": "",
  "inline_template": "",
  "template_path": ""
}`)
	cfg.Options.Exporter = json.RawMessage(`{
  "delimited": {"delimiter": "", "crlf": false, "bom": false},
  "spreadsheet": {"sheet": "Processed Data", "col_width": 0}
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true
}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板内容（init-config 生成）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# llmsheet .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON；已存在的环境变量不会被 .env 覆盖。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n")
	b.WriteString(EnvPrefix + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUTS", "SOURCE_COLUMN", "DESTINATION_COLUMN", "OVERWRITE", "ROW_LIMIT", "ALL_ROWS", "ON_ERROR", "LLM", "MODEL"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 日志与报告\n")
	for _, k := range []string{"LOG_LEVEL", "LOG_DIR", "LOG_CONSOLE", "REPORT_HTML"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "LOADER", "PROMPT_BUILDER", "EXPORTER", "WRITER"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	for _, p := range []string{"ollama", "openai", "anthropic", "gemini"} {
		b.WriteString("\n# Provider 覆盖（" + p + "）\n")
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(EnvPrefix + "PROVIDER__" + p + "__" + f + "=\n")
		}
	}
	b.WriteString("\n# 供应商 API Key（由后端读取，不经 " + EnvPrefix + " 前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("ANTHROPIC_API_KEY=\n")
	b.WriteString("GEMINI_API_KEY=\n")
	return b.String()
}

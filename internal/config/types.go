package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`

	// 列选择：SourceColumn 为空时按 Detect 规则猜测。
	SourceColumn string `json:"source_column"`
	Detect       Detect `json:"detect"`
	// DestColumn: 追加模式下新列名。
	DestColumn string `json:"destination_column"`
	Overwrite  bool   `json:"overwrite"`
	// RowLimit: 缺省由 Defaults 给出 10；AllRows 为真时忽略。
	RowLimit *int `json:"row_limit"`
	AllRows  bool `json:"all_rows"`
	// OnError: sentinel|blank。
	OnError string `json:"on_error"`

	Logging Logging `json:"logging"`
	Report  Report  `json:"report"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// Provider 选择与定义；Model 为空时使用后端默认模型。
	LLM      string              `json:"llm"`
	Model    string              `json:"model"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	// Off: 覆盖层（环境变量/命令行）显式关闭的开关，不参与 JSON。
	Off Switches `json:"-"`
}

// Switches: 可被覆盖层显式置为 false 的布尔开关。
type Switches struct {
	Overwrite bool
	AllRows   bool
	Console   bool
	HTML      bool
}

// Detect: 列猜测子串（小写匹配）。
type Detect struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

// Logging: 日志等级、目录与控制台镜像。
type Logging struct {
	Level   string `json:"level"`
	Dir     string `json:"dir"`
	Console bool   `json:"console"`
}

// Report: 结果报告。JSONL 总是写出；HTML 对照页可选。
type Report struct {
	HTML bool `json:"html"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Loader        string `json:"loader"`
	PromptBuilder string `json:"prompt_builder"`
	Exporter      string `json:"exporter"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Loader        json.RawMessage `json:"loader"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Exporter      json.RawMessage `json:"exporter"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

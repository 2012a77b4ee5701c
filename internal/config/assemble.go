package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"llmsheet/internal/pipeline"
	"llmsheet/internal/prompt"
	"llmsheet/internal/rate"
	"llmsheet/internal/transform"
	"llmsheet/pkg/contract"
	"llmsheet/pkg/registry"
)

// Validate 对最小必要边界做静态校验；错误均包裹 ErrConfig。
func Validate(cfg Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return nil
}

func validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return fmt.Errorf("'-' cannot be mixed with other roots")
	}
	if !cfg.AllRows && cfg.RowLimit != nil && *cfg.RowLimit < 0 {
		return fmt.Errorf("row_limit must be >= 0, got %d", *cfg.RowLimit)
	}
	if !cfg.Overwrite && strings.TrimSpace(cfg.DestColumn) == "" {
		return fmt.Errorf("destination_column required when overwrite is false")
	}
	if _, err := transform.ParseOnError(cfg.OnError); err != nil {
		return fmt.Errorf("on_error must be sentinel|blank, got %q", cfg.OnError)
	}
	if cfg.LLM == "" {
		return fmt.Errorf("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("provider %q missing client", cfg.LLM)
	}
	if registry.Backend[prov.Client] == nil {
		return fmt.Errorf("backend client %q not registered", prov.Client)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("provider %q limits must be >= 0", cfg.LLM)
	}
	if l := prov.Limits; l.TPM > 0 && l.MaxTokensPerReq > l.TPM {
		return fmt.Errorf("provider %q max_tokens_per_req %d exceeds tpm %d", cfg.LLM, l.MaxTokensPerReq, l.TPM)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("reader %q not registered", name)
	}
	if name := effName(cfg.Components.Loader, d.Loader); registry.Loader[name] == nil {
		return fmt.Errorf("loader %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Exporter, d.Exporter); registry.Exporter[name] == nil {
		return fmt.Errorf("exporter %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("writer %q not registered", name)
	}
	return nil
}

// NewBackend 仅构造所选 provider 的后端（未套限流），供 status/models 等探测命令使用。
func NewBackend(cfg Config) (contract.Backend, error) {
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok || prov.Client == "" {
		return nil, fmt.Errorf("%w: provider %q not configured", contract.ErrConfig, cfg.LLM)
	}
	newBackend := registry.Backend[prov.Client]
	if newBackend == nil {
		return nil, fmt.Errorf("%w: backend client %q not registered", contract.ErrConfig, prov.Client)
	}
	b, err := newBackend(prov.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %q: %v", contract.ErrConfig, cfg.LLM, err)
	}
	return b, nil
}

// ResolveModel: 显式 model 优先，其次后端默认模型。
func ResolveModel(cfg Config, b contract.Backend) string {
	if m := strings.TrimSpace(cfg.Model); m != "" {
		return m
	}
	if d, ok := b.(contract.ModelDefaulter); ok {
		return d.DefaultModel()
	}
	return ""
}

// Assemble 构造 Components 与 Settings；后端外层套限流闸门。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults().Components
	r, l, err := AssembleInput(cfg)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, wrap("prompt_builder", err)
	}
	ex, err := registry.Exporter[effName(cfg.Components.Exporter, d.Exporter)](cfg.Options.Exporter)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, wrap("exporter", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, wrap("writer", err)
	}
	backend, err := NewBackend(cfg)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	model := ResolveModel(cfg, backend)

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	prov := cfg.Provider[cfg.LLM]
	if max := prov.Limits.MaxTokensPerReq; max > 0 {
		if eff, overhead := prompt.EffectiveMaxTokens(pb, 0, max); eff <= 0 {
			return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("%w: prompt template needs ~%d tokens, max_tokens_per_req is %d", contract.ErrConfig, overhead, max)
		}
	}
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	comp := pipeline.Components{
		Reader:        r,
		Loader:        l,
		PromptBuilder: pb,
		Backend:       &rate.Gated{Inner: backend, Gate: gate, Key: key, Estimate: prompt.MakeEstimator(0)},
		Exporter:      ex,
		Writer:        w,
	}

	onErr, _ := transform.ParseOnError(cfg.OnError)
	var limit *int
	if !cfg.AllRows && cfg.RowLimit != nil {
		n := *cfg.RowLimit
		limit = &n
	}
	set := pipeline.Settings{
		Inputs: cloneStrings(cfg.Inputs),
		Batch: contract.BatchConfig{
			SourceColumn: strings.TrimSpace(cfg.SourceColumn),
			DestColumn:   strings.TrimSpace(cfg.DestColumn),
			Overwrite:    cfg.Overwrite,
			RowLimit:     limit,
			Provider:     ProviderConfig(cfg, model),
			Model:        model,
		},
		DetectPrimary:   cfg.Detect.Primary,
		DetectSecondary: cfg.Detect.Secondary,
		OnError:         onErr,
		ReportHTML:      cfg.Report.HTML,
		MaxTokensPerReq: prov.Limits.MaxTokensPerReq,
	}
	return comp, set, nil
}

// AssembleInput 仅构造 Reader 与 Loader（detect 命令无需后端）。
func AssembleInput(cfg Config) (contract.Reader, contract.Loader, error) {
	d := Defaults().Components
	newReader := registry.Reader[effName(cfg.Components.Reader, d.Reader)]
	if newReader == nil {
		return nil, nil, fmt.Errorf("%w: reader %q not registered", contract.ErrConfig, cfg.Components.Reader)
	}
	r, err := newReader(cfg.Options.Reader)
	if err != nil {
		return nil, nil, wrap("reader", err)
	}
	newLoader := registry.Loader[effName(cfg.Components.Loader, d.Loader)]
	if newLoader == nil {
		return nil, nil, fmt.Errorf("%w: loader %q not registered", contract.ErrConfig, cfg.Components.Loader)
	}
	l, err := newLoader(cfg.Options.Loader)
	if err != nil {
		return nil, nil, wrap("loader", err)
	}
	return r, l, nil
}

func wrap(kind string, err error) error {
	return fmt.Errorf("%w: %s: %v", contract.ErrConfig, kind, err)
}

// ProviderConfig 从所选 provider 的 options 中提取端点与凭据（凭据仅在内存中持有）。
func ProviderConfig(cfg Config, model string) contract.ProviderConfig {
	prov := cfg.Provider[cfg.LLM]
	var o struct {
		BaseURL   string `json:"base_url"`
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	_ = json.Unmarshal(prov.Options, &o)
	cred := strings.TrimSpace(o.APIKey)
	if cred == "" && strings.TrimSpace(o.APIKeyEnv) != "" {
		cred = os.Getenv(strings.TrimSpace(o.APIKeyEnv))
	}
	return contract.ProviderConfig{
		Name:       cfg.LLM,
		Kind:       registry.KindOf(prov.Client),
		Endpoint:   strings.TrimSpace(o.BaseURL),
		Credential: cred,
		Model:      model,
	}
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

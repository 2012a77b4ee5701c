package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/backend/internal/upstream"
)

// CuratedModels 为 models 子命令列出的常用模型。
var CuratedModels = []string{
	string(sdk.ModelClaudeHaiku4_5),
	string(sdk.ModelClaudeSonnet4_5),
}

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`
	Model          string   `json:"model"`       // 为空则使用 Haiku 4.5
	APIKeyEnv      string   `json:"api_key_env"` // 默认 ANTHROPIC_API_KEY
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds"` // 默认 60
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens"` // 默认 2000（Messages API 必填）
	// System: 可选的系统提示词。
	System string   `json:"system,omitempty"`
	Models []string `json:"models,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = string(sdk.ModelClaudeHaiku4_5)
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.Temperature == nil {
		t := 0.3
		o.Temperature = &t
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2000
	}
	if len(o.Models) == 0 {
		o.Models = CuratedModels
	}
}

// Client 基于 Messages API 的托管后端；SDK 内置重试关闭。
type Client struct {
	cli       sdk.Client
	model     string
	temp      float64
	maxTokens int64
	system    string
	models    []string
}

// New 从原样 JSON 选项构造客户端；缺少 API Key 时返回 ErrInvalidInput。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("anthropic options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	o.defaults()
	key := o.APIKey
	if key == "" && o.APIKeyEnv != "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w: missing api key", contract.ErrInvalidInput)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(time.Duration(o.TimeoutSeconds) * time.Second),
	}
	if strings.TrimSpace(o.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	return &Client{
		cli:       sdk.NewClient(reqOpts...),
		model:     o.Model,
		temp:      *o.Temperature,
		maxTokens: int64(o.MaxTokens),
		system:    o.System,
		models:    o.Models,
	}, nil
}

// DefaultModel 返回未显式指定模型时使用的模型名。
func (c *Client) DefaultModel() string { return c.model }

// Generate: 单次调用，拼接所有 text 内容块后返回。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	if model == "" {
		model = c.model
	}
	params := sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   c.maxTokens,
		Temperature: sdk.Float(c.temp),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(p))),
		},
	}
	if c.system != "" {
		params.System = []sdk.TextBlockParam{{Text: c.system}}
	}
	resp, err := c.cli.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return contract.Raw{}, upstream.Status(apiErr.StatusCode, errorMessage(apiErr))
		}
		return contract.Raw{}, upstream.Wrap("anthropic", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("anthropic: %w", contract.ErrEmptyOutput)
	}
	return contract.Raw{Text: sb.String()}, nil
}

// errorMessage 优先取响应体中的 error.message。
func errorMessage(e *sdk.Error) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.RawJSON()), &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return e.Error()
}

// Status 托管后端仅校验凭据已配置（构造时完成）。
func (c *Client) Status(ctx context.Context) error { return nil }

// Models 返回配置或内置的模型列表。
func (c *Client) Models(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.models...), nil
}

var _ contract.Backend = (*Client)(nil)
var _ contract.Prober = (*Client)(nil)

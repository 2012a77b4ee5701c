package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/backend/internal/upstream"
)

// CuratedModels 为 models 子命令列出的常用模型；gpt-4.1-nano 为默认。
var CuratedModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4.1-nano",
	"gpt-4-turbo",
	"gpt-4",
	"gpt-3.5-turbo",
}

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 为空使用 SDK 默认；可指向 OpenAI 兼容服务
	Model          string   `json:"model"`           // 为空则使用 gpt-4.1-nano
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 单次请求超时（秒），默认 60
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens"` // 默认 2000
	// ExtraHeaders: 追加请求头（用于 OpenAI 兼容服务，如 Azure/OpenRouter 等）。
	ExtraHeaders map[string]string `json:"extra_headers"`
	// Models: 覆盖 models 子命令的列表。
	Models []string `json:"models,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gpt-4.1-nano"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
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

// Client 基于 Chat Completions 的托管后端；SDK 内置重试关闭，每行仅一次请求。
type Client struct {
	cli       oai.Client
	model     string
	temp      float64
	maxTokens int64
	models    []string
}

// New 从原样 JSON 选项构造客户端；缺少 API Key 时返回 ErrInvalidInput。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("openai options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	o.defaults()
	key := o.APIKey
	if key == "" && o.APIKeyEnv != "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(time.Duration(o.TimeoutSeconds) * time.Second),
	}
	if strings.TrimSpace(o.BaseURL) != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	for k, v := range o.ExtraHeaders {
		if k == "" {
			continue
		}
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	return &Client{
		cli:       oai.NewClient(reqOpts...),
		model:     o.Model,
		temp:      *o.Temperature,
		maxTokens: int64(o.MaxTokens),
		models:    o.Models,
	}, nil
}

// DefaultModel 返回未显式指定模型时使用的模型名。
func (c *Client) DefaultModel() string { return c.model }

// Generate: 单次调用，同步返回。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	if model == "" {
		model = c.model
	}
	resp, err := c.cli.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(string(p)),
		},
		MaxTokens:   oai.Int(c.maxTokens),
		Temperature: oai.Float(c.temp),
	})
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if msg == "" {
				msg = apiErr.Error()
			}
			return contract.Raw{}, upstream.Status(apiErr.StatusCode, msg)
		}
		return contract.Raw{}, upstream.Wrap("openai", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: %w", contract.ErrEmptyOutput)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

// Status 托管后端仅校验凭据已配置（构造时完成），不发起网络请求。
func (c *Client) Status(ctx context.Context) error { return nil }

// Models 返回配置或内置的模型列表。
func (c *Client) Models(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.models...), nil
}

var _ contract.Backend = (*Client)(nil)
var _ contract.Prober = (*Client)(nil)

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/backend/internal/upstream"
)

// CuratedModels 为 models 子命令列出的常用模型。
var CuratedModels = []string{
	"gemini-2.0-flash",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

// Options: Gemini API 最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.0-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GEMINI_API_KEY
	APIKey    string `json:"api_key"`
	// 单次请求超时（秒），默认 60。
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Models          []string `json:"models,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.0-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GEMINI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.Temperature == nil {
		t := 0.3
		o.Temperature = &t
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 2000
	}
	if len(o.Models) == 0 {
		o.Models = CuratedModels
	}
}

type Client struct {
	cli    *genai.Client
	model  string
	cfg    *genai.GenerateContentConfig
	models []string
}

func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if strings.TrimSpace(opts.BaseURL) != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(opts.BaseURL, "/") + "/"}
	}
	// NewClient 不发起网络请求，仅校验配置。
	cli, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w: %v", contract.ErrInvalidInput, err)
	}
	temp := float32(*opts.Temperature)
	return &Client{
		cli:   cli,
		model: opts.Model,
		cfg: &genai.GenerateContentConfig{
			Temperature:     &temp,
			MaxOutputTokens: int32(opts.MaxOutputTokens),
		},
		models: opts.Models,
	}, nil
}

func (c *Client) DefaultModel() string { return c.model }

func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	if model == "" {
		model = c.model
	}
	contents := []*genai.Content{genai.NewContentFromText(string(p), genai.RoleUser)}
	resp, err := c.cli.Models.GenerateContent(ctx, model, contents, c.cfg)
	if err != nil {
		if code, msg, ok := apiError(err); ok {
			return contract.Raw{}, upstream.Status(code, msg)
		}
		return contract.Raw{}, upstream.Wrap("gemini", err)
	}
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: %w", contract.ErrEmptyOutput)
	}
	return contract.Raw{Text: sb.String()}, nil
}

// apiError 兼容 SDK 以值或指针形式返回的 APIError。
func apiError(err error) (int, string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Message, true
	}
	return 0, "", false
}

func (c *Client) Status(ctx context.Context) error { return nil }

func (c *Client) Models(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.models...), nil
}

var _ contract.Backend = (*Client)(nil)
var _ contract.Prober = (*Client)(nil)

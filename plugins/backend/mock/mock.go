package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"llmsheet/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "echo"（默认）：返回 Prefix + ": " + 提示词中的原文片段；
	//  - "fixed"：始终返回 Response；
	//  - "summary"：返回多段 markdown 摘要，正文为原文片段。
	ResponseMode string `json:"response_mode,omitempty"`
	Response     string `json:"response,omitempty"`
	// Marker: 提示词中原文之前的标记；找不到时回显整段提示词。
	Marker string `json:"marker,omitempty"`
}

type Client struct {
	prefix   string
	mode     string
	response string
	marker   string
	calls    atomic.Int64
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "echo"
		if o.Response != "" {
			mode = "fixed"
		}
	}
	switch mode {
	case "echo", "fixed", "summary":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	if o.Marker == "" {
		o.Marker = "Original text:\n"
	}
	return &Client{prefix: o.Prefix, mode: mode, response: o.Response, marker: o.Marker}, nil
}

// Calls 返回 Generate 被调用的次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.mode {
	case "fixed":
		return contract.Raw{Text: c.response}, nil
	case "summary":
		src := c.source(p)
		return contract.Raw{Text: fmt.Sprintf("## Summary\n%s\n\n## Model\n%s", src, model)}, nil
	}
	return contract.Raw{Text: c.prefix + ": " + c.source(p)}, nil
}

// source 取 marker 之后、首个空行之前的正文。
func (c *Client) source(p contract.Prompt) string {
	s := string(p)
	if i := strings.Index(s, c.marker); i >= 0 {
		s = s[i+len(c.marker):]
		if j := strings.Index(s, "\n\n"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

func (c *Client) Status(ctx context.Context) error { return nil }

func (c *Client) Models(ctx context.Context) ([]string, error) { return []string{"mock"}, nil }

var _ contract.Backend = (*Client)(nil)
var _ contract.Prober = (*Client)(nil)

func (c *Client) DefaultModel() string { return "mock" }

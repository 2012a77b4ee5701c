package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmsheet/pkg/contract"
	"llmsheet/plugins/backend/internal/upstream"
)

// DefaultBaseURL 为本机 Ollama 服务地址。
const DefaultBaseURL = "http://localhost:11434"

// Options: 最小必需配置。
type Options struct {
	BaseURL string `json:"base_url"` // 默认 http://localhost:11434
	Model   string `json:"model"`    // 为空则使用 llama2
	// TimeoutSeconds: 生成请求的读超时（秒），默认 60。
	TimeoutSeconds int `json:"timeout_seconds"`
	// ProbeTimeoutSeconds: /api/tags 探测超时（秒），默认 5。
	ProbeTimeoutSeconds int      `json:"probe_timeout_seconds"`
	Temperature         *float64 `json:"temperature,omitempty"`
	// NumPredict: 输出 token 上限（ollama options.num_predict），0 表示服务端默认。
	NumPredict int    `json:"num_predict,omitempty"`
	KeepAlive  string `json:"keep_alive,omitempty"`
}

func (o *Options) defaults() {
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Model == "" {
		o.Model = "llama2"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ProbeTimeoutSeconds <= 0 {
		o.ProbeTimeoutSeconds = 5
	}
}

// Client 通过 /api/generate 单次非流式生成。
type Client struct {
	base      string
	model     string
	opts      map[string]any
	keepAlive string
	gen       *http.Client
	probe     *http.Client
}

// New 从原样 JSON 选项构造客户端。本地服务无需凭据，构造时不做连通性检查。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("ollama options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	o.defaults()
	if !strings.HasPrefix(o.BaseURL, "http://") && !strings.HasPrefix(o.BaseURL, "https://") {
		return nil, fmt.Errorf("ollama: %w: base_url must be http(s): %q", contract.ErrInvalidInput, o.BaseURL)
	}
	opts := map[string]any{}
	if o.Temperature != nil {
		opts["temperature"] = *o.Temperature
	}
	if o.NumPredict > 0 {
		opts["num_predict"] = o.NumPredict
	}
	return &Client{
		base:      o.BaseURL,
		model:     o.Model,
		opts:      opts,
		keepAlive: o.KeepAlive,
		gen:       &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second},
		probe:     &http.Client{Timeout: time.Duration(o.ProbeTimeoutSeconds) * time.Second},
	}, nil
}

// DefaultModel 返回未显式指定模型时使用的模型名。
func (c *Client) DefaultModel() string { return c.model }

type generateReq struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type generateResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type tagsResp struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate: 单次调用，同步返回。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	if model == "" {
		model = c.model
	}
	body, _ := json.Marshal(generateReq{Model: model, Prompt: string(p), Stream: false, Options: c.opts, KeepAlive: c.keepAlive})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("ollama: new request: %w: %v", contract.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.gen.Do(req)
	if err != nil {
		return contract.Raw{}, upstream.Wrap("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return contract.Raw{}, upstream.Status(resp.StatusCode, errorMessage(resp.Body))
	}
	var out generateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return contract.Raw{}, upstream.Wrap("ollama", fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return contract.Raw{}, upstream.Status(resp.StatusCode, out.Error)
	}
	if out.Response == "" {
		return contract.Raw{}, fmt.Errorf("ollama: %w", contract.ErrEmptyOutput)
	}
	return contract.Raw{Text: out.Response}, nil
}

// Status 探测 /api/tags；不可达时返回 ErrConnection（即“服务未启动”）。
func (c *Client) Status(ctx context.Context) error {
	_, err := c.tags(ctx)
	return err
}

// Models 返回本地已拉取的模型名（按服务端顺序）。
func (c *Client) Models(ctx context.Context) ([]string, error) {
	tr, err := c.tags(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tr.Models))
	for _, m := range tr.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

func (c *Client) tags(ctx context.Context) (tagsResp, error) {
	var tr tagsResp
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/tags", nil)
	if err != nil {
		return tr, fmt.Errorf("ollama: new request: %w: %v", contract.ErrInvalidInput, err)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return tr, upstream.Wrap("ollama", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tr, upstream.Status(resp.StatusCode, errorMessage(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tr, upstream.Wrap("ollama", fmt.Errorf("decode tags: %w", err))
	}
	return tr, nil
}

// errorMessage 读取少量响应体；优先取 {"error": "..."}。
func errorMessage(r io.Reader) string {
	slurp, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(slurp, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(slurp)
}

var _ contract.Backend = (*Client)(nil)
var _ contract.Prober = (*Client)(nil)

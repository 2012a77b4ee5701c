package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"llmsheet/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailOn: 第几次调用失败（从 1 开始），默认 [1]。
	FailOn []int `json:"fail_on,omitempty"`
	// Kind: 失败类型 connection|timeout|http，默认 connection。
	Kind string `json:"kind,omitempty"`
	// Status: Kind=http 时的状态码，默认 500。
	Status int `json:"status,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的后端实现：FailOn 中列出的调用按 Kind 失败，其余回显提示词末行。
type Client struct {
	prefix  string
	failOn  map[int64]bool
	kind    string
	status  int
	logPath string
	count   atomic.Int64
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w: %v", contract.ErrInvalidInput, err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if len(o.FailOn) == 0 {
		o.FailOn = []int{1}
	}
	if o.Kind == "" {
		o.Kind = "connection"
	}
	switch o.Kind {
	case "connection", "timeout", "http":
	default:
		return nil, fmt.Errorf("flaky: %w: unknown kind %q", contract.ErrInvalidInput, o.Kind)
	}
	if o.Status == 0 {
		o.Status = 500
	}
	fail := make(map[int64]bool, len(o.FailOn))
	for _, n := range o.FailOn {
		fail[int64(n)] = true
	}
	return &Client{prefix: o.Prefix, failOn: fail, kind: o.Kind, status: o.Status, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Generate 实现 contract.Backend。
func (c *Client) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	n := c.count.Add(1)
	if c.failOn[n] {
		c.log(c.kind)
		switch c.kind {
		case "timeout":
			return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrTimeout)
		case "http":
			return contract.Raw{}, contract.NewHTTPError(c.status, "flaky upstream")
		default:
			return contract.Raw{}, fmt.Errorf("flaky: %w: dial tcp 127.0.0.1:11434: connect: connection refused", contract.ErrConnection)
		}
	}
	c.log("ok")
	s := strings.TrimSpace(string(p))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return contract.Raw{Text: c.prefix + ": " + s}, nil
}

var _ contract.Backend = (*Client)(nil)

package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"llmsheet/pkg/contract"
)

// UT-FLK-01: 默认第一次调用连接失败，之后成功
func TestDefaultFailsFirst(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Generate(context.Background(), "a\nb", ""); !errors.Is(err, contract.ErrConnection) {
		t.Fatalf("want ErrConnection, got %v", err)
	}
	raw, err := c.Generate(context.Background(), "a\nb", "")
	if err != nil || raw.Text != "FLAKY: b" {
		t.Fatalf("unexpected %q %v", raw.Text, err)
	}
}

// UT-FLK-02: http 类型按状态码生成 ErrProvider
func TestHTTPKind(t *testing.T) {
	c, _ := New(json.RawMessage(`{"fail_on":[2],"kind":"http","status":429}`))
	_, _ = c.Generate(context.Background(), "x", "")
	_, err := c.Generate(context.Background(), "x", "")
	if !errors.Is(err, contract.ErrRateLimited) || !errors.Is(err, contract.ErrProvider) {
		t.Fatalf("want rate limited provider error, got %v", err)
	}
	if got := contract.ErrorCell(err); got != "Error: HTTP 429: flaky upstream" {
		t.Fatalf("cell=%q", got)
	}
}

func TestTimeoutKind(t *testing.T) {
	c, _ := New(json.RawMessage(`{"kind":"timeout"}`))
	_, err := c.Generate(context.Background(), "x", "")
	if contract.ErrorCell(err) != "Error: Request timed out" {
		t.Fatalf("cell=%q", contract.ErrorCell(err))
	}
}

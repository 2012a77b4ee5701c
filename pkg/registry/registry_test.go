package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"llmsheet/pkg/contract"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
}

// TestFactories 遍历注册表入口：默认选项可构造，未知字段报错。
func TestFactories(t *testing.T) {
	strict := map[string]func(json.RawMessage) (any, error){
		"reader/fs":      func(r json.RawMessage) (any, error) { return Reader["fs"](r) },
		"loader/tabular": func(r json.RawMessage) (any, error) { return Loader["tabular"](r) },
		"prompt/notes":   func(r json.RawMessage) (any, error) { return PromptBuilder["notes"](r) },
		"exporter/auto":  func(r json.RawMessage) (any, error) { return Exporter["auto"](r) },
		"exporter/csv":   func(r json.RawMessage) (any, error) { return Exporter["csv"](r) },
		"exporter/xlsx":  func(r json.RawMessage) (any, error) { return Exporter["xlsx"](r) },
	}
	for name, f := range strict {
		t.Run(name, func(t *testing.T) {
			if v, err := f(json.RawMessage(`{}`)); err != nil || v == nil {
				t.Fatalf("%s: %v", name, err)
			}
			if _, err := f(json.RawMessage(`{"x":1}`)); err == nil {
				t.Fatalf("%s 未对未知字段报错", name)
			}
		})
	}
	t.Run("writer", func(t *testing.T) {
		tmp := t.TempDir()
		if _, err := Writer["fs"](json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, tmp))); err != nil {
			t.Fatalf("writer: %v", err)
		}
		if _, err := Writer["fs"](json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"x":1}`, tmp))); err == nil {
			t.Fatalf("writer 未对未知字段报错")
		}
		w, err := Writer["fs"](json.RawMessage(`{}`))
		if !errors.Is(err, contract.ErrInvalidInput) || w != nil {
			t.Fatalf("writer 缺少 output_dir 应报错且返回 nil 接口: %v %v", w, err)
		}
	})
}

// TestBackends 本地后端可直接构造；托管后端缺少凭据时报 ErrInvalidInput。
func TestBackends(t *testing.T) {
	for _, name := range []string{"ollama", "mock", "flaky"} {
		b, err := Backend[name](nil)
		if err != nil || b == nil {
			t.Fatalf("%s: %v", name, err)
		}
		if KindOf(name) != contract.KindLocal {
			t.Fatalf("%s 应为 local", name)
		}
	}
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		b, err := Backend[name](json.RawMessage(`{}`))
		if !errors.Is(err, contract.ErrInvalidInput) || b != nil {
			t.Fatalf("%s 未按预期报错: %v", name, err)
		}
		if KindOf(name) != contract.KindHosted {
			t.Fatalf("%s 应为 hosted", name)
		}
	}
	if KindOf("custom") != contract.KindHosted {
		t.Fatalf("未登记 client 默认 hosted")
	}
}

package mock

import (
	"context"
	"encoding/json"
	"testing"

	"llmsheet/pkg/contract"
)

// TestEcho 默认模式回显原文片段
func TestEcho(t *testing.T) {
	c, err := New(json.RawMessage(`{"prefix":"X"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	raw, err := c.Generate(context.Background(), contract.Prompt("Clean:\n\nOriginal text:\nlate parcel\n\nResponse:"), "m")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if raw.Text != "X: late parcel" {
		t.Fatalf("unexpected text %q", raw.Text)
	}
	if c.Calls() != 1 {
		t.Fatalf("calls=%d", c.Calls())
	}
}

// TestFixed 配置 response 时自动进入 fixed 模式
func TestFixed(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response":"## A\n- b"}`))
	raw, _ := c.Generate(context.Background(), contract.Prompt("anything"), "")
	if raw.Text != "## A\n- b" {
		t.Fatalf("unexpected text %q", raw.Text)
	}
}

// TestSummary 多段 markdown
func TestSummary(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"summary"}`))
	raw, _ := c.Generate(context.Background(), contract.Prompt("no marker"), "llama2")
	if raw.Text != "## Summary\nno marker\n\n## Model\nllama2" {
		t.Fatalf("unexpected text %q", raw.Text)
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := New(json.RawMessage(`{"response_mode":"nope"}`)); err == nil {
		t.Fatalf("expected error")
	}
}

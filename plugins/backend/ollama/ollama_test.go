package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmsheet/pkg/contract"
)

const summary = "## Summary\n- Customer reported an unsafe delivery location.\n- Agent escalated to the courier."

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw, _ := json.Marshal(map[string]any{"base_url": srv.URL + "/", "model": "llama3"})
	c, err := New(raw)
	require.NoError(t, err)
	return srv, c
}

// UT-OLL-01: /api/generate 非流式，原样返回 response
func TestGenerateOK(t *testing.T) {
	var got generateReq
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": summary, "done": true})
	})
	raw, err := c.Generate(context.Background(), "34652 Delivery Locc Unsafe...", "")
	require.NoError(t, err)
	assert.Equal(t, summary, raw.Text)
	assert.Equal(t, "llama3", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "34652 Delivery Locc Unsafe...", got.Prompt)
}

// UT-OLL-02: 非 2xx → ErrProvider，携带状态码与服务端消息
func TestGenerateHTTPError(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	})
	_, err := c.Generate(context.Background(), "x", "nope")
	require.ErrorIs(t, err, contract.ErrProvider)
	assert.Equal(t, `Error: HTTP 404: model "nope" not found, try pulling it first`, contract.ErrorCell(err))
}

// UT-OLL-03: 服务未启动 → ErrConnection
func TestGenerateConnectionRefused(t *testing.T) {
	srv, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()
	_, err := c.Generate(context.Background(), "x", "")
	require.ErrorIs(t, err, contract.ErrConnection)
	assert.Contains(t, contract.ErrorCell(err), "service not running")
	assert.ErrorIs(t, c.Status(context.Background()), contract.ErrConnection)
}

// UT-OLL-04: 读超时 → ErrTimeout
func TestGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.gen.Timeout = 50 * time.Millisecond
	_, err := c.Generate(context.Background(), "x", "")
	require.ErrorIs(t, err, contract.ErrTimeout)
	assert.Equal(t, "Error: Request timed out", contract.ErrorCell(err))
}

// UT-OLL-05: 空响应视为失败
func TestGenerateEmpty(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"","done":true}`))
	})
	_, err := c.Generate(context.Background(), "x", "")
	assert.True(t, errors.Is(err, contract.ErrEmptyOutput))
}

// UT-OLL-06: /api/tags 列模型与状态
func TestModelsAndStatus(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"qwen2.5:7b"}]}`))
	})
	require.NoError(t, c.Status(context.Background()))
	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:latest", "qwen2.5:7b"}, models)
}

// 选项校验与默认值
func TestNewOptions(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.base)
	assert.Equal(t, "llama2", c.DefaultModel())
	assert.Equal(t, 60*time.Second, c.gen.Timeout)
	assert.Equal(t, 5*time.Second, c.probe.Timeout)

	_, err = New(json.RawMessage(`{"base_url":"localhost:11434"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"timeout_seconds":"x"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	c, err = New(json.RawMessage(`{"temperature":0.3,"num_predict":2000}`))
	require.NoError(t, err)
	assert.Equal(t, 0.3, c.opts["temperature"])
	assert.Equal(t, 2000, c.opts["num_predict"])
}

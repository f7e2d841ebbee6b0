package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnaclean/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) contract.LLMClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw, _ := json.Marshal(map[string]any{"base_url": srv.URL, "api_key": "g-test", "model": "gemini-test"})
	c, err := New(raw)
	require.NoError(t, err)
	return c
}

func request() contract.Request {
	temp := 0.5
	return contract.Request{
		Prompt:          contract.Prompt{System: "sys", User: "Parsed question with answers:\nq#a"},
		MaxOutputTokens: 1500,
		Temperature:     &temp,
	}
}

// UT-GEM-01: 生成请求与用量读取
func TestInvokeSuccess(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"<h2>Question:</h2><p>q</p>"}]}}],
			"usageMetadata":{"promptTokenCount":21,"candidatesTokenCount":8,"totalTokenCount":29}}`))
	})
	raw, err := c.Invoke(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "<h2>Question:</h2><p>q</p>", raw.Text)
	assert.Equal(t, contract.Usage{InputTokens: 21, OutputTokens: 8}, raw.Usage)

	assert.Contains(t, body, "systemInstruction")
	gc, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing: %v", body)
	assert.EqualValues(t, 1500, gc["maxOutputTokens"])
	assert.InDelta(t, 0.5, gc["temperature"], 1e-6)
}

// UT-GEM-02: 上游错误分类
func TestInvokeErrorMapping(t *testing.T) {
	reply := func(code int, status string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"code":` + itoa(code) + `,"message":"boom","status":"` + status + `"}}`))
		}
	}
	_, err := newTestClient(t, reply(429, "RESOURCE_EXHAUSTED")).Invoke(context.Background(), request())
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	_, err = newTestClient(t, reply(503, "UNAVAILABLE")).Invoke(context.Background(), request())
	var ne net.Error
	require.True(t, errors.As(err, &ne), "want net.Error, got %v", err)
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 503, ue.UpstreamStatus())

	_, err = newTestClient(t, reply(400, "INVALID_ARGUMENT")).Invoke(context.Background(), request())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// 空候选视为响应无效
func TestInvokeEmptyCandidate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	_, err := c.Invoke(context.Background(), request())
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

// 构造期缺少 key
func TestNewMissingKey(t *testing.T) {
	t.Setenv("QNACLEAN_TEST_EMPTY", "")
	_, err := New(json.RawMessage(`{"api_key_env":"QNACLEAN_TEST_EMPTY"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

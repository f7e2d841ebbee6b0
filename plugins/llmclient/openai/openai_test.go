package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnaclean/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) contract.LLMClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw, _ := json.Marshal(map[string]any{"base_url": srv.URL, "api_key": "sk-test", "extra_headers": map[string]string{"X-Org": "o1"}})
	c, err := New(raw)
	require.NoError(t, err)
	return c
}

func req() contract.Request {
	temp := 0.7
	return contract.Request{
		Model:           "gpt-4o",
		Prompt:          contract.Prompt{System: "sys", User: "Parsed question with answers:\nq#a"},
		MaxOutputTokens: 1500,
		Temperature:     &temp,
	}
}

// UT-OAI-01: 请求编码与用量读取
func TestInvokeSuccess(t *testing.T) {
	var got oaReq
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "o1", r.Header.Get("X-Org"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  <h2>Question:</h2><p>q</p>\n"}}],"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	})
	raw, err := c.Invoke(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, "<h2>Question:</h2><p>q</p>", raw.Text)
	assert.Equal(t, contract.Usage{InputTokens: 12, OutputTokens: 34}, raw.Usage)

	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, 1500, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

// UT-OAI-02: 状态码分类
func TestInvokeStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusTooManyRequests, func(err error) bool { return errors.Is(err, contract.ErrRateLimited) }},
		{http.StatusBadGateway, func(err error) bool {
			var ne net.Error
			var ue contract.UpstreamError
			return errors.As(err, &ne) && errors.As(err, &ue) && ue.UpstreamStatus() == 502
		}},
		{http.StatusRequestTimeout, func(err error) bool { var ne net.Error; return errors.As(err, &ne) && ne.Timeout() }},
		{http.StatusBadRequest, func(err error) bool { return errors.Is(err, contract.ErrInvalidInput) }},
	}
	for _, tc := range cases {
		status := tc.status
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", status)
		})
		_, err := c.Invoke(context.Background(), req())
		assert.True(t, tc.check(err), "status %d: %v", status, err)
	}
}

// UT-OAI-03: 畸形回复
func TestInvokeMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"choices":[]}`, `{"choices":[{"message":{"content":"  "}}]}`} {
		b := body
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(b)) })
		_, err := c.Invoke(context.Background(), req())
		assert.ErrorIs(t, err, contract.ErrResponseInvalid, "body %q", b)
	}
}

// 取消上下文返回 ctx 错误
func TestInvokeCanceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, req())
	assert.ErrorIs(t, err, context.Canceled)
}

// 构造期校验
func TestNewMissingKey(t *testing.T) {
	t.Setenv("QNACLEAN_TEST_EMPTY", "")
	_, err := New(json.RawMessage(`{"api_key_env":"QNACLEAN_TEST_EMPTY"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"disable_default_auth":true,"endpoint_path":"http://127.0.0.1:1/v1/chat"}`))
	assert.NoError(t, err)
}

// 空 user 消息拒绝
func TestInvokeEmptyUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.Invoke(context.Background(), contract.Request{Prompt: contract.Prompt{System: "s"}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

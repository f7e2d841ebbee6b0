package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"qnaclean/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 请求未指定模型时使用
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) encode(req contract.Request) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temp := req.Temperature
	if temp == nil {
		temp = c.temp
	}
	body := oaReq{Model: model, MaxTokens: req.MaxOutputTokens, Temperature: temp}
	if req.Prompt.System != "" {
		body.Messages = append(body.Messages, oaMessage{Role: "system", Content: req.Prompt.System})
	}
	if req.Prompt.User == "" {
		return nil, fmt.Errorf("openai: empty user message: %w", contract.ErrInvalidInput)
	}
	body.Messages = append(body.Messages, oaMessage{Role: "user", Content: req.Prompt.User})
	return json.Marshal(&body)
}

// Invoke: 单次调用，同步返回；回复原样放入 Raw.Text，用量取自 usage 字段。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Raw, error) {
	body, err := c.encode(r)
	if err != nil {
		return contract.Raw{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.Raw{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为输入/配置无效；5xx 与 408 视为网络/上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.Raw{}, fmt.Errorf("openai upstream %d: %w", resp.StatusCode, contract.ErrInvalidInput)
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || strings.TrimSpace(or.Choices[0].Message.Content) == "" {
		return contract.Raw{}, contract.ErrResponseInvalid
	}
	raw := contract.Raw{Text: strings.TrimSpace(or.Choices[0].Message.Content)}
	if or.Usage != nil {
		raw.Usage = contract.Usage{InputTokens: or.Usage.PromptTokens, OutputTokens: or.Usage.CompletionTokens}
	}
	return raw, nil
}

var _ contract.LLMClient = (*Client)(nil)

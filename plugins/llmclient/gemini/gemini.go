package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"qnaclean/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // 覆盖默认端点（测试/代理）
	Model     string `json:"model"`       // 请求未指定模型时使用，默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// APIVersion: 默认 v1beta。
	APIVersion string `json:"api_version,omitempty"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 基于 google.golang.org/genai 的 Models.GenerateContent。
type Client struct {
	models *genai.Models
	model  string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	hopts := genai.HTTPOptions{BaseURL: opts.BaseURL, APIVersion: opts.APIVersion}
	if len(opts.ExtraHeaders) > 0 {
		hopts.Headers = http.Header{}
		for k, v := range opts.ExtraHeaders {
			if k != "" {
				hopts.Headers.Set(k, v)
			}
		}
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
		HTTPOptions: hopts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Client{models: client.Models, model: opts.Model}, nil
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// mapError 将 genai.APIError 映射为最小错误分类。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	code, msg, ok := apiError(err)
	if !ok {
		return err
	}
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("gemini: %s: %w", msg, contract.ErrRateLimited)
	case code == http.StatusRequestTimeout || code/100 == 5:
		return upstreamError{status: code, msg: msg}
	default:
		return fmt.Errorf("gemini upstream %d: %s: %w", code, msg, contract.ErrInvalidInput)
	}
}

func apiError(err error) (int, string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Message, true
	}
	return 0, "", false
}

// Invoke: 单次调用，同步返回；system 提示经 SystemInstruction 传递。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Raw, error) {
	if strings.TrimSpace(r.Prompt.User) == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty user message: %w", contract.ErrInvalidInput)
	}
	model := r.Model
	if model == "" {
		model = c.model
	}
	cfg := &genai.GenerateContentConfig{}
	if r.Prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(r.Prompt.System, genai.RoleUser)
	}
	if r.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*r.Temperature))
	}
	if r.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(r.MaxOutputTokens)
	}
	resp, err := c.models.GenerateContent(ctx, model, genai.Text(r.Prompt.User), cfg)
	if err != nil {
		return contract.Raw{}, mapError(ctx, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidate: %w", contract.ErrResponseInvalid)
	}
	raw := contract.Raw{Text: text}
	if u := resp.UsageMetadata; u != nil {
		raw.Usage = contract.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	return raw, nil
}

var _ contract.LLMClient = (*Client)(nil)

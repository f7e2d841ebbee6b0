package contract

import (
	"context"
	"errors"
)

// Usage: 上游报告的 token 用量；未报告时为零值，由调用方估算。
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Raw: LLM 客户端返回的原始回复文本（万能容器）。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text  string
	Usage Usage
}

// Request: 单次补全请求。
// Model 为空时由客户端使用其 Options 默认模型；Temperature 为 nil 表示使用服务端默认。
type Request struct {
	Model           string
	Prompt          Prompt
	MaxOutputTokens int
	Temperature     *float64
}

// LLMClient: 以单条记录为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源；不做内部重试。
type LLMClient interface {
	Invoke(ctx context.Context, req Request) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)

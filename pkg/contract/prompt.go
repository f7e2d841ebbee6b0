package contract

import "context"

// Prompt: 单条记录的会话提示（system + user）。
// System 为提示模板原文，整个运行期内对所有记录保持一致。
type Prompt struct {
	System string
	User   string
}

// PromptBuilder: 基于 InputRecord 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O（模板在构造期加载）；
//   - 不隐式修改业务内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, rec InputRecord) (Prompt, error)
	// EstimateOverheadTokens: 估算与记录无关的固定提示词开销（system + 固定指令）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 实现见 cost.Accountant.Estimator：tiktoken 编码计数，未知模型按字节比估算。
type TokenEstimator func(s string) int

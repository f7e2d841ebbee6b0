package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Dataset: 原始数据集路径（文件、分片目录或 "-" 表示 STDIN）。
	Dataset string `json:"dataset"`

	// 生成参数（对每次补全请求一致）。
	Model           string   `json:"model"`
	MaxOutputTokens int      `json:"max_output_tokens" validate:"gte=1"`
	Temperature     *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`

	// CheckpointEvery: 每 N 条结果追加一次结果表；0 表示仅在结束时写入。
	// 覆盖层中 -1 表示未设置。
	CheckpointEvery int `json:"checkpoint_every" validate:"gte=0"`

	Converge  Converge  `json:"converge"`
	Cost      Cost      `json:"cost"`
	Logging   Logging   `json:"logging"`
	Telemetry Telemetry `json:"telemetry"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider" validate:"dive"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Converge: 收敛循环预算。
type Converge struct {
	MaxIterations  int     `json:"max_iterations" validate:"gte=0"`
	MaxCost        float64 `json:"max_cost" validate:"gte=0"`
	MaxStallPasses int     `json:"max_stall_passes" validate:"gte=0"`
}

// Cost: token 估算与费率；0 值使用内置默认。
type Cost struct {
	InputPerMillion    float64        `json:"input_per_million" validate:"gte=0"`
	OutputPerMillion   float64        `json:"output_per_million" validate:"gte=0"`
	BytesPerToken      int            `json:"bytes_per_token" validate:"gte=0"`
	ModelBytesPerToken map[string]int `json:"model_bytes_per_token,omitempty" validate:"omitempty,dive,gte=1"`
}

// Logging: 日志等级、目录与控制台镜像。
type Logging struct {
	Level   string `json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir     string `json:"dir,omitempty"`
	Console bool   `json:"console,omitempty"`
}

// Telemetry: OTLP 指标导出（endpoint 为空时不启用）。
type Telemetry struct {
	OTLPEndpoint    string `json:"otlp_endpoint,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" validate:"gte=0"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Dataset       string `json:"dataset"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Table         string `json:"table"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Dataset       json.RawMessage `json:"dataset"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Table         json.RawMessage `json:"table"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client" validate:"required"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm" validate:"gte=0"`
	TPM             int `json:"tpm" validate:"gte=0"`
	MaxTokensPerReq int `json:"max_tokens_per_req" validate:"gte=0"`
}

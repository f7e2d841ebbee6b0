package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"qnaclean/internal/batch"
	"qnaclean/internal/converge"
	"qnaclean/internal/cost"
	"qnaclean/internal/rate"
	"qnaclean/pkg/contract"
	"qnaclean/pkg/registry"
)

var (
	vOnce sync.Once
	vInst *validator.Validate
)

// structValidator 返回单例校验器（错误信息使用 json 字段名）。
func structValidator() *validator.Validate {
	vOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if i := strings.Index(tag, ","); i >= 0 {
				tag = tag[:i]
			}
			return tag
		})
		vInst = v
	})
	return vInst
}

// Validate 对合并后的配置做静态校验：结构标签 + 注册表名称 + 跨字段约束。
// 数据集路径不在此校验（check/export 不需要）。
func Validate(cfg Config) error {
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := ValidateTable(cfg); err != nil {
		return err
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxOutputTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_output_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxOutputTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults()
	if name := effName(cfg.Components.Dataset, d.Components.Dataset); registry.Dataset[name] == nil {
		return fmt.Errorf("config: dataset %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Components.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	return nil
}

// ValidateTable 仅校验结果表选择（check/export 只需要结果表）。
func ValidateTable(cfg Config) error {
	if name := effName(cfg.Components.Table, Defaults().Components.Table); registry.Table[name] == nil {
		return fmt.Errorf("config: table %q not registered", name)
	}
	return nil
}

// OpenTable 按配置构造结果表。
func OpenTable(cfg Config) (contract.Table, error) {
	if err := ValidateTable(cfg); err != nil {
		return nil, err
	}
	name := effName(cfg.Components.Table, Defaults().Components.Table)
	raw := cfg.Options.Table
	if len(raw) == 0 && name == "csv" {
		raw = []byte(`{"path":"results.csv"}`)
	}
	return registry.Table[name](raw)
}

// Assembly: 装配结果（运行一轮批处理与收敛循环所需的一切）。
type Assembly struct {
	Dataset    contract.DatasetReader
	Table      contract.Table
	Batch      batch.Components
	Settings   batch.Settings
	Converge   converge.Settings
	Accountant *cost.Accountant
	Gate       rate.Gate
	GateKey    rate.LimitKey
}

// Assemble 构造组件、批处理参数与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 调用方负责 Table.Close。
func Assemble(cfg Config) (Assembly, error) {
	if err := Validate(cfg); err != nil {
		return Assembly{}, err
	}
	d := Defaults()
	ds, err := registry.Dataset[effName(cfg.Components.Dataset, d.Components.Dataset)](cfg.Options.Dataset)
	if err != nil {
		return Assembly{}, fmt.Errorf("dataset: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return Assembly{}, fmt.Errorf("prompt_builder: %w", err)
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Components.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return Assembly{}, fmt.Errorf("decoder: %w", err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return Assembly{}, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	tb, err := OpenTable(cfg)
	if err != nil {
		return Assembly{}, fmt.Errorf("table: %w", err)
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key，失败退化为 provider 名称）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	acct := cost.New(cost.Rates{
		InputPerMillion:    cfg.Cost.InputPerMillion,
		OutputPerMillion:   cfg.Cost.OutputPerMillion,
		BytesPerToken:      cfg.Cost.BytesPerToken,
		ModelBytesPerToken: cfg.Cost.ModelBytesPerToken,
	})

	// 固定提示开销 + 最大输出须落在单请求上限内
	if lim := prov.Limits.MaxTokensPerReq; lim > 0 {
		total, overhead := cost.EffectiveMaxTokens(pb, acct.Estimator(cfg.Model), cfg.MaxOutputTokens)
		if total > lim {
			_ = tb.Close()
			return Assembly{}, fmt.Errorf("config: prompt overhead(%d) + max_output_tokens(%d) exceeds provider.max_tokens_per_req(%d)",
				overhead, cfg.MaxOutputTokens, lim)
		}
	}

	var temp *float64
	if cfg.Temperature != nil {
		t := *cfg.Temperature
		temp = &t
	}
	return Assembly{
		Dataset: ds,
		Table:   tb,
		Batch:   batch.Components{Prompt: pb, LLM: llm, Decoder: dec, Sink: tb},
		Settings: batch.Settings{
			Model:           cfg.Model,
			MaxOutputTokens: cfg.MaxOutputTokens,
			Temperature:     temp,
			CheckpointEvery: cfg.CheckpointEvery,
			Accountant:      acct,
			Gate:            gate,
			GateKey:         key,
		},
		Converge: converge.Settings{
			MaxIterations:  cfg.Converge.MaxIterations,
			MaxCost:        cfg.Converge.MaxCost,
			MaxStallPasses: cfg.Converge.MaxStallPasses,
		},
		Accountant: acct,
		Gate:       gate,
		GateKey:    key,
	}, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

package cost

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"qnaclean/pkg/contract"
)

// BPE 词表随二进制内嵌，计数不依赖网络。
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// 默认单价（美元 / 每百万 token）与字节/token 比。
const (
	DefaultInputPerMillion  = 2.50
	DefaultOutputPerMillion = 10.00
	DefaultBytesPerToken    = 4
)

// Rates: 计价配置；零值字段使用默认值。
type Rates struct {
	InputPerMillion  float64
	OutputPerMillion float64
	// BytesPerToken: tiktoken 不识别模型时的估算比；<=0 时为 4。
	BytesPerToken int
	// ModelBytesPerToken: 按模型名强制使用字节估算比（大小写不敏感），优先于 tiktoken。
	ModelBytesPerToken map[string]int
}

// Accountant 负责 token 计数与费用计算。
// 已知模型以 tiktoken 编码计数，其余模型按字节比估算；编码按模型缓存，可并发使用。
type Accountant struct {
	in, out float64
	bpt     int
	perMdl  map[string]int

	mu  sync.Mutex
	enc map[string]*tiktoken.Tiktoken // nil 值表示模型未知
}

// New 按 Rates 构造 Accountant。
func New(r Rates) *Accountant {
	a := &Accountant{in: r.InputPerMillion, out: r.OutputPerMillion, bpt: r.BytesPerToken}
	if a.in <= 0 {
		a.in = DefaultInputPerMillion
	}
	if a.out <= 0 {
		a.out = DefaultOutputPerMillion
	}
	if a.bpt <= 0 {
		a.bpt = DefaultBytesPerToken
	}
	if len(r.ModelBytesPerToken) > 0 {
		a.perMdl = make(map[string]int, len(r.ModelBytesPerToken))
		for k, v := range r.ModelBytesPerToken {
			if v > 0 {
				a.perMdl[strings.ToLower(strings.TrimSpace(k))] = v
			}
		}
	}
	return a
}

// Tokens 计算 text 在 model 下的 token 数。
// 显式字节比覆盖优先；其次 tiktoken；都不适用时 ceil(utf8 字节数 / 比值)。
func (a *Accountant) Tokens(text, model string) int {
	return a.Estimator(model)(text)
}

// Estimator 返回绑定到 model 的计数函数（供 PromptBuilder 估算固定开销）。
func (a *Accountant) Estimator(model string) contract.TokenEstimator {
	if a == nil {
		return MakeEstimator(DefaultBytesPerToken)
	}
	key := strings.ToLower(strings.TrimSpace(model))
	if v, ok := a.perMdl[key]; ok {
		return MakeEstimator(v)
	}
	if tke := a.encoding(key); tke != nil {
		return func(s string) int {
			if s == "" {
				return 0
			}
			return len(tke.Encode(s, nil, nil))
		}
	}
	return MakeEstimator(a.bpt)
}

// encoding 返回模型对应的 tiktoken 编码；未知模型返回 nil。
func (a *Accountant) encoding(model string) *tiktoken.Tiktoken {
	if model == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if tke, ok := a.enc[model]; ok {
		return tke
	}
	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tke = nil
	}
	if a.enc == nil {
		a.enc = make(map[string]*tiktoken.Tiktoken)
	}
	a.enc[model] = tke
	return tke
}

// Cost 计算 tokens 的费用：tokens / 1e6 * 单价。
func (a *Accountant) Cost(tokens int, isInput bool) float64 {
	if tokens <= 0 {
		return 0
	}
	rate := a.out
	if isInput {
		rate = a.in
	}
	return float64(tokens) / 1_000_000 * rate
}

// Charge 返回一次补全调用的汇总增量（Calls=1）。
func (a *Accountant) Charge(in, out int) contract.RunMetrics {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	return contract.RunMetrics{
		InputTokens:  int64(in),
		OutputTokens: int64(out),
		TotalTokens:  int64(in + out),
		TotalCost:    a.Cost(in, true) + a.Cost(out, false),
		Calls:        1,
	}
}

// Usage 优先采用上游报告的用量，缺失的维度以估算补齐。
func (a *Accountant) Usage(reported contract.Usage, p contract.Prompt, reply, model string) (in, out int) {
	in, out = reported.InputTokens, reported.OutputTokens
	if in <= 0 {
		in = a.Tokens(p.System, model) + a.Tokens(p.User, model)
	}
	if out <= 0 {
		out = a.Tokens(reply, model)
	}
	return in, out
}

// MakeEstimator 返回按字节比的近似估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算单次请求的 token 上限估值：固定提示开销 + 最大输出。
// 返回 (total, overheadTokens)。maxOutput<=0 时仅返回开销。
func EffectiveMaxTokens(pb contract.PromptBuilder, est contract.TokenEstimator, maxOutput int) (int, int) {
	overhead := pb.EstimateOverheadTokens(est)
	if maxOutput <= 0 {
		return overhead, overhead
	}
	return overhead + maxOutput, overhead
}

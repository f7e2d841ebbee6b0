package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "QNACLEAN_"

// 默认生成参数。
const (
	DefaultModel           = "gpt-4o"
	DefaultMaxOutputTokens = 1500
	DefaultTemperature     = 0.7
	DefaultCheckpointEvery = 100
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	temp := DefaultTemperature
	return Config{
		Model:           DefaultModel,
		MaxOutputTokens: DefaultMaxOutputTokens,
		Temperature:     &temp,
		CheckpointEvery: DefaultCheckpointEvery,
		Logging:         Logging{Level: "info"},
		Components: Components{
			Dataset:       "hash",
			PromptBuilder: "qna",
			Decoder:       "markup",
			Table:         "csv",
		},
	}
}

// unsetOverlay 返回“全部未设置”的覆盖层（区分缺省与显式 0）。
func unsetOverlay() Config { return Config{CheckpointEvery: -1} }

// LoadFile 按扩展名解析配置文件：.yaml/.yml 使用 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(b)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer f.Close()
		r = f
	default:
		return Config{}, errors.New("no config source provided")
	}
	cfg := unsetOverlay()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 文档转为 JSON 后走同一严格解码（Options 子树仍为原样 JSON）。
func LoadYAML(b []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return unsetOverlay(), nil
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("yaml to json: %w", err)
	}
	return LoadJSON("", j)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Dataset); s != "" {
		out.Dataset = s
	}
	if s := strings.TrimSpace(over.Model); s != "" {
		out.Model = s
	}
	if over.MaxOutputTokens != 0 {
		out.MaxOutputTokens = over.MaxOutputTokens
	}
	if over.Temperature != nil {
		t := *over.Temperature
		out.Temperature = &t
	}
	// 特殊：CheckpointEvery 的 0 具有语义（仅结束时写入），-1 视为未覆盖。
	if over.CheckpointEvery >= 0 {
		out.CheckpointEvery = over.CheckpointEvery
	}
	if over.Converge.MaxIterations != 0 {
		out.Converge.MaxIterations = over.Converge.MaxIterations
	}
	if over.Converge.MaxCost != 0 {
		out.Converge.MaxCost = over.Converge.MaxCost
	}
	if over.Converge.MaxStallPasses != 0 {
		out.Converge.MaxStallPasses = over.Converge.MaxStallPasses
	}
	if over.Cost.InputPerMillion != 0 {
		out.Cost.InputPerMillion = over.Cost.InputPerMillion
	}
	if over.Cost.OutputPerMillion != 0 {
		out.Cost.OutputPerMillion = over.Cost.OutputPerMillion
	}
	if over.Cost.BytesPerToken != 0 {
		out.Cost.BytesPerToken = over.Cost.BytesPerToken
	}
	if len(over.Cost.ModelBytesPerToken) > 0 {
		out.Cost.ModelBytesPerToken = make(map[string]int, len(over.Cost.ModelBytesPerToken))
		for k, v := range over.Cost.ModelBytesPerToken {
			out.Cost.ModelBytesPerToken[k] = v
		}
	}

	// Logging / Telemetry
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	if over.Logging.Console {
		out.Logging.Console = true
	}
	if s := strings.TrimSpace(over.Telemetry.OTLPEndpoint); s != "" {
		out.Telemetry.OTLPEndpoint = s
	}
	if over.Telemetry.IntervalSeconds != 0 {
		out.Telemetry.IntervalSeconds = over.Telemetry.IntervalSeconds
	}

	// 组件名（空不覆盖）
	if over.Components.Dataset != "" {
		out.Components.Dataset = over.Components.Dataset
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Decoder != "" {
		out.Components.Decoder = over.Components.Decoder
	}
	if over.Components.Table != "" {
		out.Components.Table = over.Components.Table
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	if len(over.Options.Dataset) > 0 {
		out.Options.Dataset = cloneRaw(over.Options.Dataset)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}
	if len(over.Options.Table) > 0 {
		out.Options.Table = cloneRaw(over.Options.Table)
	}

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合；无法解析的数值忽略）。
// 支持（前缀 QNACLEAN_）：DATASET, LLM, MODEL, MAX_OUTPUT_TOKENS, TEMPERATURE, CHECKPOINT_EVERY,
// MAX_ITERATIONS, MAX_COST, LOG_LEVEL, LOG_DIR, OTLP_ENDPOINT, COMPONENTS_*,
// TABLE_OPTIONS_JSON 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} /
// PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := unsetOverlay()
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		tv := strings.TrimSpace(val)
		switch nk {
		case "DATASET":
			over.Dataset = tv
		case "LLM":
			over.LLM = tv
		case "MODEL":
			over.Model = tv
		case "MAX_OUTPUT_TOKENS":
			if v, err := atoi(val); err == nil {
				over.MaxOutputTokens = v
			}
		case "TEMPERATURE":
			if v, err := strconv.ParseFloat(tv, 64); err == nil {
				over.Temperature = &v
			}
		case "CHECKPOINT_EVERY":
			if v, err := atoi(val); err == nil {
				over.CheckpointEvery = v
			}
		case "MAX_ITERATIONS":
			if v, err := atoi(val); err == nil {
				over.Converge.MaxIterations = v
			}
		case "MAX_COST":
			if v, err := strconv.ParseFloat(tv, 64); err == nil {
				over.Converge.MaxCost = v
			}
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "LOG_DIR":
			over.Logging.Dir = tv
		case "OTLP_ENDPOINT":
			over.Telemetry.OTLPEndpoint = tv
		case "COMPONENTS_DATASET":
			over.Components.Dataset = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_TABLE":
			over.Components.Table = tv
		case "TABLE_OPTIONS_JSON":
			if tv != "" {
				over.Options.Table = json.RawMessage(tv)
			}
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM":
				if v, err := atoi(val); err == nil {
					p.Limits.RPM = v
					changed = true
				}
			case "LIMITS_TPM":
				if v, err := atoi(val); err == nil {
					p.Limits.TPM = v
					changed = true
				}
			case "LIMITS_MAX_TOKENS_PER_REQ":
				if v, err := atoi(val); err == nil {
					p.Limits.MaxTokensPerReq = v
					changed = true
				}
			case "OPTIONS_JSON":
				// 空值视为未设置，避免清空现有配置
				if tv != "" {
					p.Options = json.RawMessage(tv)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖配置文件
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// LoadDotEnv 读取简单的 .env 文件并注入进程环境。
// 规则：
// - 文件不存在时忽略；
// - 跳过空行与 # 注释行；支持可选前缀 "export "；
// - 仅按首个 '=' 分割；成对单/双引号去除，双引号内处理 \n \t \r \" \\；
// - 不覆盖已存在的环境变量。
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if q := val[0]; (q == '\'' || q == '"') && val[len(val)-1] == q {
				val = val[1 : len(val)-1]
				if q == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

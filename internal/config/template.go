package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"

	"qnaclean/pkg/contract"
	wfs "qnaclean/plugins/writer/filesystem"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM（本地/离线调试友好），同时给出 openai/gemini 的全部选项键；
// - 数据集为 "#" 分隔文本，结果表为 ./results.csv；
// - 生成参数 gpt-4o / 1500 / 0.7，每 100 条检查点。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Dataset = "dataset.txt"
	cfg.LLM = "mock"
	cfg.Converge = Converge{MaxIterations: 10, MaxStallPasses: 2}
	cfg.Cost = Cost{InputPerMillion: 2.50, OutputPerMillion: 10.00, BytesPerToken: 4}
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"api_key":"","category":"5","locale":"en"}`),
			Limits:  Limits{RPM: 600, TPM: 1000000, MaxTokensPerReq: 8192},
		},
		"openai": {
			Client: "openai",
			// 覆盖全部 OpenAI 选项键，值可为空/默认
			Options: json.RawMessage(`{
  "base_url": "https://api.openai.com/v1",
  "model": "gpt-4o",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 500, TPM: 30000, MaxTokensPerReq: 0},
		},
		"gemini": {
			Client: "gemini",
			// 覆盖全部 Gemini 选项键，值可为空/默认
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "api_version": "",
  "timeout_seconds": 60,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
		},
	}
	cfg.Options.Dataset = json.RawMessage(`{
  "encoding": "utf-8",
  "header": false
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "encoding": "utf-8",
  "locale": "en",
  "instruction": "",
  "delimiter": "#"
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "locale": "en",
  "sanitize": false
}`)
	cfg.Options.Table = json.RawMessage(`{
  "path": "results.csv"
}`)
	return cfg
}

// RenderTemplate 序列化模板：asYAML 时输出块风格 YAML（键顺序与 JSON 一致）。
func RenderTemplate(c Config, asYAML bool) ([]byte, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	if !asYAML {
		return append(b, '\n'), nil
	}
	// JSON 是合法 YAML：解析为节点后清除流式风格再输出
	var n yaml.Node
	if err := yaml.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	blockStyle(&n)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&n); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// DotEnvTemplate 返回 .env 模板文本（全部支持的覆盖键，值为空）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# qnaclean .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n")
	b.WriteString(EnvPrefix + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"DATASET", "LLM", "MODEL", "MAX_OUTPUT_TOKENS", "TEMPERATURE", "CHECKPOINT_EVERY",
		"MAX_ITERATIONS", "MAX_COST", "LOG_LEVEL", "LOG_DIR", "OTLP_ENDPOINT"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"DATASET", "PROMPT_BUILDER", "DECODER", "TABLE"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	b.WriteString(EnvPrefix + "TABLE_OPTIONS_JSON=\n")
	for _, p := range []string{"openai", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", p)
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", EnvPrefix, p, f)
		}
	}
	b.WriteString("\n# 供应商 API Key（由 Provider 客户端读取，不经前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return b.String()
}

// WriteTemplates 在 dir 下生成 config.json|config.yaml 与 .env（均不覆盖）。
// 配置文件已存在时返回 fs.ErrExist；.env 已存在时跳过。返回配置文件路径。
func WriteTemplates(ctx context.Context, dir string, asYAML bool) (string, error) {
	w, err := wfs.New(&wfs.Options{OutputDir: dir, NoClobber: true})
	if err != nil {
		return "", err
	}
	name := "config.json"
	if asYAML {
		name = "config.yaml"
	}
	body, err := RenderTemplate(DefaultTemplateConfig(), asYAML)
	if err != nil {
		return "", err
	}
	path, _ := w.Path(contract.ArtifactID(name))
	if err := w.Write(ctx, contract.ArtifactID(name), bytes.NewReader(body)); err != nil {
		return path, err
	}
	if err := w.Write(ctx, contract.ArtifactID(".env"), strings.NewReader(DotEnvTemplate())); err != nil && !errors.Is(err, fs.ErrExist) {
		return path, fmt.Errorf(".env: %w", err)
	}
	return path, nil
}

package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// keySource: provider options 中参与限流分组的键（其余键忽略）。
type keySource struct {
	APIKey    string          `json:"api_key"`
	APIKeyEnv string          `json:"api_key_env"`
	Mock      json.RawMessage `json:"mock"`
}

// defaultKeyEnv: 未配置 api_key_env 时读取的环境变量，与各客户端自身默认一致。
var defaultKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// debugKey: 离线客户端（mock/flaky）未提供 api_key 时的分组键来源。
const debugKey = "MOCK_DEBUG_KEY"

// DeriveKeyFromProviderOptions 从客户端标识与原样 Options JSON 解析 API Key，
// 返回 client:sha256(key)[:8] 形式的分组键；同一 key 的多个 provider 共享限额。
// 找不到 key 时返回错误（调用方可退化为 provider 名称）。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var src keySource
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &src); err != nil {
			return "", fmt.Errorf("rate: %s options: %w", client, err)
		}
	}
	key := resolveKey(client, src)
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(client + ":" + hex.EncodeToString(sum[:8])), nil
}

func resolveKey(client string, src keySource) string {
	if k := strings.TrimSpace(src.APIKey); k != "" {
		return k
	}
	switch client {
	case "mock":
		return debugKey
	case "flaky":
		// flaky 成功调用透传给内嵌 mock，分组键跟随其 api_key
		var inner keySource
		if len(src.Mock) > 0 {
			_ = json.Unmarshal(src.Mock, &inner)
		}
		if k := strings.TrimSpace(inner.APIKey); k != "" {
			return k
		}
		return debugKey
	}
	env := strings.TrimSpace(src.APIKeyEnv)
	if env == "" {
		env = defaultKeyEnv[client]
	}
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

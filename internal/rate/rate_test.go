package rate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"qnaclean/pkg/contract"
)

// UT-RTE-01: 超过 RPM/TPM
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("应因 RPM 拒绝")
	}
	// 一分钟后回填
	now = now.Add(time.Minute)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("回填后应通过")
	}
}

// 失败的 Try 不应消耗另一维度额度
func TestGateTryRollback(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 60, TPM: 10}}, clk)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 8}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Key: "k", Requests: 1, Tokens: 8}) {
		t.Fatalf("应因 TPM 拒绝")
	}
	rpm, tpm := g.(Snapshoter).Snapshot("k")
	if rpm != 59 || tpm != 2 {
		t.Fatalf("回滚后额度错误: rpm=%d tpm=%d", rpm, tpm)
	}
}

// UT-RTE-02: 取消上下文
func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, clk)
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1}); err != nil {
		t.Fatalf("首次应立即放行: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消错误, got %v", err)
	}
}

// UT-RTE-03: 单请求上限与非法申请
func TestGateRejectsOversize(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {TPM: 100, MaxTokensPerReq: 50}}, nil)
	ctx := context.Background()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 1, Tokens: 51}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("超过单请求上限应为 ErrInvalidInput, got %v", err)
	}
	g2 := NewGate(map[LimitKey]Limits{"k": {TPM: 100}}, nil)
	if err := g2.Wait(ctx, Ask{Key: "k", Requests: 1, Tokens: 101}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("超过 TPM 容量应为 ErrInvalidInput, got %v", err)
	}
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 0}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("Requests=0 应为 ErrInvalidInput")
	}
	if g.Try(Ask{Key: "k", Requests: 1, Tokens: -1}) {
		t.Fatalf("负 token 应拒绝")
	}
}

// 未配置的 key 不限额
func TestGateUnknownKeyUnlimited(t *testing.T) {
	g := NewGate(nil, nil)
	for i := 0; i < 100; i++ {
		if err := g.Wait(context.Background(), Ask{Key: "x", Requests: 1, Tokens: 1_000_000}); err != nil {
			t.Fatalf("未配置 key 应放行: %v", err)
		}
	}
	rpm, tpm := g.(Snapshoter).Snapshot("x")
	if rpm != 0 || tpm != 0 {
		t.Fatalf("禁用维度快照应为 0")
	}
}

// 补充覆盖: DeriveKeyFromProviderOptions
func TestDeriveKeyFromProviderOptions(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	t.Setenv("OPENAI_API_KEY", "")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY", "model": "gpt-4o"})
	k, err := DeriveKeyFromProviderOptions("openai", raw)
	if err != nil || !strings.HasPrefix(string(k), "openai:") || len(k) != len("openai:")+16 {
		t.Fatalf("派生失败: %q %v", k, err)
	}
	if _, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("缺少 key 应失败")
	}
	if _, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`[1]`)); err == nil {
		t.Fatalf("非对象 options 应失败")
	}
	// 未配置 api_key_env 时读取客户端默认变量
	t.Setenv("GOOGLE_API_KEY", "abc")
	g, err := DeriveKeyFromProviderOptions("gemini", json.RawMessage(`{"model":"gemini-2.5-flash"}`))
	if err != nil || !strings.HasPrefix(string(g), "gemini:") {
		t.Fatalf("gemini 默认变量派生失败: %q %v", g, err)
	}
	if strings.TrimPrefix(string(g), "gemini:") != strings.TrimPrefix(string(k), "openai:") {
		t.Fatalf("相同 key 的摘要应一致: %q %q", g, k)
	}

	k1, _ := DeriveKeyFromProviderOptions("mock", json.RawMessage(`{}`))
	k2, _ := DeriveKeyFromProviderOptions("flaky", json.RawMessage(`{"fail_calls":[1],"mock":{"api_key":"other"}}`))
	k3, _ := DeriveKeyFromProviderOptions("flaky", json.RawMessage(`{"fail_calls":[1]}`))
	if k1 == "" || k2 == "" || k1 == k2 {
		t.Fatalf("不同客户端应派生不同分组: %q %q", k1, k2)
	}
	if k2 == k3 {
		t.Fatalf("flaky 应跟随内嵌 mock 的 api_key: %q %q", k2, k3)
	}
}

package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"qnaclean/pkg/contract"
	"qnaclean/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	// FailCalls: 返回 ErrRateLimited 的调用序号（1 起始）；默认 [1]。
	FailCalls []int `json:"fail_calls,omitempty"`
	// GarbleCalls: 返回无结构文本的调用序号；默认 [2]。
	GarbleCalls []int `json:"garble_calls,omitempty"`
	// FailEvery: >0 时每第 N 次调用失败（叠加 FailCalls）。
	FailEvery int `json:"fail_every,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
	// Mock: 成功调用时透传给 mock 客户端的选项。
	Mock json.RawMessage `json:"mock,omitempty"`
}

// Client 是带状态的 LLM 实现：按调用序号注入失败，其余调用委托 mock 回复。
type Client struct {
	fail    map[int]bool
	garble  map[int]bool
	every   int
	logPath string
	inner   *mock.Client
	count   atomic.Int64
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.FailCalls == nil {
		o.FailCalls = []int{1}
	}
	if o.GarbleCalls == nil {
		o.GarbleCalls = []int{2}
	}
	inner, err := mock.NewClient(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Client{fail: set(o.FailCalls), garble: set(o.GarbleCalls), every: o.FailEvery, logPath: o.LogPath, inner: inner}, nil
}

func set(ns []int) map[int]bool {
	m := make(map[int]bool, len(ns))
	for _, n := range ns {
		m[n] = true
	}
	return m
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	n := int(c.count.Add(1))
	switch {
	case c.fail[n] || (c.every > 0 && n%c.every == 0):
		c.log("rate_limited")
		return contract.Raw{}, contract.ErrRateLimited
	case c.garble[n]:
		c.log("garbled")
		return contract.Raw{Text: "invalid"}, nil
	default:
		c.log("ok")
		return c.inner.Invoke(ctx, r)
	}
}

var _ contract.LLMClient = (*Client)(nil)

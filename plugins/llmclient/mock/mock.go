package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"sync/atomic"

	"qnaclean/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// Category: 回复中的类别取值，默认 "5"。
	Category string `json:"category,omitempty"`
	// Locale: 回复标签语言，"en"（默认）或 "ru"。
	Locale string `json:"locale,omitempty"`
	// Delimiter: 解析 user 消息时使用的分隔符，默认 "#"。
	Delimiter string `json:"delimiter,omitempty"`
	// UncategorizedCalls: 这些调用序号（1 起始）的回复不含类别节，用于联调收敛循环。
	UncategorizedCalls []int `json:"uncategorized_calls,omitempty"`
	// UncategorizedUntil: 前 N 次调用均不含类别节。
	UncategorizedUntil int `json:"uncategorized_until,omitempty"`
}

type labels struct{ question, answer, category string }

var presets = map[string]labels{
	"en": {"Question:", "Answer:", "Category:"},
	"ru": {"Вопрос:", "Ответ:", "Категория:"},
}

// Client 按 user 消息确定性地构造 HTML 回复（无网络）。
type Client struct {
	category string
	lb       labels
	delim    string
	skip     map[int]bool
	until    int
	calls    atomic.Int64
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	return NewClient(raw)
}

// NewClient 返回具体类型（供 flaky 等复用）。
func NewClient(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Category == "" {
		o.Category = "5"
	}
	if o.Delimiter == "" {
		o.Delimiter = "#"
	}
	loc := strings.ToLower(strings.TrimSpace(o.Locale))
	if loc == "" {
		loc = "en"
	}
	lb, ok := presets[loc]
	if !ok {
		return nil, fmt.Errorf("mock: unknown locale %q: %w", o.Locale, contract.ErrInvalidInput)
	}
	c := &Client{category: o.Category, lb: lb, delim: o.Delimiter, until: o.UncategorizedUntil}
	if len(o.UncategorizedCalls) > 0 {
		c.skip = make(map[int]bool, len(o.UncategorizedCalls))
		for _, n := range o.UncategorizedCalls {
			c.skip[n] = true
		}
	}
	return c, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

func (c *Client) Invoke(ctx context.Context, r contract.Request) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	n := int(c.calls.Add(1))
	withCategory := !c.skip[n] && n > c.until
	return contract.Raw{Text: c.Reply(r.Prompt.User, withCategory)}, nil
}

// Reply 从 user 消息（指令行 + 问题 + 分隔符 + 答案）构造回复。
// 问题原样回显；每个答案成为一个 <p> 段落。
func (c *Client) Reply(user string, withCategory bool) string {
	body := user
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}
	parts := strings.Split(body, c.delim)
	question := strings.TrimSpace(parts[0])

	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n<p>%s</p>\n<h2>%s</h2>\n", c.lb.question, html.EscapeString(question), c.lb.answer)
	wrote := false
	for _, a := range parts[1:] {
		if a = strings.TrimSpace(a); a == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(a))
		wrote = true
	}
	if !wrote {
		b.WriteString("<p>no answer</p>")
	}
	if withCategory {
		fmt.Fprintf(&b, "\n<h3>%s</h3>\n<p>%s</p>", c.lb.category, html.EscapeString(c.category))
	}
	return b.String()
}

var _ contract.LLMClient = (*Client)(nil)

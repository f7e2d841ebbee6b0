package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qnaclean/pkg/contract"
)

// LimitKey: 限流分组键（provider 名称 + API Key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 预计 token （>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 两个维度均为令牌桶（x/time/rate），容量为每分钟额度，按秒匀速回填。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *rate.Limiter // nil 表示该维度关闭
	tok *rate.Limiter
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM, now), tok: perMinute(lim.TPM, now)}
}

func perMinute(capacity int, now time.Time) *rate.Limiter {
	if capacity <= 0 {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(float64(capacity)/60.0), capacity)
	// 以构造时刻为起点满桶
	l.SetBurstAt(now, capacity)
	return l
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: requests=%d tokens=%d: %w", a.Requests, a.Tokens, contract.ErrInvalidInput)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: tokens %d exceed per-request cap %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrInvalidInput)
	}
	// 超过桶容量的申请永远无法满足
	if e.req != nil && a.Requests > e.req.Burst() {
		return fmt.Errorf("rate: requests %d exceed rpm %d: %w", a.Requests, e.req.Burst(), contract.ErrInvalidInput)
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return fmt.Errorf("rate: tokens %d exceed tpm %d: %w", a.Tokens, e.tok.Burst(), contract.ErrInvalidInput)
	}
	return nil
}

// reserve 在两个维度同时预留额度，返回需等待时长；任一维度不可预留时撤销全部。
func (e *entry) reserve(now time.Time, a Ask) (time.Duration, func(), bool) {
	var rs []*rate.Reservation
	cancel := func() {
		for _, r := range rs {
			r.CancelAt(now)
		}
	}
	var wait time.Duration
	take := func(l *rate.Limiter, n int) bool {
		if l == nil || n <= 0 {
			return true
		}
		r := l.ReserveN(now, n)
		if !r.OK() {
			return false
		}
		rs = append(rs, r)
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
		return true
	}
	if !take(e.req, a.Requests) || !take(e.tok, a.Tokens) {
		cancel()
		return 0, nil, false
	}
	return wait, cancel, true
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	now := g.clk()
	wait, cancel, ok := e.reserve(now, a)
	if !ok {
		return false
	}
	if wait > 0 {
		cancel()
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	// 快速取消
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	wait, cancel, ok := e.reserve(now, a)
	if !ok {
		return fmt.Errorf("rate: reservation rejected: %w", contract.ErrInvalidInput)
	}
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的“向下取整”估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	avail := func(l *rate.Limiter) int {
		if l == nil {
			return 0
		}
		v := l.TokensAt(now)
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return avail(e.req), avail(e.tok)
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)

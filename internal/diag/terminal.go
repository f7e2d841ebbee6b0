package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	llm      string
	runStart time.Time

	// 当前轮次
	pass     string
	total    int
	done     int
	errCount int
	tokens   int64
	cost     float64

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供批处理旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文（LLM provider 名称）。
func (t *Terminal) RunStart(llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.llm = llm
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] llm=%s", safe(llm)))
}

// PassStart: 标记一轮批处理（首轮为 "run"，收敛轮为 "pass N"）及计划记录数。
func (t *Terminal) PassStart(pass string, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.pass = safe(pass)
	t.total = total
	t.done = 0
	t.errCount = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[%s] 计划记录=%s", t.pass, humanize.Comma(int64(total))))
	}
}

// RecordProgress: 周期性进度（≥100ms 节流）。
func (t *Terminal) RecordProgress(done, errs int, tokens int64, cost float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.done = done
	t.errCount = errs
	t.tokens = tokens
	t.cost = cost
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[%s] 进度 %d/%d | 错误 %d | tokens %s | $%.4f | 用时 %s",
		t.pass, t.done, t.total, t.errCount, humanize.Comma(t.tokens), t.cost, formatSince(t.runStart)))
}

// PassFinish: 完成当前轮（立即刷新并换行）。
func (t *Terminal) PassFinish(invalid int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] 记录 %d/%d | 错误 %d | 剩余无效 %d | 用时 %s",
		t.pass, t.done, t.total, t.errCount, invalid, formatDur(dur)))
}

// Summary: 运行结束总览所需数据。
type Summary struct {
	Rows     int
	Invalid  int
	Tokens   int64
	Cost     float64
	Outcome  string
	Duration time.Duration
}

// RunFinish: 结束总览（行数、剩余无效、token 与费用）。
func (t *Terminal) RunFinish(ok bool, s Summary) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	line := fmt.Sprintf("[%s] 行 %s | 剩余无效 %s | tokens %s | 费用 $%.4f | 总用时 %s",
		tag, humanize.Comma(int64(s.Rows)), humanize.Comma(int64(s.Invalid)), humanize.Comma(s.Tokens), s.Cost, formatDur(s.Duration))
	if s.Outcome != "" {
		line += " | " + s.Outcome
	}
	t.println(line)
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 清尾：若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}

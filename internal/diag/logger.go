package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level 级别定义（与 zerolog 级别一一对应）。
type Level = zerolog.Level

const (
	Debug = zerolog.DebugLevel
	Info  = zerolog.InfoLevel
	Warn  = zerolog.WarnLevel
	Error = zerolog.ErrorLevel
)

// Options: 日志器构造选项。
type Options struct {
	// CorrID: 运行关联 ID，写入每条事件的 corr_id 字段。
	CorrID string
	// Level: debug|info|warn|error；未知值回落 info。
	Level string
	// Dir: 轮转日志目录；为空时使用 "logs"。
	Dir string
	// MaxBytes: 单文件轮转阈值；<=0 使用 10 MiB。
	MaxBytes int64
	// Console: 额外以人类可读格式输出到 stderr。
	Console bool
	// Writer: 覆盖全部输出（测试使用）；非 nil 时忽略 Dir/Console。
	Writer io.Writer
}

// Logger 为结构化事件日志器：zerolog JSON 单行写入轮转文件；事件形状固定
// （comp/stage/code/dur_ms/count/record_id/pass/kv），便于按阶段聚合。
type Logger struct {
	zl   zerolog.Logger
	sink *RotatingFile
}

// NewLogger 以 corrID 与 level 初始化，写入默认目录 logs/，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	return New(Options{CorrID: corrID, Level: level})
}

// New 按 Options 构造 Logger。
func New(o Options) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	l := &Logger{}
	var w io.Writer
	switch {
	case o.Writer != nil:
		w = o.Writer
	default:
		dir := strings.TrimSpace(o.Dir)
		if dir == "" {
			dir = "logs"
		}
		l.sink = NewRotatingFile(dir, o.MaxBytes)
		w = fallbackWriter{primary: l.sink}
		if o.Console {
			w = zerolog.MultiLevelWriter(w, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}
	}
	ctx := zerolog.New(w).Level(parseLevel(o.Level)).With().Timestamp()
	if o.CorrID != "" {
		ctx = ctx.Str("corr_id", o.CorrID)
	}
	l.zl = ctx.Logger()
	return l
}

// Nop 返回丢弃全部事件的日志器。
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// Close 关闭轮转文件句柄（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件字段集合（零值字段不输出）。
type Event struct {
	Comp     string
	Stage    string // start|finish|error|warn
	Code     string
	DurMS    int64
	Count    int64
	RecordID string
	Pass     string
	Msg      string
	KV       map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil {
		return
	}
	e := l.zl.WithLevel(lv)
	if e == nil {
		return
	}
	e = e.Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.RecordID != "" {
		e = e.Str("record_id", ev.RecordID)
	}
	if ev.Pass != "" {
		e = e.Str("pass", ev.Pass)
	}
	if len(ev.KV) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.KV {
			d = d.Str(k, v)
		}
		e = e.Dict("kv", d)
	}
	e.Msg(ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 record_id/pass 的 start。
func (l *Logger) StartWith(comp, msg, recordID, pass string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", RecordID: recordID, Pass: pass, Msg: msg})
	return &Timer{l: l, comp: comp, recordID: recordID, pass: pass, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 record_id/pass。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, recordID, pass string) {
	l.ErrorWithKV(comp, code, msg, durSince, recordID, pass, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, recordID, pass string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, RecordID: recordID, Pass: pass, KV: kv})
}

// Warn 记录 warn 事件（可恢复异常，例如无法回溯到源记录的 id）。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, recordID, pass string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", RecordID: recordID, Pass: pass, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l        *Logger
	comp     string
	recordID string
	pass     string
	t0       time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, RecordID: t.recordID, Pass: t.pass, Msg: msg})
}

// FinishKV 记录带键值的 finish。
func (t *Timer) FinishKV(msg string, count int64, kv map[string]string) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, RecordID: t.recordID, Pass: t.pass, Msg: msg, KV: kv})
}

// fallbackWriter: 轮转文件写失败时回落 stderr，不丢事件。
type fallbackWriter struct{ primary io.Writer }

func (f fallbackWriter) Write(p []byte) (int, error) {
	if n, err := f.primary.Write(p); err == nil {
		return n, nil
	}
	return os.Stderr.Write(p)
}

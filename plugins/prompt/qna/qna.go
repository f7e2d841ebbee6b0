package qna

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"qnaclean/pkg/contract"
)

// Options 为问答清洗 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// Encoding: 模板文件编码（WHATWG 名称，如 "windows-1251"）；默认 utf-8。
	Encoding string `json:"encoding"`
	// Locale: 默认指令与模板语言，"en"（默认）或 "ru"。
	Locale string `json:"locale"`
	// Instruction: user 消息首行指令；为空时按 Locale 取默认值。
	Instruction string `json:"instruction"`
	// Delimiter: 问题与答案之间的分隔符；默认 "#"。
	Delimiter string `json:"delimiter"`
}

var instructions = map[string]string{
	"en": "Parsed question with answers:",
	"ru": "Спаршенный вопрос с ответами:",
}

// Builder: 以 InputRecord 构造 Prompt（system+user）。
// 运行期不做 I/O；模板在构造期加载，自定义模板不做任何替换。
type Builder struct {
	sys   string
	instr string
	delim string
}

// templateData: 内置 system 模板可引用的字段。
type templateData struct {
	Delimiter string
	Locale    string
}

// New 创建问答清洗 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	loc := strings.ToLower(strings.TrimSpace(o.Locale))
	if loc == "" {
		loc = "en"
	}
	instr := o.Instruction
	if instr == "" {
		var ok bool
		if instr, ok = instructions[loc]; !ok {
			return nil, fmt.Errorf("prompt: unknown locale %q: %w", o.Locale, contract.ErrInvalidInput)
		}
	}
	delim := o.Delimiter
	if delim == "" {
		delim = "#"
	}

	// 用户提供的 system 提示原样使用；仅内置模板渲染分隔符。
	var sys string
	switch {
	case o.InlineSystemTemplate != "":
		sys = o.InlineSystemTemplate
	case o.SystemTemplatePath != "":
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		s, err := decode(b, o.Encoding)
		if err != nil {
			return nil, fmt.Errorf("system template decode: %w", err)
		}
		sys = s
	default:
		s, err := renderDefault(loc, delim)
		if err != nil {
			return nil, err
		}
		sys = s
	}
	return &Builder{sys: sys, instr: instr, delim: delim}, nil
}

// renderDefault 渲染内置 system 模板。
func renderDefault(loc, delim string) (string, error) {
	src := defaultSystemTemplate
	if loc == "ru" {
		src = defaultSystemTemplateRU
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return "", fmt.Errorf("system template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, templateData{Delimiter: delim, Locale: loc}); err != nil {
		return "", fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}
	return buf.String(), nil
}

// decode 将模板字节按指定编码转为 UTF-8；BOM 优先于声明的编码。
func decode(b []byte, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("encoding %q: %w", name, contract.ErrInvalidInput)
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Build: 基于单条记录构造 Prompt。
// user = 指令 + "\n" + 问题 + 分隔符 + 以分隔符连接的答案。
func (b *Builder) Build(ctx context.Context, rec contract.InputRecord) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return contract.Prompt{}, err
	}
	if strings.TrimSpace(rec.Question) == "" {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty question for record %d", contract.ErrInvalidInput, rec.ID)
	}
	var uw strings.Builder
	uw.Grow(len(b.instr) + len(rec.Question) + 64*len(rec.Answers))
	uw.WriteString(b.instr)
	uw.WriteByte('\n')
	uw.WriteString(rec.Question)
	uw.WriteString(b.delim)
	uw.WriteString(strings.Join(rec.Answers, b.delim))
	return contract.Prompt{System: b.sys, User: uw.String()}, nil
}

// EstimateOverheadTokens: 估算与记录无关的固定提示词开销（system + 指令行）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.sys) + estimate(b.instr+"\n"+b.delim)
}

// System 返回最终的 system 提示。
func (b *Builder) System() string { return b.sys }

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// 默认 system 模板（回复为 HTML 标记，标签与 markup 解码器默认值一致）。
const defaultSystemTemplate = `## Role
You clean a crowd-sourced question and answer dataset. Each user message holds one raw question
followed by candidate answers, separated by "{{.Delimiter}}".

## Task
1. Rewrite the question so it is clear, grammatical and self-contained.
2. Merge the candidate answers into one accurate, well structured answer. Drop duplicates and wrong claims.
3. Assign a numeric category id.

## Output format (HTML only, no code fences, no commentary)
<h2>Question:</h2>
<p>reformulated question</p>
<h2>Answer:</h2>
<p>consolidated answer; lists and tables are allowed</p>
<h3>Category:</h3>
<p>category id digits only</p>
`

const defaultSystemTemplateRU = `## Роль
Ты очищаешь набор данных вопросов и ответов. Каждое сообщение содержит исходный вопрос и варианты
ответов, разделённые символом "{{.Delimiter}}".

## Задача
1. Переформулируй вопрос ясно и грамотно.
2. Объедини варианты ответов в один точный структурированный ответ.
3. Укажи числовой идентификатор категории.

## Формат ответа (только HTML, без пояснений)
<h2>Вопрос:</h2>
<p>переформулированный вопрос</p>
<h2>Ответ:</h2>
<p>объединённый ответ</p>
<h3>Категория:</h3>
<p>только цифры</p>
`

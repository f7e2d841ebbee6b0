package markup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"qnaclean/pkg/contract"
)

// Options: 回复标记解析选项（均可选）。
type Options struct {
	// Locale: 标签预设，"en"（默认）或 "ru"。
	Locale string `json:"locale,omitempty"`
	// 显式标签覆盖预设（比较前去除首尾空白，区分大小写）。
	QuestionLabel string `json:"question_label,omitempty"`
	AnswerLabel   string `json:"answer_label,omitempty"`
	CategoryLabel string `json:"category_label,omitempty"`
	// Sanitize: 答案正文经 bluemonday UGC 策略清洗。
	Sanitize bool `json:"sanitize,omitempty"`
	// StripFences: 去除外层 Markdown 代码围栏（```html … ```），默认 true。
	StripFences *bool `json:"strip_fences,omitempty"`
}

type labels struct{ question, answer, category string }

var presets = map[string]labels{
	"en": {"Question:", "Answer:", "Category:"},
	"ru": {"Вопрос:", "Ответ:", "Категория:"},
}

// Decoder 按标题分节解析 HTML 回复。
type Decoder struct {
	lb     labels
	fences bool
	policy *bluemonday.Policy
}

var _ contract.Decoder = (*Decoder)(nil)

// New 从原样 JSON Options 创建解码器；未知字段报错。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("markup options: %w", err)
		}
	}
	return NewWithOptions(opts)
}

// NewWithOptions 以结构化选项创建解码器。
func NewWithOptions(o Options) (*Decoder, error) {
	loc := strings.ToLower(strings.TrimSpace(o.Locale))
	if loc == "" {
		loc = "en"
	}
	lb, ok := presets[loc]
	if !ok {
		return nil, fmt.Errorf("markup: unknown locale %q: %w", o.Locale, contract.ErrInvalidInput)
	}
	if s := strings.TrimSpace(o.QuestionLabel); s != "" {
		lb.question = s
	}
	if s := strings.TrimSpace(o.AnswerLabel); s != "" {
		lb.answer = s
	}
	if s := strings.TrimSpace(o.CategoryLabel); s != "" {
		lb.category = s
	}
	d := &Decoder{lb: lb, fences: true}
	if o.StripFences != nil {
		d.fences = *o.StripFences
	}
	if o.Sanitize {
		d.policy = bluemonday.UGCPolicy()
	}
	return d, nil
}

// Decode 解析回复文本；永不失败，结构缺失以占位文本表达。
func (d *Decoder) Decode(text string) contract.ParsedResponse {
	items, err := d.scan(text)
	if err != nil {
		return contract.ParseErrorResponse()
	}
	ans := d.answer(items)
	if d.policy != nil && ans != contract.AnswerHeaderNotFound {
		ans = strings.TrimSpace(d.policy.Sanitize(ans))
	}
	return contract.ParsedResponse{
		Question: d.question(items),
		Answer:   ans,
		Category: d.category(items),
	}
}

// Category 仅提取类别字段。
func (d *Decoder) Category(text string) string {
	items, err := d.scan(text)
	if err != nil {
		return contract.CategoryParseError
	}
	return d.category(items)
}

var defaultDecoder, _ = NewWithOptions(Options{})

// Category 以默认（英文）标签提取类别。
func Category(text string) string { return defaultDecoder.Category(text) }

var digits = regexp.MustCompile(`^[0-9]+$`)

func (d *Decoder) scan(text string) ([]item, error) {
	if d.fences {
		text = stripFences(text)
	}
	root, err := parse(text)
	if err != nil {
		return nil, err
	}
	s := scanner{src: text}
	s.walk(root)
	s.flush()
	return s.items, nil
}

// find 返回第一个标签（去除首尾空白后）逐字相等的标题下标，未找到为 -1。
func find(items []item, label string) int {
	for i, it := range items {
		if it.level > 0 && it.label == label {
			return i
		}
	}
	return -1
}

// firstBlock 返回 h 之后、下一个同级或更高级标题之前的第一个块。
func firstBlock(items []item, h int) (item, bool) {
	lv := items[h].level
	for _, it := range items[h+1:] {
		if it.level > 0 && it.level <= lv {
			break
		}
		if it.level == 0 {
			return it, true
		}
	}
	return item{}, false
}

func (d *Decoder) question(items []item) string {
	h := find(items, d.lb.question)
	if h < 0 {
		return contract.QuestionNotFound
	}
	b, ok := firstBlock(items, h)
	if !ok || b.text == "" {
		return contract.QuestionNotFound
	}
	return b.text
}

func (d *Decoder) answer(items []item) string {
	h := find(items, d.lb.answer)
	if h < 0 {
		return contract.AnswerHeaderNotFound
	}
	lv := items[h].level
	var b strings.Builder
	skipValue := false
	for _, it := range items[h+1:] {
		if it.level > 0 && it.level <= lv {
			break
		}
		// 嵌入的类别标题及其取值块不属于答案正文
		if it.level > 0 && it.label == d.lb.category {
			skipValue = true
			continue
		}
		if skipValue && it.level == 0 {
			skipValue = false
			continue
		}
		skipValue = false
		b.WriteString(it.markup)
	}
	return strings.TrimSpace(b.String())
}

func (d *Decoder) category(items []item) string {
	h := find(items, d.lb.category)
	if h < 0 {
		return contract.CategoryUndetermined
	}
	b, ok := firstBlock(items, h)
	if !ok || !digits.MatchString(b.text) {
		return contract.CategoryUndetermined
	}
	return b.text
}

// stripFences 去除包裹整段回复的 Markdown 代码围栏。
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return s
	}
	body := strings.TrimSpace(t[nl+1:])
	body = strings.TrimSuffix(body, "```")
	return body
}

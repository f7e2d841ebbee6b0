package qna

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"qnaclean/pkg/contract"
)

// UT-PRQ-01: 默认模板构造
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := b.Build(context.Background(), contract.InputRecord{ID: 1, Question: "What is X?", Answers: []string{"A", "B"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.User != "Parsed question with answers:\nWhat is X?#A#B" {
		t.Fatalf("user message: %q", p.User)
	}
	if !strings.Contains(p.System, "<h3>Category:</h3>") || !strings.Contains(p.System, `separated by "#"`) {
		t.Fatalf("system template not rendered: %s", p.System)
	}
}

// 无答案时仍以分隔符结尾
func TestBuildNoAnswers(t *testing.T) {
	b, _ := New(&Options{Instruction: "Q:", Delimiter: "|"})
	p, err := b.Build(context.Background(), contract.InputRecord{ID: 2, Question: "q"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.User != "Q:\nq|" {
		t.Fatalf("user message: %q", p.User)
	}
}

// UT-PRQ-02: 空问题与取消
func TestBuildInvalid(t *testing.T) {
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.InputRecord{ID: 3, Question: "  "}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, contract.InputRecord{ID: 1, Question: "q"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx error, got %v", err)
	}
}

// UT-PRQ-03: windows-1251 模板文件
func TestTemplateWindows1251(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.txt")
	enc, err := charmap.Windows1251.NewEncoder().String("Ты редактор. Разделитель {{.Delimiter}}")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, []byte(enc), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(&Options{SystemTemplatePath: path, Encoding: "windows-1251", Locale: "ru"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b.System() != "Ты редактор. Разделитель {{.Delimiter}}" {
		t.Fatalf("decoded template: %q", b.System())
	}
	p, _ := b.Build(context.Background(), contract.InputRecord{ID: 1, Question: "q", Answers: []string{"a"}})
	if !strings.HasPrefix(p.User, "Спаршенный вопрос с ответами:\n") {
		t.Fatalf("ru instruction missing: %q", p.User)
	}
}

// UTF-8 BOM 优先于声明编码
func TestTemplateBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.txt")
	os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, []byte("Привет")...), 0o644)
	b, err := New(&Options{SystemTemplatePath: path, Encoding: "windows-1251"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b.System() != "Привет" {
		t.Fatalf("bom not honored: %q", b.System())
	}
}

// 开销估算
func TestEstimateOverhead(t *testing.T) {
	b, _ := New(&Options{InlineSystemTemplate: "sys"})
	est := b.EstimateOverheadTokens(func(s string) int { return len(s) })
	if est != len("sys")+len("Parsed question with answers:\n#") {
		t.Fatalf("unexpected estimate %d", est)
	}
	if b.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil estimator should be 0")
	}
}

// 构造失败分支
func TestNewErrors(t *testing.T) {
	if _, err := New(&Options{SystemTemplatePath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expect read error")
	}
	if _, err := New(&Options{Locale: "de"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect locale error")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "p.txt")
	os.WriteFile(path, []byte("x"), 0o644)
	if _, err := New(&Options{SystemTemplatePath: path, Encoding: "no-such-enc"}); err == nil {
		t.Fatalf("expect encoding error")
	}
}

// 自定义 system 提示原样使用，花括号不被解释
func TestCustomSystemVerbatim(t *testing.T) {
	for _, src := range []string{
		`Reply as JSON like {{"q": ...}} or use {{.Name}}`,
		"{{",
		"Use {{.Delimiter}} literally",
	} {
		b, err := New(&Options{InlineSystemTemplate: src, Delimiter: "|"})
		if err != nil {
			t.Fatalf("new %q: %v", src, err)
		}
		p, err := b.Build(context.Background(), contract.InputRecord{ID: 1, Question: "q"})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if p.System != src {
			t.Fatalf("system altered: got %q want %q", p.System, src)
		}
	}

	path := filepath.Join(t.TempDir(), "p.txt")
	if err := os.WriteFile(path, []byte("file {{ body }}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(&Options{SystemTemplatePath: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b.System() != "file {{ body }}\n" {
		t.Fatalf("file template altered: %q", b.System())
	}
}

// 内置俄文模板渲染自定义分隔符
func TestBuildDefaultRussian(t *testing.T) {
	b, err := New(&Options{Locale: "ru", Delimiter: "|"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !strings.Contains(b.System(), `символом "|"`) || strings.Contains(b.System(), "{{") {
		t.Fatalf("default ru template not rendered: %s", b.System())
	}
}

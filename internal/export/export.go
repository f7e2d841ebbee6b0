package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"qnaclean/pkg/contract"
)

// Format 导出格式。
type Format string

const (
	FormatJSONL    Format = "jsonl"
	FormatMarkdown Format = "markdown"
)

// ParseFormat 解析格式名（大小写不敏感，"md" 为 markdown 别名）。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl":
		return FormatJSONL, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("export: unknown format %q: %w", s, contract.ErrInvalidInput)
}

// Options 导出选项。
type Options struct {
	Format Format
	// ValidOnly: 仅导出类别有效的记录。
	ValidOnly bool
	// AnswerMarkdown: JSONL 行附加 answer_markdown 字段。
	AnswerMarkdown bool
}

// line: JSONL 行结构。
type line struct {
	contract.ResultRecord
	AnswerMarkdown string `json:"answer_markdown,omitempty"`
}

// Exporter 将结果表渲染为 JSONL 或 Markdown 文档。
type Exporter struct {
	conv *converter.Converter
}

// New 构造导出器（HTML→Markdown 使用 base + commonmark + table 插件）。
func New() *Exporter {
	return &Exporter{conv: converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)}
}

// Markdown 将答案 HTML 片段转为 Markdown。
func (e *Exporter) Markdown(fragment string) (string, error) {
	md, err := e.conv.ConvertString(fragment)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// Render 按 o.Format 写出 recs，返回写出的记录数。
func (e *Exporter) Render(w io.Writer, recs []contract.ResultRecord, o Options) (int, error) {
	bw := bufio.NewWriter(w)
	n := 0
	for i, r := range recs {
		if o.ValidOnly && !contract.ValidCategory(r.Category) {
			continue
		}
		var err error
		switch o.Format {
		case FormatMarkdown:
			err = e.markdownEntry(bw, r, i == 0)
		case FormatJSONL, "":
			err = e.jsonLine(bw, r, o.AnswerMarkdown)
		default:
			err = fmt.Errorf("export: unknown format %q: %w", o.Format, contract.ErrInvalidInput)
		}
		if err != nil {
			return n, fmt.Errorf("export record %d: %w", r.ID, err)
		}
		n++
	}
	return n, bw.Flush()
}

func (e *Exporter) jsonLine(w io.Writer, r contract.ResultRecord, withMD bool) error {
	l := line{ResultRecord: r}
	if withMD {
		md, err := e.Markdown(r.Answer)
		if err != nil {
			return err
		}
		l.AnswerMarkdown = md
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(l)
}

func (e *Exporter) markdownEntry(w io.Writer, r contract.ResultRecord, first bool) error {
	md, err := e.Markdown(r.Answer)
	if err != nil {
		return err
	}
	if !first {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "## %d. %s\n\n%s\n\n_Category: %s_\n", r.ID, oneLine(r.Question), md, r.Category)
	return err
}

func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }

// ToArtifact 渲染后经 Writer 整体写入 id（原子替换由 Writer 实现决定）。
func (e *Exporter) ToArtifact(ctx context.Context, w contract.Writer, id contract.ArtifactID, recs []contract.ResultRecord, o Options) (int, error) {
	var buf bytes.Buffer
	n, err := e.Render(&buf, recs, o)
	if err != nil {
		return 0, err
	}
	if err := w.Write(ctx, id, &buf); err != nil {
		return 0, err
	}
	return n, nil
}

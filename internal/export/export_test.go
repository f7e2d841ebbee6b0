package export

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnaclean/pkg/contract"
	wfs "qnaclean/plugins/writer/filesystem"
)

var sample = []contract.ResultRecord{
	{ID: 1, Question: "What is X?", Answer: "<p>X is <strong>Y</strong>.</p><p>Second.</p>", Category: "5"},
	{ID: 2, Question: "error", Answer: "error", Category: "undetermined"},
}

// UT-EXP-01: JSONL 行保留 HTML 原文并附带 Markdown
func TestRenderJSONL(t *testing.T) {
	var buf bytes.Buffer
	n, err := New().Render(&buf, sample, Options{Format: FormatJSONL, AnswerMarkdown: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"answer":"<p>X is <strong>Y</strong>.</p><p>Second.</p>"`)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, float64(1), got["id"])
	assert.Equal(t, "What is X?", got["reformulated_question"])
	assert.Equal(t, "5", got["category"])
	assert.Equal(t, "X is **Y**.\n\nSecond.", got["answer_markdown"])
}

// UT-EXP-02: 仅导出有效记录
func TestRenderValidOnly(t *testing.T) {
	var buf bytes.Buffer
	n, err := New().Render(&buf, sample, Options{ValidOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, buf.String(), "answer_markdown")
	assert.NotContains(t, buf.String(), "undetermined")
}

// UT-EXP-03: Markdown 文档
func TestRenderMarkdown(t *testing.T) {
	var buf bytes.Buffer
	_, err := New().Render(&buf, sample[:1], Options{Format: FormatMarkdown})
	require.NoError(t, err)
	assert.Equal(t, "## 1. What is X?\n\nX is **Y**.\n\nSecond.\n\n_Category: 5_\n", buf.String())
}

// UT-EXP-04: 经文件系统 Writer 落盘
func TestToArtifact(t *testing.T) {
	dir := t.TempDir()
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	require.NoError(t, err)
	n, err := New().ToArtifact(context.Background(), w, "export/clean.jsonl", sample, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	b, err := os.ReadFile(filepath.Join(dir, "export", "clean.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSONL, "JSONL": FormatJSONL, "md": FormatMarkdown, "markdown": FormatMarkdown} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

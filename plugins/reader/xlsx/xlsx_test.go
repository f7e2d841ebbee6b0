package xlsx

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"qnaclean/pkg/contract"
)

func workbook(t *testing.T, path, sheet string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		_, err := f.NewSheet(sheet)
		require.NoError(t, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}
	require.NoError(t, f.SaveAs(path))
}

// UT-XLS-01: 第一个工作表、空单元格剔除
func TestReadFirstSheet(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.xlsx")
	workbook(t, p, "Sheet1", [][]any{
		{"What is X?", "A", nil, "B"},
		{"Number answer", 42},
		{nil, "orphan"},
		{"Last"},
	})
	r, err := New(nil)
	require.NoError(t, err)
	got, err := r.Read(context.Background(), p)
	require.NoError(t, err)
	want := []contract.InputRecord{
		{ID: 1, Question: "What is X?", Answers: []string{"A", "B"}},
		{ID: 2, Question: "Number answer", Answers: []string{"42"}},
		{ID: 4, Question: "Last"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

// UT-XLS-02: 指定工作表与表头
func TestReadNamedSheetHeader(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.xlsx")
	workbook(t, p, "data", [][]any{{"question", "answer"}, {"q1", "a1"}})
	r, err := New(json.RawMessage(`{"sheet":"data","header":true}`))
	require.NoError(t, err)
	got, err := r.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []contract.InputRecord{{ID: 1, Question: "q1", Answers: []string{"a1"}}}, got)

	r2, _ := New(json.RawMessage(`{"sheet":"missing"}`))
	_, err = r2.Read(context.Background(), p)
	assert.ErrorIs(t, err, contract.ErrDatasetInvalid)
}

// 非工作簿内容
func TestReadNotWorkbook(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))
	r, _ := New(nil)
	_, err := r.Read(context.Background(), p)
	assert.ErrorIs(t, err, contract.ErrDatasetInvalid)
	_, err = New(json.RawMessage(`{"nope":true}`))
	assert.Error(t, err)
}

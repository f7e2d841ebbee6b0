package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnaclean/internal/batch"
	"qnaclean/pkg/contract"
	"qnaclean/plugins/decoder/markup"
	"qnaclean/plugins/llmclient/mock"
	"qnaclean/plugins/prompt/qna"
	"qnaclean/plugins/table/csvfile"
)

type memTable struct {
	mu       sync.Mutex
	rows     []contract.ResultRecord
	rewrites int
}

func (m *memTable) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return contract.NewRows(m.rows).Records(), nil
}

func (m *memTable) Append(ctx context.Context, recs []contract.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, recs...)
	return nil
}

func (m *memTable) Rewrite(ctx context.Context, recs []contract.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewrites++
	m.rows = append([]contract.ResultRecord(nil), recs...)
	return nil
}

func (m *memTable) Close() error { return nil }

func row(id int, cat string) contract.ResultRecord {
	return contract.ResultRecord{ID: contract.RecordID(id), Question: "q", Answer: "a", Category: cat}
}

func input(ids ...int) []contract.InputRecord {
	out := make([]contract.InputRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, contract.InputRecord{ID: contract.RecordID(id), Question: fmt.Sprintf("Q%d", id)})
	}
	return out
}

// fixN: 每轮仅修复前 n 条，其余保持 undetermined；每轮费用 cost。
func fixN(n int, cost float64, seen *[][]contract.RecordID) Processor {
	return func(ctx context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		var ids []contract.RecordID
		out := make([]contract.ResultRecord, 0, len(recs))
		for i, r := range recs {
			ids = append(ids, r.ID)
			cat := contract.CategoryUndetermined
			if i < n {
				cat = "7"
			}
			out = append(out, contract.ResultRecord{ID: r.ID, Question: r.Question, Answer: "a", Category: cat})
		}
		if seen != nil {
			*seen = append(*seen, ids)
		}
		return out, contract.RunMetrics{TotalCost: cost, Calls: int64(len(recs))}, nil
	}
}

// UT-CNV-01: 单轮收敛，整表重写
func TestConverged(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "5"), row(2, "error"), row(3, "undetermined"), row(4, "0")}}
	var seen [][]contract.RecordID
	rep, err := Run(context.Background(), fixN(100, 0.01, &seen), input(1, 2, 3, 4), tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Converged, rep.Outcome)
	assert.Equal(t, 1, rep.Passes)
	assert.Empty(t, rep.Invalid)
	assert.NoError(t, rep.Err())
	assert.Equal(t, [][]contract.RecordID{{2, 3, 4}}, seen)
	assert.Equal(t, 1, tb.rewrites)
	got, _ := tb.Load(context.Background())
	assert.Len(t, got, 4)
	assert.Empty(t, contract.Invalid(got))
	require.Len(t, rep.History, 1)
	assert.Equal(t, PassStat{Pass: 1, Selected: 3, InvalidBefore: 3, InvalidAfter: 0, Metrics: contract.RunMetrics{TotalCost: 0.01, Calls: 3}}, rep.History[0])
}

// UT-CNV-02: 已全部有效时不调用处理器
func TestAlreadyValid(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "5"), row(2, "00")}}
	called := false
	proc := func(ctx context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		called = true
		return nil, contract.RunMetrics{}, nil
	}
	rep, err := Run(context.Background(), proc, input(1, 2), tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Converged, rep.Outcome)
	assert.Zero(t, rep.Passes)
	assert.False(t, called)
	assert.Zero(t, tb.rewrites)
}

// UT-CNV-03: 连续两轮无进展 → Stalled
func TestStalled(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "x"), row(2, "5")}}
	rep, err := Run(context.Background(), fixN(0, 0, nil), input(1, 2), tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Stalled, rep.Outcome)
	assert.Equal(t, 2, rep.Passes)
	assert.Equal(t, []contract.RecordID{1}, rep.Invalid)
	assert.ErrorIs(t, rep.Err(), contract.ErrNotConverged)
	assert.NotErrorIs(t, rep.Err(), contract.ErrBudgetExceeded)
}

// UT-CNV-04: 轮数上限 → BudgetExhausted
func TestBudgetIterations(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "x"), row(2, "x"), row(3, "x"), row(4, "x"), row(5, "x")}}
	rep, err := Run(context.Background(), fixN(1, 0, nil), input(1, 2, 3, 4, 5), tb, Settings{MaxIterations: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, rep.Outcome)
	assert.Equal(t, 3, rep.Passes)
	assert.Equal(t, []contract.RecordID{4, 5}, rep.Invalid)
	assert.ErrorIs(t, rep.Err(), contract.ErrNotConverged)
	assert.ErrorIs(t, rep.Err(), contract.ErrBudgetExceeded)
}

// UT-CNV-05: 费用上限 → BudgetExhausted
func TestBudgetCost(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "x"), row(2, "x"), row(3, "x"), row(4, "x")}}
	rep, err := Run(context.Background(), fixN(1, 1.0, nil), input(1, 2, 3, 4), tb, Settings{MaxCost: 1.5}, nil)
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, rep.Outcome)
	assert.Equal(t, 2, rep.Passes)
	assert.InDelta(t, 2.0, rep.Metrics.TotalCost, 1e-9)
}

// UT-CNV-06: 无源记录的 id 报告为 unresolved，且不参与重处理
func TestUnresolved(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "x"), row(99, "error")}}
	var seen [][]contract.RecordID
	rep, err := Run(context.Background(), fixN(100, 0, &seen), input(1, 2), tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Stalled, rep.Outcome)
	assert.Equal(t, 1, rep.Passes)
	assert.Equal(t, []contract.RecordID{99}, rep.Unresolved)
	assert.Equal(t, []contract.RecordID{99}, rep.Invalid)
	assert.Equal(t, [][]contract.RecordID{{1}}, seen)
}

// UT-CNV-07: 非连续 id 通过索引解析（不做行号偏移）
func TestStableIDs(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(9, "x"), row(1, "5"), row(5, "x")}}
	var got []contract.InputRecord
	proc := func(ctx context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		got = append(got, recs...)
		return fixN(100, 0, nil)(ctx, pass, recs)
	}
	rep, err := Run(context.Background(), proc, input(1, 5, 9), tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Converged, rep.Outcome)
	require.Len(t, got, 2)
	assert.Equal(t, "Q9", got[0].Question)
	assert.Equal(t, "Q5", got[1].Question)
	rows, _ := tb.Load(context.Background())
	assert.Equal(t, []contract.RecordID{9, 1, 5}, []contract.RecordID{rows[0].ID, rows[1].ID, rows[2].ID})
}

// UT-CNV-08: 取消时合并已完成部分后返回
func TestCanceledMidPass(t *testing.T) {
	tb := &memTable{rows: []contract.ResultRecord{row(1, "x"), row(2, "x")}}
	ctx, cancel := context.WithCancel(context.Background())
	proc := func(c context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		cancel()
		return []contract.ResultRecord{{ID: recs[0].ID, Question: "q", Answer: "a", Category: "3"}}, contract.RunMetrics{}, c.Err()
	}
	rep, err := Run(ctx, proc, input(1, 2), tb, Settings{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Passes)
	assert.Equal(t, []contract.RecordID{2}, rep.Invalid)
	rows, _ := tb.Load(context.Background())
	assert.Equal(t, []contract.RecordID{2}, contract.Invalid(rows))
}

func TestInputErrors(t *testing.T) {
	_, err := Run(context.Background(), nil, nil, &memTable{}, Settings{}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = Run(context.Background(), fixN(1, 0, nil), input(1, 1), &memTable{}, Settings{}, nil)
	assert.ErrorIs(t, err, contract.ErrDatasetInvalid)
}

// UT-CNV-09: 批处理 + CSV 表联调：首轮第 2 条缺少类别，收敛一轮修复
func TestWithBatchAndCSV(t *testing.T) {
	ctx := context.Background()
	tb, err := csvfile.Open(csvfile.Options{Path: filepath.Join(t.TempDir(), "results.csv")})
	require.NoError(t, err)
	llm, err := mock.New(json.RawMessage(`{"uncategorized_calls":[2]}`))
	require.NoError(t, err)
	pb, err := qna.New(nil)
	require.NoError(t, err)
	dec, err := markup.New(nil)
	require.NoError(t, err)
	comp := batch.Components{Prompt: pb, LLM: llm, Decoder: dec, Sink: tb}
	recs := []contract.InputRecord{
		{ID: 1, Question: "What is X?", Answers: []string{"A", "B"}},
		{ID: 2, Question: "Why?", Answers: []string{"because"}},
		{ID: 3, Question: "How?"},
	}
	out, _, err := batch.Run(ctx, comp, batch.Settings{CheckpointEvery: 100}, recs, nil)
	require.NoError(t, err)
	assert.Equal(t, []contract.RecordID{2}, contract.Invalid(out))

	proc := func(ctx context.Context, pass int, sub []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error) {
		return batch.Run(ctx, comp, batch.Settings{CheckpointEvery: 100, Pass: fmt.Sprintf("pass %d", pass)}, sub, nil)
	}
	rep, err := Run(ctx, proc, recs, tb, Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Converged, rep.Outcome)
	assert.Equal(t, 1, rep.Passes)
	assert.Equal(t, int64(1), rep.Metrics.Calls)

	rows, err := tb.Load(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, contract.ResultRecord{ID: 2, Question: "Why?", Answer: "<p>because</p>", Category: "5"}, rows[1])
	assert.Equal(t, "<p>no answer</p>", rows[2].Answer)
}

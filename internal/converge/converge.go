package converge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"qnaclean/internal/diag"
	"qnaclean/pkg/contract"
)

// Outcome 收敛循环的终止状态。
type Outcome string

const (
	Converged       Outcome = "converged"
	Stalled         Outcome = "stalled"
	BudgetExhausted Outcome = "budget_exhausted"
)

const (
	DefaultMaxIterations  = 10
	DefaultMaxStallPasses = 2
)

// Processor 对记录子集执行一轮批处理（生产实现为 batch.Run 的闭包）。
// 约束：返回结果与输入一一对应（出错时为已完成前缀）。
type Processor func(ctx context.Context, pass int, recs []contract.InputRecord) ([]contract.ResultRecord, contract.RunMetrics, error)

// Settings 收敛预算。
type Settings struct {
	// MaxIterations: 最多重处理轮数；<=0 使用 10。
	MaxIterations int
	// MaxCost: 累计费用上限（美元）；<=0 不限制。
	MaxCost float64
	// MaxStallPasses: 连续多少轮无效数未下降即判定停滞；<=0 使用 2。
	MaxStallPasses int
}

// PassStat 单轮统计。
type PassStat struct {
	Pass          int
	Selected      int
	InvalidBefore int
	InvalidAfter  int
	Metrics       contract.RunMetrics
}

// Report 收敛结果。
type Report struct {
	Outcome Outcome
	Passes  int
	// Invalid: 结束时仍未通过有效性谓词的 id。
	Invalid []contract.RecordID
	// Unresolved: 表中存在但数据集中找不到源记录的 id（无法重处理）。
	Unresolved []contract.RecordID
	Metrics    contract.RunMetrics
	History    []PassStat
}

// Err 将非收敛结果映射为 contract.ErrNotConverged（预算耗尽同时携带 ErrBudgetExceeded）。
func (r Report) Err() error {
	switch r.Outcome {
	case Converged:
		return nil
	case BudgetExhausted:
		return fmt.Errorf("%s after %d passes, %d invalid rows remain: %w: %w",
			r.Outcome, r.Passes, len(r.Invalid), contract.ErrNotConverged, contract.ErrBudgetExceeded)
	default:
		return fmt.Errorf("%s after %d passes, %d invalid rows remain: %w",
			r.Outcome, r.Passes, len(r.Invalid), contract.ErrNotConverged)
	}
}

// Run 反复选出无效记录、重处理、按 id 合并并整表重写，直到收敛、停滞或预算耗尽。
// 返回的 error 仅表示无法继续（加载/持久化失败或 ctx 取消）；非收敛通过 Report.Outcome 表达。
func Run(ctx context.Context, proc Processor, dataset []contract.InputRecord, table contract.Table, set Settings, logger *diag.Logger) (Report, error) {
	var rep Report
	if proc == nil || table == nil {
		return rep, fmt.Errorf("converge: processor and table required: %w", contract.ErrInvalidInput)
	}
	maxIter := set.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	maxStall := set.MaxStallPasses
	if maxStall <= 0 {
		maxStall = DefaultMaxStallPasses
	}
	index, err := contract.IndexByID(dataset)
	if err != nil {
		return rep, err
	}
	loaded, err := table.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("converge load: %w", err)
	}
	rows := contract.NewRows(loaded)
	start := time.Now()
	timer := logger.Start("converge", "loop")
	warned := map[contract.RecordID]bool{}
	stall := 0

	for {
		invalid := contract.Invalid(rows.Records())
		rep.Invalid = invalid
		if len(invalid) == 0 {
			rep.Outcome = Converged
			break
		}
		if rep.Passes >= maxIter || (set.MaxCost > 0 && rep.Metrics.TotalCost >= set.MaxCost) {
			rep.Outcome = BudgetExhausted
			break
		}

		subset, unresolved := selectRecords(invalid, index)
		rep.Unresolved = unresolved
		for _, id := range unresolved {
			if !warned[id] {
				warned[id] = true
				logger.Warn("converge", "invalid row has no source record", map[string]string{"record_id": strconv.FormatInt(int64(id), 10)})
			}
		}
		if len(subset) == 0 {
			rep.Outcome = Stalled
			break
		}

		pass := rep.Passes + 1
		label := "pass " + strconv.Itoa(pass)
		pt := logger.StartWith("converge", "pass", "", label)
		results, m, perr := proc(ctx, pass, subset)
		rep.Passes = pass
		rep.Metrics = rep.Metrics.Add(m)
		for _, r := range results {
			rows.Upsert(r)
		}
		wctx := ctx
		if perr != nil {
			// 取消后仍需合并已完成部分
			wctx = context.WithoutCancel(ctx)
		}
		if err := table.Rewrite(wctx, rows.Records()); err != nil {
			code := diag.Classify(err)
			logger.ErrorWith("converge", string(code), "rewrite failed", &start, "", label)
			diag.IncError("converge", string(code))
			return rep, fmt.Errorf("converge rewrite: %w", err)
		}
		after := len(contract.Invalid(rows.Records()))
		rep.History = append(rep.History, PassStat{
			Pass: pass, Selected: len(subset), InvalidBefore: len(invalid), InvalidAfter: after, Metrics: m,
		})
		pt.FinishKV("pass", int64(len(results)), map[string]string{
			"selected":       strconv.Itoa(len(subset)),
			"invalid_before": strconv.Itoa(len(invalid)),
			"invalid_after":  strconv.Itoa(after),
		})
		diag.IncOp("converge", "pass", "success")
		if perr != nil {
			rep.Invalid = contract.Invalid(rows.Records())
			return rep, perr
		}

		if after >= len(invalid) {
			stall++
		} else {
			stall = 0
		}
		if stall >= maxStall {
			rep.Invalid = contract.Invalid(rows.Records())
			rep.Outcome = Stalled
			break
		}
	}

	timer.FinishKV(string(rep.Outcome), int64(rep.Passes), map[string]string{
		"invalid":    strconv.Itoa(len(rep.Invalid)),
		"unresolved": strconv.Itoa(len(rep.Unresolved)),
		"cost":       strconv.FormatFloat(rep.Metrics.TotalCost, 'f', 6, 64),
	})
	diag.IncOp("converge", "finish", string(rep.Outcome))
	diag.ObserveDuration("converge", "loop", time.Since(start).Milliseconds())
	return rep, nil
}

// selectRecords 通过 id 索引解析无效 id；找不到源记录的 id 归入 unresolved。
func selectRecords(ids []contract.RecordID, index map[contract.RecordID]contract.InputRecord) (subset []contract.InputRecord, unresolved []contract.RecordID) {
	for _, id := range ids {
		if rec, ok := index[id]; ok {
			subset = append(subset, rec)
		} else {
			unresolved = append(unresolved, id)
		}
	}
	return subset, unresolved
}

package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"qnaclean/internal/cost"
	"qnaclean/internal/diag"
	"qnaclean/internal/rate"
	"qnaclean/pkg/contract"
)

// - 严格顺序：同一时刻仅一条记录在途；结果顺序与输入一致。
// - 单条失败隔离：补全失败（网络/状态码/限流/畸形回复/闸门拒绝）落为占位记录，不重试，继续下一条。
// - 取消不是单条失败：ctx 取消后停止处理，冲刷已完成但未落盘的结果后返回 ctx 错误。
// - 检查点：每 CheckpointEvery 条追加到 Sink；检查点写入失败为致命错误。

// Components 聚合单轮批处理所需的组件。
type Components struct {
	Prompt  contract.PromptBuilder
	LLM     contract.LLMClient
	Decoder contract.Decoder
	// Sink: 检查点目标表（可选）；为 nil 时结果仅在内存中返回。
	Sink contract.Table
}

// Settings 单轮运行参数。
type Settings struct {
	Model           string
	MaxOutputTokens int
	Temperature     *float64
	// CheckpointEvery: 每 N 条结果追加一次 Sink；<=0 时仅在结束时一次性追加。
	CheckpointEvery int
	// Accountant: token/费用核算；nil 使用默认费率。
	Accountant *cost.Accountant
	// Gate/GateKey: 限流闸门（可选）。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Pass: 日志与终端中的轮次标签（首轮 "run"，收敛轮 "pass N"）。
	Pass string
}

// Run 顺序处理 records，返回与之一一对应的结果记录与本轮用量汇总。
// 返回的错误仅有两类：ctx 取消/超时，或检查点写入失败；此时结果为已完成部分。
func Run(ctx context.Context, comp Components, set Settings, records []contract.InputRecord, logger *diag.Logger) ([]contract.ResultRecord, contract.RunMetrics, error) {
	var m contract.RunMetrics
	if err := sanity(comp); err != nil {
		return nil, m, fmt.Errorf("sanity: %w", err)
	}
	acct := set.Accountant
	if acct == nil {
		acct = cost.New(cost.Rates{})
	}
	pass := set.Pass
	if pass == "" {
		pass = "run"
	}
	est := acct.Estimator(set.Model)
	start := time.Now()
	term := diag.GetTerminal()
	term.PassStart(pass, len(records))
	timer := logger.StartWith("batch", "run", "", pass)

	out := make([]contract.ResultRecord, 0, len(records))
	var pending []contract.ResultRecord
	flush := func(ctx context.Context) error {
		if comp.Sink == nil || len(pending) == 0 {
			return nil
		}
		t0 := time.Now()
		if err := comp.Sink.Append(ctx, pending); err != nil {
			code := diag.Classify(err)
			logger.ErrorWithKV("table", string(code), "checkpoint append failed", &t0, "", pass,
				map[string]string{"rows": strconv.Itoa(len(pending))})
			diag.IncOp("table", "error", "error")
			diag.IncError("table", string(code))
			return fmt.Errorf("checkpoint: %w", err)
		}
		diag.IncOp("table", "finish", "success")
		diag.ObserveDuration("table", "append", time.Since(t0).Milliseconds())
		pending = pending[:0]
		return nil
	}

	var stopErr error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		res, delta, err := processOne(ctx, comp, set, acct, est, rec, pass, logger)
		if err != nil {
			stopErr = err
			break
		}
		m = m.Add(delta)
		out = append(out, res)
		pending = append(pending, res)
		term.RecordProgress(len(out), int(m.Failures), m.TotalTokens, m.TotalCost)
		if set.CheckpointEvery > 0 && len(pending) >= set.CheckpointEvery {
			if err := flush(ctx); err != nil {
				return out, m, err
			}
		}
	}

	// 取消后仍需落盘已完成结果
	if err := flush(context.WithoutCancel(ctx)); err != nil {
		return out, m, err
	}
	invalid := len(contract.Invalid(out))
	term.PassFinish(invalid, time.Since(start))
	if stopErr != nil {
		logger.ErrorWith("batch", string(diag.Classify(stopErr)), "stopped", &start, "", pass)
		return out, m, stopErr
	}
	timer.FinishKV("run", int64(len(out)), map[string]string{
		"failures": strconv.FormatInt(m.Failures, 10),
		"invalid":  strconv.Itoa(invalid),
		"tokens":   strconv.FormatInt(m.TotalTokens, 10),
		"cost":     strconv.FormatFloat(m.TotalCost, 'f', 6, 64),
	})
	diag.IncOp("batch", "finish", "success")
	diag.ObserveDuration("batch", "run", time.Since(start).Milliseconds())
	return out, m, nil
}

// processOne 处理单条记录。仅在 ctx 取消时返回错误；其余失败以占位记录表达。
func processOne(ctx context.Context, comp Components, set Settings, acct *cost.Accountant, est contract.TokenEstimator,
	rec contract.InputRecord, pass string, logger *diag.Logger) (contract.ResultRecord, contract.RunMetrics, error) {
	rid := strconv.FormatInt(int64(rec.ID), 10)
	failed := func(stage, msg string, err error) (contract.ResultRecord, contract.RunMetrics, error) {
		code := diag.Classify(err)
		var kv map[string]string
		if status, m, ok := contract.Upstream(err); ok {
			kv = map[string]string{"http_status": strconv.Itoa(status)}
			if m != "" {
				kv["upstream_msg"] = m
			}
		}
		logger.ErrorWithKV(stage, string(code), msg, nil, rid, pass, kv)
		diag.IncOp(stage, "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError(stage, string(code))
		}
		return contract.ErrorRecord(rec.ID), contract.RunMetrics{Calls: 1, Failures: 1}, nil
	}

	p, err := comp.Prompt.Build(ctx, rec)
	if err != nil {
		return failed("prompt_builder", "build failed", err)
	}

	tokens := est(p.System) + est(p.User) + set.MaxOutputTokens
	if set.Gate != nil {
		logger.DebugStart("gate", "ask", rid, pass, map[string]string{"tokens": strconv.Itoa(tokens)})
		if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return contract.ResultRecord{}, contract.RunMetrics{}, cerr
			}
			return failed("gate", "wait failed", err)
		}
	}

	t := logger.StartWith("llm_client", "invoke", rid, pass)
	raw, err := comp.LLM.Invoke(ctx, contract.Request{
		Model:           set.Model,
		Prompt:          p,
		MaxOutputTokens: set.MaxOutputTokens,
		Temperature:     set.Temperature,
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return contract.ResultRecord{}, contract.RunMetrics{}, cerr
		}
		return failed("llm_client", "invoke failed", err)
	}
	in, outTok := acct.Usage(raw.Usage, p, raw.Text, set.Model)
	t.Finish("invoke", int64(in+outTok))
	diag.IncOp("llm_client", "finish", "success")

	parsed := comp.Decoder.Decode(raw.Text)
	if parsed.Category == contract.CategoryParseError {
		logger.Warn("decoder", "reply not parseable", map[string]string{"record_id": rid, "pass": pass})
	}
	delta := acct.Charge(in, outTok)
	diag.AddUsage(set.Model, int64(in), int64(outTok), delta.TotalCost)
	return contract.NewResult(rec.ID, parsed), delta, nil
}

// Pending 返回 id 尚未出现在 rows 中的记录（保持输入顺序），用于中断后续跑。
func Pending(records []contract.InputRecord, rows *contract.Rows) []contract.InputRecord {
	if rows == nil || rows.Len() == 0 {
		return records
	}
	out := make([]contract.InputRecord, 0, len(records))
	for _, r := range records {
		if !rows.Has(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

func sanity(c Components) error {
	if c.Prompt == nil || c.LLM == nil || c.Decoder == nil {
		return fmt.Errorf("batch: prompt, llm and decoder required: %w", contract.ErrInvalidInput)
	}
	return nil
}

package diag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// 指标（OpenTelemetry）：
// - qnaclean.op.count{comp,stage,result}
// - qnaclean.error.count{comp,code}
// - qnaclean.op.duration{comp,stage}（毫秒）
// - qnaclean.llm.tokens{model,direction}
// - qnaclean.llm.cost{model}
// 默认使用 otel 全局 MeterProvider（未配置时为 no-op）。

const meterName = "qnaclean/internal/diag"

type instruments struct {
	ops    metric.Int64Counter
	errs   metric.Int64Counter
	dur    metric.Float64Histogram
	tokens metric.Int64Counter
	cost   metric.Float64Counter
}

var (
	instMu sync.RWMutex
	inst   *instruments
)

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	m := mp.Meter(meterName)
	ops, err := m.Int64Counter("qnaclean.op.count", metric.WithDescription("Number of finished operations by stage and result"))
	if err != nil {
		return nil, err
	}
	errs, err := m.Int64Counter("qnaclean.error.count", metric.WithDescription("Number of classified errors"))
	if err != nil {
		return nil, err
	}
	dur, err := m.Float64Histogram("qnaclean.op.duration", metric.WithDescription("Stage duration in milliseconds"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	tokens, err := m.Int64Counter("qnaclean.llm.tokens", metric.WithDescription("Completion tokens by direction"))
	if err != nil {
		return nil, err
	}
	cost, err := m.Float64Counter("qnaclean.llm.cost", metric.WithDescription("Estimated completion cost"), metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	return &instruments{ops: ops, errs: errs, dur: dur, tokens: tokens, cost: cost}, nil
}

// UseMeterProvider 以 mp 重建全部指标仪表（测试可传入 SDK ManualReader 支撑的 provider）。
func UseMeterProvider(mp metric.MeterProvider) error {
	in, err := newInstruments(mp)
	if err != nil {
		return err
	}
	instMu.Lock()
	inst = in
	instMu.Unlock()
	return nil
}

func current() *instruments {
	instMu.RLock()
	in := inst
	instMu.RUnlock()
	if in != nil {
		return in
	}
	// 懒初始化：全局 provider（未配置时 otel 返回委托/no-op 实现）
	instMu.Lock()
	defer instMu.Unlock()
	if inst == nil {
		if in, err := newInstruments(otel.GetMeterProvider()); err == nil {
			inst = in
		}
	}
	return inst
}

// SetupOTLP 配置 OTLP gRPC 指标导出（周期推送），并设为全局 provider。
// 返回的 shutdown 需在进程退出前调用以刷新剩余数据。
func SetupOTLP(ctx context.Context, endpoint string, interval time.Duration) (func(context.Context) error, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	otel.SetMeterProvider(mp)
	if err := UseMeterProvider(mp); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return mp.Shutdown, nil
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	if in := current(); in != nil {
		in.ops.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("comp", comp), attribute.String("stage", stage), attribute.String("result", result)))
	}
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	if in := current(); in != nil {
		in.errs.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("comp", comp), attribute.String("code", code)))
	}
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	if in := current(); in != nil {
		in.dur.Record(context.Background(), float64(durMS), metric.WithAttributes(
			attribute.String("comp", comp), attribute.String("stage", stage)))
	}
}

// AddUsage 记录一次补全调用的 token 与费用。
func AddUsage(model string, in, out int64, cost float64) {
	ins := current()
	if ins == nil {
		return
	}
	ctx := context.Background()
	ins.tokens.Add(ctx, in, metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
	ins.tokens.Add(ctx, out, metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
	ins.cost.Add(ctx, cost, metric.WithAttributes(attribute.String("model", model)))
}

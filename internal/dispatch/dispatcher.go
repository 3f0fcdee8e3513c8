// Package dispatch runs an executor's hooks immediately before the executor is
// handed to the execution queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"EmuHub/internal/ability"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/observability/metrics"
	"EmuHub/pkg/logger"
)

// DefaultHookTimeout 是单个 hook 的默认时间预算。
const DefaultHookTimeout = 5 * time.Second

// HookResult 记录单个 hook 的执行结果。
type HookResult struct {
	Key      string
	Err      error
	Duration time.Duration
}

// Report 汇总一次派发中所有 hook 的执行结果，顺序与执行顺序一致。
type Report struct {
	Results []HookResult
}

// Failed 返回失败的 hook 数量。
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Observer 在每个 hook 结束后被调用，包括失败的 hook。
type Observer func(ab *ability.Ability, ex *ability.Executor, result HookResult)

// Dispatcher 依次调用执行器 hook 表中的每个 hook，并隔离单个 hook 的失败。
type Dispatcher struct {
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	observer Observer
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithHookTimeout 设置单个 hook 的超时时间。
func WithHookTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// WithTracer 覆盖默认的 OpenTelemetry tracer。
func WithTracer(t trace.Tracer) Option {
	return func(dp *Dispatcher) {
		if t != nil {
			dp.tracer = t
		}
	}
}

// WithObserver 注册 hook 结果观察者。
func WithObserver(o Observer) Option {
	return func(dp *Dispatcher) {
		dp.observer = o
	}
}

// New 构造 Dispatcher。
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultHookTimeout,
		tracer:  otel.Tracer("EmuHub/internal/dispatch"),
		log:     logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch 运行执行器上的全部 hook 并返回（可能已被修改的）执行器。
//
// 只有在第一个 hook 开始之前 ctx 的取消才会生效；一旦开始，整组 hook 都会运行完毕，
// 以免执行器处于半修改状态。单个 hook 的失败只记录日志，不会作为错误返回。
func (d *Dispatcher) Dispatch(ctx context.Context, ab *ability.Ability, ex *ability.Executor) (*ability.Executor, error) {
	ex, _, err := d.DispatchWithReport(ctx, ab, ex)
	return ex, err
}

// DispatchWithReport 与 Dispatch 相同，同时返回每个 hook 的执行结果。
func (d *Dispatcher) DispatchWithReport(ctx context.Context, ab *ability.Ability, ex *ability.Executor) (*ability.Executor, Report, error) {
	var report Report
	err := d.Run(ctx, ab, ex, func(_ *ability.Executor, r Report) error {
		report = r
		return nil
	})
	return ex, report, err
}

// Run 派发 hook，并在仍然持有执行器派发槽位时调用 handoff。
//
// 入队流程应在 handoff 中读取执行器快照，快照因此恰好反映本次 hook 的结果。
// 可能阻塞的投递放在 Run 返回之后进行，槽位不随其一起被占用。handoff 返回的错误原样返回。
func (d *Dispatcher) Run(ctx context.Context, ab *ability.Ability, ex *ability.Executor, handoff func(*ability.Executor, Report) error) error {
	if ab == nil || ex == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "ability and executor are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ex.Acquire(ctx); err != nil {
		return err
	}
	defer ex.Release()

	// 进入 hook 序列后不再响应调用方取消。
	base := context.WithoutCancel(ctx)
	base, span := d.tracer.Start(base, "dispatch", trace.WithAttributes(
		attribute.String(logger.KeyAbilityID, ab.ID),
		attribute.String(logger.KeyExecutor, ex.Name),
		attribute.String("platform", ex.Platform),
		attribute.Int("hooks", ex.Hooks.Len()),
	))
	defer span.End()

	var report Report
	ex.Hooks.ForEach(func(key string, hook ability.Hook) {
		res := d.invoke(base, key, hook, ab, ex)
		if d.observer != nil {
			d.observer(ab, ex, res)
		}
		report.Results = append(report.Results, res)
	})
	if failed := report.Failed(); failed > 0 {
		span.SetAttributes(attribute.Int("hooks.failed", failed))
	}
	if handoff == nil {
		return nil
	}
	return handoff(ex, report)
}

func (d *Dispatcher) invoke(ctx context.Context, key string, hook ability.Hook, ab *ability.Ability, ex *ability.Executor) HookResult {
	ctx, span := d.tracer.Start(ctx, "dispatch.hook", trace.WithAttributes(
		attribute.String(logger.KeyHookKey, key),
	))
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	draft := ex.WorkingCopy()
	done := make(chan error, 1)
	outcome := metrics.OutcomeOK
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- hook.Invoke(hctx, ab, draft)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil {
			outcome = metrics.OutcomeError
			if _, ok := err.(*panicError); ok {
				outcome = metrics.OutcomePanic
			}
			err = xerrors.Wrap(xerrors.CodeHookExecution, err, fmt.Sprintf("hook %s failed", key),
				xerrors.WithMetadata(logger.KeyHookKey, key),
				xerrors.WithMetadata(logger.KeyAbilityID, ab.ID))
		}
	case <-hctx.Done():
		// 超时的 hook 继续在自己的工作副本上运行，其结果被丢弃。
		outcome = metrics.OutcomeTimeout
		err = xerrors.Wrap(xerrors.CodeHookTimeout, hctx.Err(), fmt.Sprintf("hook %s exceeded %s", key, d.timeout),
			xerrors.WithMetadata(logger.KeyHookKey, key),
			xerrors.WithMetadata(logger.KeyAbilityID, ab.ID))
	}
	took := time.Since(start)
	d.metrics.ObserveHook(key, outcome, took)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		d.log.Warn("hook 执行失败，已跳过",
			slog.String(logger.KeyHookKey, key),
			slog.String(logger.KeyAbilityID, ab.ID),
			slog.String(logger.KeyExecutor, ex.Name),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return HookResult{Key: key, Err: err, Duration: took}
	}

	ex.Apply(draft)
	return HookResult{Key: key, Duration: took}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "EmuHub/internal/errors"
	"EmuHub/pkg/logger"
)

// Sink 接收已领取的 link，通常是外部执行引擎的适配器。
type Sink interface {
	Deliver(ctx context.Context, link *Link) error
}

// SinkFunc 将普通函数适配为 Sink。
type SinkFunc func(ctx context.Context, link *Link) error

// Deliver 实现 Sink 接口。
func (f SinkFunc) Deliver(ctx context.Context, link *Link) error {
	return f(ctx, link)
}

// AuditSink 仅把 link 写入审计日志，在未接入执行引擎时作为默认 Sink。
type AuditSink struct{}

// Deliver 实现 Sink 接口。
func (AuditSink) Deliver(_ context.Context, link *Link) error {
	logger.Audit().Info("link 已领取",
		slog.String(logger.KeyLinkID, link.ID),
		slog.String(logger.KeyAbilityID, link.AbilityID),
		slog.String(logger.KeyExecutor, link.Executor),
		slog.String("command", link.Command))
	return nil
}

// Relay 从队列消费 link，标记为已领取后交给 Sink。
type Relay struct {
	store       Store
	consumer    Consumer
	sink        Sink
	workerCount int
	log         *slog.Logger
}

// RelayOption 定义可选配置。
type RelayOption func(*Relay)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RelayOption {
	return func(r *Relay) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithSink 指定 link 的去向。
func WithSink(sink Sink) RelayOption {
	return func(r *Relay) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// NewRelay 构造 Relay。
func NewRelay(store Store, consumer Consumer, opts ...RelayOption) *Relay {
	r := &Relay{
		store:       store,
		consumer:    consumer,
		sink:        AuditSink{},
		workerCount: 1,
		log:         logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动消费循环，直到 ctx 结束。
func (r *Relay) Start(ctx context.Context) error {
	if r.consumer == nil || r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置 link 消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Relay) handle(ctx context.Context, linkID string) error {
	link, err := r.store.MarkCollected(ctx, linkID)
	if err != nil {
		if stdErrors.Is(err, ErrLinkNotFound) || stdErrors.Is(err, ErrLinkConflict) {
			r.log.Debug("跳过 link", slog.String(logger.KeyLinkID, linkID), slog.String("reason", err.Error()))
			return nil
		}
		return err
	}
	if err := r.sink.Deliver(ctx, link); err != nil {
		r.log.Error("投递 link 失败", slog.String(logger.KeyLinkID, linkID), slog.Any("error", err))
		return err
	}
	return nil
}

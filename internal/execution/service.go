package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"EmuHub/internal/ability"
	"EmuHub/internal/auth"
	"EmuHub/internal/dispatch"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/observability/alerting"
	"EmuHub/internal/observability/metrics"
	"EmuHub/pkg/logger"
)

// handoffTimeout 限制 hook 运行完成之后写入存储与投递队列的时间。
const handoffTimeout = 10 * time.Second

// Selector 指定要入队的执行器，空字段表示不限制。
type Selector struct {
	Executor string `json:"executor,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Service 负责把能力执行器派发成 link 并推送到执行队列。
type Service struct {
	abilities  *ability.Store
	dispatcher *dispatch.Dispatcher
	store      Store
	producer   Producer
	metrics    *metrics.Metrics
	alerts     *alerting.FanoutDispatcher
	log        *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceMetrics 配置入队指标。
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAlerts 在入队失败时发送告警。
func WithAlerts(a *alerting.FanoutDispatcher) ServiceOption {
	return func(s *Service) {
		s.alerts = a
	}
}

// NewService 构造执行服务。
func NewService(abilities *ability.Store, dispatcher *dispatch.Dispatcher, store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		abilities:  abilities,
		dispatcher: dispatcher,
		store:      store,
		producer:   producer,
		log:        logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Queue 运行所选执行器的 hook，然后把修改后的执行器快照保存为 link 并投递到队列。
//
// hook 失败不会阻止入队，失败数量记录在 link.HookFailures 中。
func (s *Service) Queue(ctx context.Context, abilityID string, sel Selector) (*Link, error) {
	if s.abilities == nil || s.dispatcher == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}
	ab, err := s.abilities.Get(abilityID)
	if err != nil {
		return nil, err
	}
	ex, err := ab.FindExecutor(sel.Executor, sel.Platform)
	if err != nil {
		return nil, err
	}

	var link *Link
	err = s.dispatcher.Run(ctx, ab, ex, func(ex *ability.Executor, report dispatch.Report) error {
		link = snapshot(uuid.NewString(), ab, ex)
		link.HookFailures = report.Failed()
		return nil
	})
	if err == nil {
		err = s.handoff(ctx, link)
	}
	if err != nil {
		s.log.Error("link 入队失败",
			slog.String(logger.KeyAbilityID, abilityID),
			slog.String(logger.KeyExecutor, ex.Name),
			slog.Any("error", err))
		s.alerts.Report(alerting.SourceExecution, err)
		return nil, err
	}

	s.metrics.LinkQueued(link.Platform)
	logger.Audit().Info("link 已入队",
		slog.String(logger.KeyLinkID, link.ID),
		slog.String(logger.KeyAbilityID, link.AbilityID),
		slog.String(logger.KeyExecutor, link.Executor),
		slog.String("platform", link.Platform),
		slog.Int("hook_failures", link.HookFailures),
		slog.String("caller", auth.CallerName(ctx)))
	return link, nil
}

// handoff 保存 link 并投递到队列。此时执行器槽位已释放，投递失败的 link 会被标记为 failed。
func (s *Service) handoff(ctx context.Context, link *Link) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
	defer cancel()

	if err := s.store.Save(hctx, link); err != nil {
		return err
	}
	if err := s.producer.Publish(hctx, link.ID); err != nil {
		if _, markErr := s.store.MarkFailed(hctx, link.ID); markErr != nil {
			s.log.Warn("标记 link 失败状态出错",
				slog.String(logger.KeyLinkID, link.ID),
				slog.Any("error", markErr))
		}
		return xerrors.Wrap(CodeLinkPublish, err, "发布 link 到队列失败",
			xerrors.WithMetadata(logger.KeyLinkID, link.ID))
	}
	return nil
}

// Get 返回指定 link。
func (s *Service) Get(ctx context.Context, id string) (*Link, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近的 link。
func (s *Service) List(ctx context.Context, limit int) ([]*Link, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}
	return s.store.List(ctx, limit)
}

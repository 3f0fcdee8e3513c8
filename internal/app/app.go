package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"EmuHub/internal/ability"
	"EmuHub/internal/api"
	"EmuHub/internal/auth"
	"EmuHub/internal/config"
	"EmuHub/internal/dispatch"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/execution"
	"EmuHub/internal/observability/alerting"
	"EmuHub/internal/observability/metrics"
	"EmuHub/internal/service"
	"EmuHub/pkg/logger"
	"EmuHub/pkg/plugin"

	// 内置插件通过 init 注册。
	_ "EmuHub/internal/plugins/catalog"
	_ "EmuHub/internal/plugins/scripted"
)

// App 持有一次启动所需的全部核心服务。
type App struct {
	cfg *config.Config

	Services   *service.Registry
	Plugins    *plugin.Manager
	Abilities  *ability.Store
	Dispatcher *dispatch.Dispatcher
	Execution  *execution.Service
	Server     *api.Server
	Relay      *execution.Relay
	Metrics    *metrics.Metrics
	Alerts     *alerting.FanoutDispatcher

	extra   []plugin.Plugin
	loader  plugin.Loader
	sink    execution.Sink
	closers []func() error
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*App)

// WithPlugins 在配置文件声明的插件之前追加插件实例，按调用顺序参与发现。
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(a *App) {
		a.extra = append(a.extra, plugins...)
	}
}

// WithLoader 覆盖共享对象插件的加载方式。
func WithLoader(loader plugin.Loader) Option {
	return func(a *App) {
		a.loader = loader
	}
}

// WithSink 指定 link 的去向，默认写入审计日志。
func WithSink(sink execution.Sink) Option {
	return func(a *App) {
		a.sink = sink
	}
}

// New 根据配置构造核心服务并注册到服务注册表。插件尚未启动。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "config is required")
	}
	a := &App{cfg: cfg, log: logger.Named("app")}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	a.Metrics = metrics.New()
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, url := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	a.Alerts = alerting.NewFanout(notifiers...)

	a.Abilities = ability.NewStore(ability.WithCollisionObserver(a.Metrics.HookCollision))
	a.Dispatcher = dispatch.New(
		dispatch.WithHookTimeout(cfg.Dispatch.HookTimeout()),
		dispatch.WithMetrics(a.Metrics),
		dispatch.WithObserver(func(_ *ability.Ability, _ *ability.Executor, res dispatch.HookResult) {
			a.Alerts.Report(alerting.SourceDispatch, res.Err)
		}),
	)

	store, err := openLinkStore(ctx, cfg.Links)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, queue.Close)

	a.Execution = execution.NewService(a.Abilities, a.Dispatcher, store, queue, execution.WithServiceMetrics(a.Metrics), execution.WithAlerts(a.Alerts))
	a.Relay = execution.NewRelay(store, queue, execution.WithWorkerCount(cfg.Queue.Workers), execution.WithSink(a.sink))

	authSvc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		_ = a.Close()
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid auth configuration")
	}
	a.Server = api.NewServer(cfg.Server.Address,
		api.WithAuth(authSvc),
		api.WithMetrics(a.Metrics),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
	)

	managerOpts := []plugin.Option{
		plugin.WithLifecycleTimeout(cfg.Plugins.LifecycleTimeout()),
		plugin.WithMetrics(a.Metrics),
	}
	if a.loader != nil {
		managerOpts = append(managerOpts, plugin.WithLoader(a.loader))
	}
	a.Plugins = plugin.NewManager(managerOpts...)

	a.Services = service.NewRegistry()
	for _, svc := range []struct {
		name string
		impl any
	}{
		{service.AppService, a.Server},
		{service.DataService, a.Abilities},
		{service.DispatchService, a.Dispatcher},
		{service.ExecutionService, a.Execution},
		{service.AuthService, authSvc},
		{service.MetricsService, a.Metrics},
	} {
		if err := a.Services.Register(svc.name, svc.impl); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	core := api.Core{
		Plugins:   a.Plugins,
		Services:  a.Services,
		Abilities: a.Abilities,
		Execution: a.Execution,
	}
	if cfg.Metrics.Enabled {
		core.MetricsHandler = a.Metrics.Handler()
	}
	if err := api.RegisterCore(a.Server, core); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Boot 发现插件并依次执行 enable、能力加载与 expansion，最后封存服务注册表。
func (a *App) Boot(ctx context.Context) error {
	for _, p := range a.extra {
		if err := a.Plugins.Add(p); err != nil {
			return err
		}
	}
	if err := a.Plugins.Discover(a.cfg.Plugins); err != nil {
		return err
	}
	err := a.Plugins.Boot(ctx, a.Services, func(ctx context.Context) error {
		_, err := ability.LoadDir(ctx, a.Abilities, a.cfg.Abilities.Dirs...)
		return err
	})
	if err != nil {
		return err
	}
	a.Services.Seal()

	failed := 0
	for _, d := range a.Plugins.Plugins() {
		if d.State == plugin.StateFailed {
			failed++
			a.Alerts.Report(alerting.SourcePlugin, xerrors.New(xerrors.CodePluginLifecycle, d.Error,
				xerrors.WithMetadata(logger.KeyPlugin, d.Name)))
		}
	}
	a.log.Info("启动完成",
		slog.Int("plugins", len(a.Plugins.Plugins())),
		slog.Int("plugins_failed", failed),
		slog.Int("abilities", a.Abilities.Len()),
		slog.Any("services", a.Services.Names()))
	return nil
}

// Run 启动 HTTP 服务与 link relay，直到 ctx 结束或其中之一出错。
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Start(gctx)
	})
	g.Go(func() error {
		return a.Relay.Start(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close 释放存储与队列连接。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openLinkStore(ctx context.Context, cfg config.LinksConfig) (execution.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return execution.NewMemoryStore(), nil
	case "mysql", "sqlite":
		return execution.NewSQLStore(ctx, execution.SQLConfig{Driver: cfg.Driver, DSN: cfg.DSN})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported links driver %q", cfg.Driver))
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (execution.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return execution.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return execution.NewRedisQueue(ctx, execution.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported queue driver %q", cfg.Driver))
	}
}

package scripted

import (
	"context"
	"log/slog"

	"EmuHub/internal/ability"
	"EmuHub/internal/service"
	"EmuHub/pkg/logger"
	"EmuHub/pkg/plugin"
)

// Name 是插件在配置中的名称。
const Name = "scripted"

func init() {
	plugin.RegisterBuiltin(Name, func() plugin.Plugin { return New() })
}

// Plugin 根据配置规则注册 Lua hook。
type Plugin struct {
	plugin.Base
	rules []compiledRule
	log   *slog.Logger
}

// New 构造未配置规则的插件。
func New() *Plugin {
	return &Plugin{
		Base: plugin.Base{
			PluginName:        Name,
			PluginDescription: "Registers Lua hooks on executors selected by declarative rules",
		},
		log: logger.Named("plugin.scripted"),
	}
}

// Configure 解析并编译规则，脚本错误在启动时即暴露。
func (p *Plugin) Configure(cfg map[string]any) error {
	rules, err := decodeRules(cfg)
	if err != nil {
		return err
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	p.rules = compiled
	return nil
}

// Requires 实现 plugin.Requirer。
func (p *Plugin) Requires() []string {
	return []string{service.DataService}
}

// Enable 实现 plugin.Plugin。规则只能在能力加载完成后应用，这里无需操作。
func (p *Plugin) Enable(context.Context, *service.Registry) error {
	return nil
}

// Expansion 为每条规则匹配到的执行器注册 hook。
func (p *Plugin) Expansion(ctx context.Context, services *service.Registry) error {
	store, err := service.Lookup[*ability.Store](services, service.DataService)
	if err != nil {
		return err
	}
	for _, rule := range p.rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		hook := &luaHook{key: rule.Key, proto: rule.proto}
		n := store.ForEachExecutor(rule.Match.Ability, func(ab *ability.Ability, ex *ability.Executor) {
			if rule.Match.Matches(ab, ex) {
				ex.Hooks.Set(rule.Key, hook)
			}
		})
		p.log.Info("scripted rule applied",
			slog.String(logger.KeyHookKey, rule.Key),
			slog.Int("candidates", n))
	}
	return nil
}

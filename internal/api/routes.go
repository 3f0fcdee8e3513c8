package api

import (
	"net/http"
	"strconv"

	"EmuHub/internal/ability"
	"EmuHub/internal/execution"
	"EmuHub/internal/service"
	"EmuHub/pkg/plugin"
)

// PluginLister 提供插件描述信息。
type PluginLister interface {
	Plugins() []plugin.Descriptor
}

// Core 汇集核心路由依赖的服务。为 nil 的依赖对应的路由不会注册。
type Core struct {
	Plugins   PluginLister
	Services  *service.Registry
	Abilities *ability.Store
	Execution *execution.Service
	// MetricsHandler 非空时以公开路由暴露在 /metrics。
	MetricsHandler http.Handler
}

// AbilitySummary 是能力列表中的单项。
type AbilitySummary struct {
	ID        string   `json:"ability_id"`
	Name      string   `json:"name"`
	Tactic    string   `json:"tactic,omitempty"`
	Technique string   `json:"technique,omitempty"`
	Plugin    string   `json:"plugin,omitempty"`
	Platforms []string `json:"platforms"`
}

// ExecutorHooks 描述一个执行器上注册的 hook key。
type ExecutorHooks struct {
	Executor string   `json:"executor"`
	Platform string   `json:"platform"`
	Hooks    []string `json:"hooks"`
}

type route struct {
	method  string
	path    string
	handler http.Handler
	public  bool
}

// RegisterCore 注册核心路由。
func RegisterCore(s *Server, core Core) error {
	routes := []route{
		{http.MethodGet, "/healthz", JSON(func(*http.Request) (any, error) {
			return map[string]string{"status": "ok"}, nil
		}), true},
	}
	if core.MetricsHandler != nil {
		routes = append(routes, route{http.MethodGet, "/metrics", core.MetricsHandler, true})
	}
	if core.Plugins != nil {
		routes = append(routes, route{http.MethodGet, "/api/v1/plugins", JSON(func(*http.Request) (any, error) {
			return core.Plugins.Plugins(), nil
		}), false})
	}
	if core.Services != nil {
		routes = append(routes, route{http.MethodGet, "/api/v1/services", JSON(func(*http.Request) (any, error) {
			return map[string][]string{"services": core.Services.Names()}, nil
		}), false})
	}
	if core.Abilities != nil {
		routes = append(routes,
			route{http.MethodGet, "/api/v1/abilities", JSON(listAbilities(core.Abilities)), false},
			route{http.MethodGet, "/api/v1/abilities/{id}", JSON(getAbility(core.Abilities)), false},
			route{http.MethodGet, "/api/v1/abilities/{id}/hooks", JSON(abilityHooks(core.Abilities)), false},
		)
	}
	if core.Execution != nil {
		routes = append(routes,
			route{http.MethodPost, "/api/v1/abilities/{id}/queue", JSON(queueLink(core.Execution)), false},
			route{http.MethodGet, "/api/v1/links", JSON(listLinks(core.Execution)), false},
			route{http.MethodGet, "/api/v1/links/{id}", JSON(getLink(core.Execution)), false},
		)
	}
	for _, rt := range routes {
		var err error
		if rt.public {
			err = s.AddPublicRoute(rt.method, rt.path, rt.handler)
		} else {
			err = s.AddRoute(rt.method, rt.path, rt.handler)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func listAbilities(store *ability.Store) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		var pred ability.Predicate
		if p := r.URL.Query().Get("plugin"); p != "" {
			pred = ability.ByPlugin(p)
		} else if tactic := r.URL.Query().Get("tactic"); tactic != "" {
			pred = ability.ByTactic(tactic)
		}
		abilities := store.Locate(pred)
		out := make([]AbilitySummary, 0, len(abilities))
		for _, ab := range abilities {
			sum := AbilitySummary{
				ID:        ab.ID,
				Name:      ab.Name,
				Tactic:    ab.Tactic,
				Technique: ab.Technique,
				Plugin:    ab.Plugin,
				Platforms: []string{},
			}
			for _, ex := range ab.Executors {
				sum.Platforms = append(sum.Platforms, ex.Platform)
			}
			out = append(out, sum)
		}
		return out, nil
	}
}

func getAbility(store *ability.Store) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		return store.Get(r.PathValue("id"))
	}
}

func abilityHooks(store *ability.Store) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		ab, err := store.Get(r.PathValue("id"))
		if err != nil {
			return nil, err
		}
		out := make([]ExecutorHooks, 0, len(ab.Executors))
		for _, ex := range ab.Executors {
			keys := ex.Hooks.Keys()
			if keys == nil {
				keys = []string{}
			}
			out = append(out, ExecutorHooks{Executor: ex.Name, Platform: ex.Platform, Hooks: keys})
		}
		return out, nil
	}
}

func queueLink(svc *execution.Service) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		var sel execution.Selector
		if err := Decode(r, &sel); err != nil {
			return nil, err
		}
		link, err := svc.Queue(r.Context(), r.PathValue("id"), sel)
		if err != nil {
			return nil, err
		}
		return WithStatus(http.StatusAccepted, link), nil
	}
}

func listLinks(svc *execution.Service) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		links, err := svc.List(r.Context(), limit)
		if err != nil {
			return nil, err
		}
		if links == nil {
			links = []*execution.Link{}
		}
		return links, nil
	}
}

func getLink(svc *execution.Service) func(*http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		return svc.Get(r.Context(), r.PathValue("id"))
	}
}

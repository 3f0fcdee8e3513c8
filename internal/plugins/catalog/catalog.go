// Package catalog provides the "catalog" builtin plugin, which serves a summary
// of the loaded ability catalog and a small HTML view of it.
package catalog

import (
	"context"
	"html/template"
	"net/http"
	"sort"

	"EmuHub/internal/ability"
	"EmuHub/internal/api"
	"EmuHub/internal/service"
	"EmuHub/pkg/plugin"
)

// Name 是插件在配置中的名称。
const Name = "catalog"

const (
	summaryPath = "/plugin/catalog/summary"
	guiPath     = "/plugin/catalog/gui"
)

func init() {
	plugin.RegisterBuiltin(Name, func() plugin.Plugin { return New() })
}

// Summary 汇总能力数量。
type Summary struct {
	Total    int            `json:"total"`
	ByPlugin map[string]int `json:"by_plugin"`
	ByTactic map[string]int `json:"by_tactic"`
	Hooked   int            `json:"hooked_executors"`
}

// Plugin 在 enable 阶段注册路由；路由在请求时读取能力目录，因此无需等待能力加载。
type Plugin struct {
	plugin.Base
}

// New 构造插件。
func New() *Plugin {
	return &Plugin{Base: plugin.Base{
		PluginName:        Name,
		PluginDescription: "Summarises the loaded ability catalog",
		PluginAddress:     guiPath,
	}}
}

// Requires 实现 plugin.Requirer。
func (p *Plugin) Requires() []string {
	return []string{service.AppService, service.DataService}
}

// Enable 注册 summary 与 gui 路由。
func (p *Plugin) Enable(_ context.Context, services *service.Registry) error {
	router, err := service.Lookup[api.Router](services, service.AppService)
	if err != nil {
		return err
	}
	store, err := service.Lookup[*ability.Store](services, service.DataService)
	if err != nil {
		return err
	}
	if err := router.AddRoute(http.MethodGet, summaryPath, api.JSON(func(*http.Request) (any, error) {
		return Summarize(store), nil
	})); err != nil {
		return err
	}
	return router.AddRoute(http.MethodGet, guiPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = page.Execute(w, view(Summarize(store)))
	}))
}

// Summarize 统计能力目录。
func Summarize(store *ability.Store) Summary {
	s := Summary{ByPlugin: map[string]int{}, ByTactic: map[string]int{}}
	for _, ab := range store.All() {
		s.Total++
		s.ByPlugin[ab.Plugin]++
		if ab.Tactic != "" {
			s.ByTactic[ab.Tactic]++
		}
		for _, ex := range ab.Executors {
			if ex.Hooks.Len() > 0 {
				s.Hooked++
			}
		}
	}
	return s
}

type row struct {
	Name  string
	Count int
}

type pageData struct {
	Summary
	Plugins []row
}

func view(s Summary) pageData {
	d := pageData{Summary: s}
	for name, n := range s.ByPlugin {
		if name == "" {
			name = "(none)"
		}
		d.Plugins = append(d.Plugins, row{Name: name, Count: n})
	}
	sort.Slice(d.Plugins, func(i, j int) bool { return d.Plugins[i].Name < d.Plugins[j].Name })
	return d
}

var page = template.Must(template.New("catalog").Parse(`<!doctype html>
<html><head><title>Ability catalog</title></head>
<body>
<h1>{{.Total}} abilities</h1>
<p>{{.Hooked}} executors carry hooks.</p>
<table>
{{range .Plugins}}<tr><td>{{.Name}}</td><td>{{.Count}}</td></tr>
{{end}}</table>
</body></html>
`))

package scripted

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmuHub/internal/ability"
	"EmuHub/internal/dispatch"
	"EmuHub/internal/service"
	"EmuHub/pkg/plugin"
)

func setup(t *testing.T, cfg map[string]any) (*Plugin, *service.Registry, *ability.Store) {
	t.Helper()
	store := ability.NewStore()
	require.NoError(t, store.Add(&ability.Ability{
		ID: "a1", Plugin: "stockpile", AdditionalInfo: map[string]string{"stage": "2"},
		Executors: []*ability.Executor{
			ability.NewExecutor("sh", "linux", "whoami"),
			ability.NewExecutor("psh", "windows", "whoami"),
		},
	}))
	require.NoError(t, store.Add(&ability.Ability{
		ID: "a2", Plugin: "other",
		Executors: []*ability.Executor{ability.NewExecutor("sh", "linux", "id")},
	}))
	registry := service.NewRegistry()
	require.NoError(t, registry.Register(service.DataService, store))

	p := New()
	require.NoError(t, p.Configure(cfg))
	return p, registry, store
}

func TestBuiltinRegistered(t *testing.T) {
	p, err := plugin.NewBuiltin(Name)
	require.NoError(t, err)
	assert.Equal(t, Name, p.Name())
}

func TestExpansionRegistersMatchingHooks(t *testing.T) {
	p, registry, store := setup(t, map[string]any{
		"rules": []any{
			map[string]any{
				"key":   "scripted:suffix",
				"match": map[string]any{"plugin": "stockpile", "platform": "linux"},
				"source": `
function hook(ability, executor)
  executor.command = executor.command .. " # " .. ability.additional_info.stage
  table.insert(executor.payloads, "implant.sh")
end`,
			},
		},
	})
	require.NoError(t, p.Expansion(context.Background(), registry))

	a1, _ := store.Get("a1")
	a2, _ := store.Get("a2")
	assert.Equal(t, []string{"scripted:suffix"}, a1.Executors[0].Hooks.Keys())
	assert.Zero(t, a1.Executors[1].Hooks.Len())
	assert.Zero(t, a2.Executors[0].Hooks.Len())

	ex, err := dispatch.New().Dispatch(context.Background(), a1, a1.Executors[0])
	require.NoError(t, err)
	assert.Equal(t, "whoami # 2", ex.Command)
	assert.Equal(t, []string{"implant.sh"}, ex.Payloads)
}

func TestLuaHookErrorsLeaveExecutorUntouched(t *testing.T) {
	p, registry, store := setup(t, map[string]any{
		"rules": []any{
			map[string]any{
				"key":   "scripted:fail",
				"match": map[string]any{"plugin": "other"},
				"source": `
function hook(ability, executor)
  executor.command = "rm -rf /"
  return "refusing"
end`,
			},
		},
	})
	require.NoError(t, p.Expansion(context.Background(), registry))

	a2, _ := store.Get("a2")
	_, report, err := dispatch.New().DispatchWithReport(context.Background(), a2, a2.Executors[0])
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.ErrorContains(t, report.Results[0].Err, "refusing")
	assert.Equal(t, "id", a2.Executors[0].Command)
}

func TestLuaHookHonoursContext(t *testing.T) {
	proto, err := compile(`function hook(a, e) while true do end end`, "spin")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &luaHook{key: "spin", proto: proto}
	err = h.Invoke(ctx, &ability.Ability{}, ability.NewExecutor("sh", "linux", "x"))
	assert.Error(t, err)
}

func TestConfigureRejectsBadRules(t *testing.T) {
	cases := map[string]map[string]any{
		"missing key":    {"rules": []any{map[string]any{"source": "function hook() end"}}},
		"missing source": {"rules": []any{map[string]any{"key": "k"}}},
		"syntax error":   {"rules": []any{map[string]any{"key": "k", "source": "function hook("}}},
		"duplicate key": {"rules": []any{
			map[string]any{"key": "k", "source": "function hook() end"},
			map[string]any{"key": "k", "source": "function hook() end"},
		}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, New().Configure(cfg))
		})
	}
}

func TestConfigureLoadsScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function hook(a, e) e.command = "echo file" end`), 0o600))
	p, registry, store := setup(t, map[string]any{
		"rules": []any{map[string]any{"key": "file", "script": path, "match": map[string]any{"executor": "psh"}}},
	})
	require.NoError(t, p.Expansion(context.Background(), registry))
	a1, _ := store.Get("a1")
	ex, err := dispatch.New().Dispatch(context.Background(), a1, a1.Executors[1])
	require.NoError(t, err)
	assert.Equal(t, "echo file", ex.Command)
}

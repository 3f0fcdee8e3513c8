package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmuHub/internal/ability"
	"EmuHub/internal/api"
	"EmuHub/internal/auth"
	"EmuHub/internal/service"
)

func TestCatalogRoutes(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	require.NoError(t, err)
	srv := api.NewServer(":0", api.WithAuth(authSvc))
	store := ability.NewStore()

	registry := service.NewRegistry()
	require.NoError(t, registry.Register(service.AppService, srv))
	require.NoError(t, registry.Register(service.DataService, store))

	p := New()
	assert.Equal(t, guiPath, p.Address())
	require.NoError(t, p.Enable(context.Background(), registry))

	// 路由在能力加载之前注册，请求时读取最新目录。
	ex := ability.NewExecutor("sh", "linux", "id")
	ex.Hooks.Set("k", ability.HookFunc(func(context.Context, *ability.Ability, *ability.Executor) error { return nil }))
	require.NoError(t, store.Add(&ability.Ability{ID: "a", Plugin: "stockpile", Tactic: "discovery", Executors: []*ability.Executor{ex}}))
	require.NoError(t, store.Add(&ability.Ability{ID: "b", Plugin: "stockpile"}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, summaryPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var s Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.ByPlugin["stockpile"])
	assert.Equal(t, 1, s.ByTactic["discovery"])
	assert.Equal(t, 1, s.Hooked)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, guiPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2 abilities")
}

func TestEnableRequiresRouter(t *testing.T) {
	registry := service.NewRegistry()
	require.NoError(t, registry.Register(service.AppService, "not a router"))
	require.NoError(t, registry.Register(service.DataService, ability.NewStore()))
	err := New().Enable(context.Background(), registry)
	require.Error(t, err)
}

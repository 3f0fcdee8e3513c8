package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmuHub/internal/ability"
	"EmuHub/internal/auth"
	"EmuHub/internal/dispatch"
	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/execution"
	"EmuHub/internal/observability/metrics"
	"EmuHub/internal/service"
	"EmuHub/pkg/plugin"
)

type staticPlugins []plugin.Descriptor

func (s staticPlugins) Plugins() []plugin.Descriptor { return s }

func newAuth(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, Keys: []auth.KeyConfig{
		{Name: "admin", Key: "secret", Permissions: []string{auth.PermissionRead, auth.PermissionWrite}},
	}})
	require.NoError(t, err)
	return svc
}

func newTestServer(t *testing.T) (*Server, *ability.Executor) {
	t.Helper()
	abilities := ability.NewStore()
	ex := ability.NewExecutor("sh", "linux", "whoami")
	require.NoError(t, abilities.Add(&ability.Ability{
		ID: "a1", Name: "Whoami", Tactic: "discovery", Plugin: "stockpile",
		Executors: []*ability.Executor{ex},
	}))
	ex.Hooks.Set("tag", ability.HookFunc(func(_ context.Context, _ *ability.Ability, ex *ability.Executor) error {
		ex.Command += " # tagged"
		return nil
	}))

	registry := service.NewRegistry()
	require.NoError(t, registry.Register(service.DataService, abilities))

	m := metrics.New()
	exec := execution.NewService(abilities, dispatch.New(), execution.NewMemoryStore(), execution.NewMemoryQueue(8))
	srv := NewServer(":0", WithAuth(newAuth(t)), WithMetrics(m))
	require.NoError(t, RegisterCore(srv, Core{
		Plugins:        staticPlugins{{Name: "catalog", State: plugin.StateExpanded}},
		Services:       registry,
		Abilities:      abilities,
		Execution:      exec,
		MetricsHandler: m.Handler(),
	}))
	return srv, ex
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set(auth.HeaderKey, "secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCoreRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/abilities", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/abilities?plugin=stockpile", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []AbilitySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, []string{"linux"}, summaries[0].Platforms)

	rec = do(t, h, http.MethodGet, "/api/v1/abilities/a1/hooks", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var hooks []ExecutorHooks
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hooks))
	assert.Equal(t, []ExecutorHooks{{Executor: "sh", Platform: "linux", Hooks: []string{"tag"}}}, hooks)

	rec = do(t, h, http.MethodGet, "/api/v1/abilities/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(ability.CodeAbilityNotFound), body.Error.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/services", "", true)
	assert.Contains(t, rec.Body.String(), service.DataService)

	rec = do(t, h, http.MethodGet, "/api/v1/plugins", "", true)
	assert.Contains(t, rec.Body.String(), `"catalog"`)

	rec = do(t, h, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "emuhub_http_requests_total")
}

func TestQueueRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/abilities/a1/queue", `{"platform":"linux"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var link execution.Link
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, "whoami # tagged", link.Command)

	rec = do(t, h, http.MethodGet, "/api/v1/links/"+link.ID, "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/links?limit=5", "", true)
	var links []execution.Link
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
	assert.Len(t, links, 1)

	rec = do(t, h, http.MethodPost, "/api/v1/abilities/a1/queue", `{"platform":"darwin"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/abilities/a1/queue", `{"bogus":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbilityReadDuringQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	const rounds = 6
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec := do(t, h, http.MethodPost, "/api/v1/abilities/a1/queue", `{"platform":"linux"}`, true)
			assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		}()
		go func() {
			defer wg.Done()
			rec := do(t, h, http.MethodGet, "/api/v1/abilities/a1", "", true)
			assert.Equal(t, http.StatusOK, rec.Code)
			var got ability.Ability
			assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			if assert.Len(t, got.Executors, 1) {
				assert.True(t, strings.HasPrefix(got.Executors[0].Command, "whoami"))
			}
		}()
	}
	wg.Wait()

	rec := do(t, h, http.MethodGet, "/api/v1/abilities/a1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ability.Ability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Executors, 1)
	assert.Equal(t, rounds, strings.Count(got.Executors[0].Command, "# tagged"))
	assert.Equal(t, "sh", got.Executors[0].Name)
}

func TestAddRouteRejectedAfterServing(t *testing.T) {
	srv := NewServer("127.0.0.1:0", WithAuth(newAuth(t)))
	require.NoError(t, srv.AddPublicRoute(http.MethodGet, "/ping", JSON(func(*http.Request) (any, error) {
		return "pong", nil
	})))
	err := srv.AddPublicRoute(http.MethodGet, "/ping", http.NotFoundHandler())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, srv.Serving, time.Second, 5*time.Millisecond)
	err = srv.AddRoute(http.MethodGet, "/late", http.NotFoundHandler())
	assert.ErrorIs(t, err, ErrServing)

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAddRouteConflictingPattern(t *testing.T) {
	srv := NewServer(":0")
	require.NoError(t, srv.AddPublicRoute(http.MethodGet, "/x/{id}", http.NotFoundHandler()))
	err := srv.AddPublicRoute(http.MethodGet, "/x/{name}", http.NotFoundHandler())
	assert.Error(t, err)
	assert.Equal(t, []string{"GET /x/{id}"}, srv.Routes())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf(xerrors.New(xerrors.CodeInvalidArgument, "")))
	assert.Equal(t, http.StatusNotFound, StatusOf(execution.ErrLinkNotFound))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assert.AnError))
}

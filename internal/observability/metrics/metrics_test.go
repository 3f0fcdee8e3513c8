package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorsExposed(t *testing.T) {
	m := New()
	m.ObserveLifecycle("catalog", "enable", "ok")
	m.ObserveHook("echohook:banner", OutcomeTimeout, 5*time.Second)
	m.HookCollision("k")
	m.LinkQueued("linux")

	h := m.Middleware("healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := scrape(t, m)
	assert.Contains(t, body, `emuhub_plugin_lifecycle_total{outcome="ok",phase="enable",plugin="catalog"} 1`)
	assert.Contains(t, body, `emuhub_hook_invocations_total{key="echohook:banner",outcome="timeout"} 1`)
	assert.Contains(t, body, `emuhub_hook_collisions_total 1`)
	assert.Contains(t, body, `emuhub_links_queued_total{platform="linux"} 1`)
	assert.Contains(t, body, `emuhub_http_requests_total{code="418",handler="healthz",method="GET"} 1`)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveLifecycle("p", "enable", "ok")
	m.ObserveHook("k", OutcomeOK, time.Millisecond)
	m.HookCollision("k")
	m.LinkQueued("linux")
	assert.Nil(t, m.Registry())

	next := http.NotFoundHandler()
	assert.NotNil(t, m.Middleware("x", next))
}

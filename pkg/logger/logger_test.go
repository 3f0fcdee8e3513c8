package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesFileAndAudit(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("dispatch").Debug("hook skipped", slog.String(KeyHookKey, "k"))
	Audit().Info("link queued", slog.String(KeyLinkID, "l-1"))
	require.NoError(t, Sync())

	raw, err := os.ReadFile(appLog)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"component":"dispatch"`)
	assert.Contains(t, string(raw), `"hook_key":"k"`)

	raw, err = os.ReadFile(auditLog)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"log":"audit"`)
	assert.Contains(t, string(raw), `"link_id":"l-1"`)
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestUseCapturesOutput(t *testing.T) {
	var buf bytes.Buffer
	Use(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { _ = Init(Config{}) })

	Audit().Warn("plugin failed", slog.String(KeyPlugin, "catalog"))
	assert.Contains(t, buf.String(), "plugin=catalog")
	assert.Equal(t, slog.LevelWarn, parseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

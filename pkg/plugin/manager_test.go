package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/service"
)

// recorder collects lifecycle events from every fake plugin in call order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakePlugin struct {
	Base
	rec       *recorder
	enableErr error
	expandErr error
	panicOn   string
	requires  []string
	config    map[string]any
}

func newFake(name string, rec *recorder) *fakePlugin {
	return &fakePlugin{Base: Base{PluginName: name, PluginDescription: name + " plugin"}, rec: rec}
}

func (p *fakePlugin) Enable(ctx context.Context, _ *service.Registry) error {
	p.rec.add(p.PluginName + ":enable")
	if p.panicOn == "enable" {
		panic("enable exploded")
	}
	return p.enableErr
}

func (p *fakePlugin) Expansion(ctx context.Context, _ *service.Registry) error {
	p.rec.add(p.PluginName + ":expansion")
	if p.panicOn == "expansion" {
		panic("expansion exploded")
	}
	return p.expandErr
}

func (p *fakePlugin) Requires() []string { return p.requires }

func (p *fakePlugin) Configure(cfg map[string]any) error {
	p.config = cfg
	if v, ok := cfg["fail"].(bool); ok && v {
		return errors.New("bad config")
	}
	return nil
}

// enableOnly has no Expansion method.
type enableOnly struct {
	Base
	rec *recorder
}

func (p *enableOnly) Enable(context.Context, *service.Registry) error {
	p.rec.add(p.PluginName + ":enable")
	return nil
}

func TestBootOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager()
	require.NoError(t, m.Add(newFake("alpha", rec)))
	require.NoError(t, m.Add(&enableOnly{Base: Base{PluginName: "beta"}, rec: rec}))
	require.NoError(t, m.Add(newFake("gamma", rec)))

	err := m.Boot(context.Background(), service.NewRegistry(), func(context.Context) error {
		rec.add("abilities")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"alpha:enable", "beta:enable", "gamma:enable",
		"abilities",
		"alpha:expansion", "gamma:expansion",
	}, rec.list())
	assert.Equal(t, PhaseExpanded, m.Phase())

	state, err := m.State("beta")
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, state)
	state, err = m.State("gamma")
	require.NoError(t, err)
	assert.Equal(t, StateExpanded, state)
}

func TestExpandBeforeAbilitiesLoaded(t *testing.T) {
	rec := &recorder{}
	m := NewManager()
	require.NoError(t, m.Add(newFake("alpha", rec)))

	err := m.Expand(context.Background(), service.NewRegistry())
	assert.ErrorIs(t, err, ErrBootOrder)
	assert.Empty(t, rec.list())

	require.NoError(t, m.Enable(context.Background(), service.NewRegistry()))
	err = m.Expand(context.Background(), service.NewRegistry())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeBootOrder))
	assert.Equal(t, []string{"alpha:enable"}, rec.list())

	assert.Error(t, m.Add(newFake("late", rec)), "no discovery after enable")
}

func TestEnableTwiceRejected(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Enable(context.Background(), service.NewRegistry()))
	assert.ErrorIs(t, m.Enable(context.Background(), service.NewRegistry()), ErrBootOrder)
}

func TestFailuresAreIsolated(t *testing.T) {
	rec := &recorder{}
	broken := newFake("broken", rec)
	broken.enableErr = errors.New("cannot bind")
	panicky := newFake("panicky", rec)
	panicky.panicOn = "expansion"
	healthy := newFake("healthy", rec)

	m := NewManager()
	for _, p := range []Plugin{broken, panicky, healthy} {
		require.NoError(t, m.Add(p))
	}
	require.NoError(t, m.Boot(context.Background(), service.NewRegistry(), nil))

	assert.Equal(t, []string{
		"broken:enable", "panicky:enable", "healthy:enable",
		"panicky:expansion", "healthy:expansion",
	}, rec.list(), "a plugin that failed enable gets no expansion")

	descs := m.Plugins()
	require.Len(t, descs, 3)
	assert.Equal(t, StateFailed, descs[0].State)
	assert.Contains(t, descs[0].Error, "cannot bind")
	assert.Equal(t, StateFailed, descs[1].State)
	assert.Contains(t, descs[1].Error, "expansion exploded")
	assert.Equal(t, StateExpanded, descs[2].State)
	assert.Equal(t, "manual", descs[2].Source)
}

func TestFatalErrorAbortsBoot(t *testing.T) {
	rec := &recorder{}
	first := newFake("first", rec)
	first.enableErr = Fatal(errors.New("database unreachable"))
	m := NewManager()
	require.NoError(t, m.Add(first))
	require.NoError(t, m.Add(newFake("second", rec)))

	loaded := false
	err := m.Boot(context.Background(), service.NewRegistry(), func(context.Context) error {
		loaded = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePluginLifecycle))
	assert.True(t, IsFatal(err))
	assert.False(t, loaded)
	assert.Equal(t, []string{"first:enable"}, rec.list())
}

func TestFatalExpansionAbortsBoot(t *testing.T) {
	rec := &recorder{}
	first := newFake("first", rec)
	first.expandErr = Fatal(errors.New("hook table corrupt"))
	m := NewManager()
	require.NoError(t, m.Add(first))
	require.NoError(t, m.Add(newFake("second", rec)))

	err := m.Boot(context.Background(), service.NewRegistry(), nil)
	require.Error(t, err)
	assert.NotContains(t, rec.list(), "second:expansion")
}

func TestMissingRequiredServiceIsFatal(t *testing.T) {
	rec := &recorder{}
	p := newFake("needy", rec)
	p.requires = []string{service.DataService}
	m := NewManager()
	require.NoError(t, m.Add(p))

	err := m.Enable(context.Background(), service.NewRegistry())
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrUnknownService)
	assert.True(t, IsFatal(err))
	assert.Empty(t, rec.list(), "enable not called when requirements are missing")

	services := service.NewRegistry()
	require.NoError(t, services.Register(service.DataService, struct{}{}))
	satisfied := newFake("needy", rec)
	satisfied.requires = []string{service.DataService}
	m = NewManager()
	require.NoError(t, m.Add(satisfied))
	require.NoError(t, m.Enable(context.Background(), services))
	assert.Equal(t, []string{"needy:enable"}, rec.list())
}

func TestDuplicateAndInvalidNames(t *testing.T) {
	rec := &recorder{}
	m := NewManager()
	require.NoError(t, m.Add(newFake("same", rec)))
	err := m.Add(newFake("same", rec))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeDuplicatePlugin))
	assert.True(t, IsFatal(err))

	assert.Error(t, m.Add(newFake("two words", rec)))
	assert.Error(t, m.Add(nil))
}

func TestLifecycleTimeoutBoundsContext(t *testing.T) {
	var deadline time.Time
	p := &ctxPlugin{Base: Base{PluginName: "timed"}, fn: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}}
	m := NewManager(WithLifecycleTimeout(50 * time.Millisecond))
	require.NoError(t, m.Add(p))
	start := time.Now()
	require.NoError(t, m.Enable(context.Background(), service.NewRegistry()))
	assert.WithinDuration(t, start.Add(50*time.Millisecond), deadline, 40*time.Millisecond)
}

type ctxPlugin struct {
	Base
	fn func(context.Context) error
}

func (p *ctxPlugin) Enable(ctx context.Context, _ *service.Registry) error { return p.fn(ctx) }

var registerTestBuiltin sync.Once

func TestDiscover(t *testing.T) {
	rec := &recorder{}
	registerTestBuiltin.Do(func() {
		RegisterBuiltin("test-builtin", func() Plugin { return newFake("test-builtin", &recorder{}) })
	})

	loaded := map[string]*fakePlugin{}
	loader := LoaderFunc(func(path string) (Plugin, error) {
		switch path {
		case "/opt/plugins/ext.so":
			p := newFake("ext", rec)
			loaded["ext"] = p
			return p, nil
		case "/opt/plugins/misnamed.so":
			return newFake("other", rec), nil
		default:
			return nil, errors.New("no such file")
		}
	})

	m := NewManager(WithLoader(loader))
	err := m.Discover(ManagerConfig{
		PluginDir: "/opt/plugins",
		Plugins: []PluginConfig{
			{Name: "test-builtin", Enabled: true},
			{Name: "ext", Enabled: true, Path: "ext.so", Config: map[string]any{"greeting": "hi"}},
			{Name: "missing", Enabled: true, Path: "missing.so"},
			{Name: "misnamed", Enabled: true, Path: "misnamed.so"},
			{Name: "off", Enabled: false, Path: "off.so"},
			{Name: "no-such-builtin", Enabled: true},
		},
	})
	require.NoError(t, err)

	descs := m.Plugins()
	require.Len(t, descs, 2)
	assert.Equal(t, "test-builtin", descs[0].Name)
	assert.Equal(t, "builtin", descs[0].Source)
	assert.Equal(t, "ext", descs[1].Name)
	assert.Equal(t, "/opt/plugins/ext.so", descs[1].Source)
	assert.Equal(t, StateDiscovered, descs[1].State)
	assert.Equal(t, "hi", loaded["ext"].config["greeting"])
	assert.Contains(t, BuiltinNames(), "test-builtin")
}

func TestDiscoverSkipsConfigureFailure(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithLoader(LoaderFunc(func(string) (Plugin, error) { return newFake("cfg", rec), nil })))
	require.NoError(t, m.Discover(ManagerConfig{Plugins: []PluginConfig{
		{Name: "cfg", Enabled: true, Path: "/abs/cfg.so", Config: map[string]any{"fail": true}},
	}}))
	assert.Empty(t, m.Plugins())
}

func TestDiscoverRejectsDuplicateConfig(t *testing.T) {
	err := NewManager().Discover(ManagerConfig{Plugins: []PluginConfig{
		{Name: "x", Enabled: true}, {Name: "x", Enabled: true},
	}})
	assert.True(t, IsFatal(err))
}

func TestStateUnknownPlugin(t *testing.T) {
	_, err := NewManager().State("ghost")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

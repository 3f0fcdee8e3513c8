package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	xerrors "EmuHub/internal/errors"
	"EmuHub/internal/observability/metrics"
	"EmuHub/internal/service"
	"EmuHub/pkg/logger"
)

const (
	phaseEnable    = "enable"
	phaseExpansion = "expansion"
)

// ErrBootOrder is returned when a boot phase is requested out of sequence.
var ErrBootOrder = xerrors.New(xerrors.CodeBootOrder, "")

// Manager keeps track of discovered plugins and drives their lifecycle.
//
// Callbacks run one at a time, in discovery order, on the caller's goroutine.
// That is what makes the boot barrier hold: every Enable has returned before
// abilities are loaded, and abilities are loaded before any Expansion starts.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	phase   Phase

	loader  Loader
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

type entry struct {
	plugin Plugin
	state  State
	source string
	err    error
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithLifecycleTimeout sets the deadline placed on each callback context.
func WithLifecycleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMetrics records lifecycle outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager constructs an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byName:  make(map[string]*entry),
		loader:  GoPluginLoader{},
		timeout: DefaultLifecycleTimeout,
		log:     logger.Named("plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Add registers a plugin instance in discovery order. Duplicate names are a
// fatal boot error.
func (m *Manager) Add(p Plugin) error {
	return m.add(p, "manual")
}

func (m *Manager) add(p Plugin, source string) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	name := p.Name()
	if !ValidName(name) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("plugin name %q must be a single token", name), xerrors.WithFatal(true))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseDiscovery {
		return xerrors.Wrap(xerrors.CodeBootOrder, ErrBootOrder,
			fmt.Sprintf("plugin %s added after discovery finished", name))
	}
	if _, exists := m.byName[name]; exists {
		return xerrors.New(xerrors.CodeDuplicatePlugin, fmt.Sprintf("plugin %s already registered", name),
			xerrors.WithMetadata("plugin", name))
	}
	e := &entry{plugin: p, state: StateDiscovered, source: source}
	m.entries = append(m.entries, e)
	m.byName[name] = e
	m.log.Info("plugin discovered", slog.String(logger.KeyPlugin, name), slog.String("source", source))
	return nil
}

// Discover resolves every enabled entry of cfg, in order, into a plugin.
// Entries without a path resolve to builtins; entries with a path are loaded
// as shared objects relative to cfg.PluginDir. A plugin that fails to load or
// configure is skipped; duplicate names abort discovery.
func (m *Manager) Discover(cfg ManagerConfig) error {
	if err := cfg.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin configuration", xerrors.WithFatal(true))
	}
	for _, pc := range cfg.Plugins {
		if !pc.Enabled {
			m.log.Debug("plugin disabled", slog.String(logger.KeyPlugin, pc.Name))
			continue
		}
		p, source, err := m.resolve(cfg.PluginDir, pc)
		if err == nil {
			err = configure(p, pc.Config)
		}
		if err != nil {
			m.log.Error("plugin could not be loaded, skipping",
				slog.String(logger.KeyPlugin, pc.Name), slog.Any("error", err))
			m.metrics.ObserveLifecycle(pc.Name, "discover", "error")
			continue
		}
		if p.Name() != pc.Name {
			m.log.Error("plugin name does not match its config entry, skipping",
				slog.String(logger.KeyPlugin, pc.Name), slog.String("reported", p.Name()))
			continue
		}
		if err := m.add(p, source); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) resolve(dir string, pc PluginConfig) (Plugin, string, error) {
	if pc.Path == "" {
		p, err := NewBuiltin(pc.Name)
		return p, "builtin", err
	}
	path := pc.Path
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load plugin from %s: %w", path, err)
	}
	if p == nil {
		return nil, "", fmt.Errorf("plugin at %s resolved to nil", path)
	}
	return p, path, nil
}

func configure(p Plugin, cfg map[string]any) error {
	c, ok := p.(Configurable)
	if !ok {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := c.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", p.Name(), err)
	}
	return nil
}

// Enable runs the enable phase for every discovered plugin in order. Failures
// are isolated per plugin unless they are fatal, in which case the error is
// returned and boot must stop.
func (m *Manager) Enable(ctx context.Context, services *service.Registry) error {
	entries, err := m.advance(PhaseDiscovery, PhaseEnabled)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.plugin.Name()
		if err := checkRequirements(e.plugin, services); err != nil {
			m.record(e, phaseEnable, StateFailed, err)
			return lifecycleError(name, phaseEnable, err)
		}
		cbErr := m.call(ctx, func(cctx context.Context) error {
			return e.plugin.Enable(cctx, services)
		})
		if cbErr != nil {
			m.record(e, phaseEnable, StateFailed, cbErr)
			if IsFatal(cbErr) {
				return lifecycleError(name, phaseEnable, cbErr)
			}
			continue
		}
		m.record(e, phaseEnable, StateEnabled, nil)
	}
	return nil
}

// AbilitiesLoaded signals that the ability catalog is complete. Expansion may
// only run after this call.
func (m *Manager) AbilitiesLoaded() error {
	_, err := m.advance(PhaseEnabled, PhaseAbilitiesLoaded)
	return err
}

// Expand runs the expansion phase for every enabled plugin that implements
// Expander. It refuses to run, without invoking anything, until
// AbilitiesLoaded has been called.
func (m *Manager) Expand(ctx context.Context, services *service.Registry) error {
	entries, err := m.advance(PhaseAbilitiesLoaded, PhaseExpanded)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.stateOf(e) != StateEnabled {
			continue
		}
		exp, ok := e.plugin.(Expander)
		if !ok {
			continue
		}
		name := e.plugin.Name()
		cbErr := m.call(ctx, func(cctx context.Context) error {
			return exp.Expansion(cctx, services)
		})
		if cbErr != nil {
			m.record(e, phaseExpansion, StateFailed, cbErr)
			if IsFatal(cbErr) {
				return lifecycleError(name, phaseExpansion, cbErr)
			}
			continue
		}
		m.record(e, phaseExpansion, StateExpanded, nil)
	}
	return nil
}

// Boot runs the full sequence: enable, load abilities, expansion.
func (m *Manager) Boot(ctx context.Context, services *service.Registry, loadAbilities func(context.Context) error) error {
	if err := m.Enable(ctx, services); err != nil {
		return err
	}
	if loadAbilities != nil {
		if err := loadAbilities(ctx); err != nil {
			return err
		}
	}
	if err := m.AbilitiesLoaded(); err != nil {
		return err
	}
	return m.Expand(ctx, services)
}

// Phase returns the current boot phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Plugins returns descriptors of every discovered plugin in discovery order.
func (m *Manager) Plugins() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.entries))
	for _, e := range m.entries {
		d := Descriptor{
			Name:        e.plugin.Name(),
			Description: e.plugin.Description(),
			Address:     e.plugin.Address(),
			State:       e.state,
			Source:      e.source,
		}
		if e.err != nil {
			d.Error = e.err.Error()
		}
		out = append(out, d)
	}
	return out
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s not registered", name))
	}
	return e.state, nil
}

func (m *Manager) advance(from, to Phase) ([]*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return nil, xerrors.Wrap(xerrors.CodeBootOrder, ErrBootOrder,
			fmt.Sprintf("cannot enter %s while in %s, expected %s", to, m.phase, from))
	}
	m.phase = to
	return append([]*entry(nil), m.entries...), nil
}

func (m *Manager) stateOf(e *entry) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.state
}

// call runs fn synchronously with a bounded context and turns panics into errors.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) (err error) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	err = fn(cctx)
	if err == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		m.log.Warn("plugin callback returned after its deadline", slog.Duration("timeout", m.timeout))
	}
	return err
}

func (m *Manager) record(e *entry, phase string, state State, err error) {
	name := e.plugin.Name()
	m.mu.Lock()
	e.state = state
	e.err = err
	m.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsFatal(err) {
			outcome = "fatal"
		}
		logger.Audit().Error("plugin lifecycle callback failed",
			slog.String(logger.KeyPlugin, name),
			slog.String(logger.KeyPhase, phase),
			slog.String("outcome", outcome),
			slog.Any("error", err))
	} else {
		m.log.Info("plugin lifecycle callback completed",
			slog.String(logger.KeyPlugin, name),
			slog.String(logger.KeyPhase, phase))
	}
	m.metrics.ObserveLifecycle(name, phase, outcome)
}

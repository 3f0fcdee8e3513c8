// Package plugin discovers server plugins and drives them through the two
// boot phases: enable (before abilities are loaded) and expansion (after every
// ability is loaded). Plugins receive the service registry explicitly in both
// callbacks.
package plugin

import (
	"context"

	"EmuHub/internal/service"
)

// Plugin is the contract every plugin implements.
type Plugin interface {
	// Name is a unique, case-sensitive single token.
	Name() string
	// Description is free text shown in the plugin listing.
	Description() string
	// Address is the UI path the plugin serves, or "" when it has no UI.
	Address() string
	// Enable runs once at boot, before ability data is loaded. Plugins
	// typically register HTTP routes here.
	Enable(ctx context.Context, services *service.Registry) error
}

// Expander is implemented by plugins that need the loaded ability catalog,
// usually to register hooks on executors.
type Expander interface {
	Expansion(ctx context.Context, services *service.Registry) error
}

// Requirer lists services that must exist before Enable runs. A missing
// required service aborts boot.
type Requirer interface {
	Requires() []string
}

// Configurable receives the plugin's config block before Enable.
type Configurable interface {
	Configure(cfg map[string]any) error
}

// State represents the lifecycle position of a plugin.
type State string

const (
	StateDiscovered State = "discovered"
	StateEnabled    State = "enabled"
	StateExpanded   State = "expanded"
	StateFailed     State = "failed"
)

// Phase is the boot phase the manager is in.
type Phase int

const (
	PhaseDiscovery Phase = iota
	PhaseEnabled
	PhaseAbilitiesLoaded
	PhaseExpanded
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDiscovery:
		return "discovery"
	case PhaseEnabled:
		return "enabled"
	case PhaseAbilitiesLoaded:
		return "abilities_loaded"
	case PhaseExpanded:
		return "expanded"
	default:
		return "unknown"
	}
}

// Descriptor is the read-only view of a discovered plugin.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Address     string `json:"address,omitempty"`
	State       State  `json:"state"`
	Source      string `json:"source"`
	Error       string `json:"error,omitempty"`
}

// Base implements the descriptive half of Plugin. Embed it and add Enable.
type Base struct {
	PluginName        string
	PluginDescription string
	PluginAddress     string
}

// Name implements Plugin.
func (b Base) Name() string { return b.PluginName }

// Description implements Plugin.
func (b Base) Description() string { return b.PluginDescription }

// Address implements Plugin.
func (b Base) Address() string { return b.PluginAddress }

package features

import (
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string
	Enabled     bool
	Description string
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager creates a manager with the service's flags registered at
// their default values.
func NewDefaultManager() *Manager {
	m := NewManager()
	m.Register(FeatureCacheEnabled, false, "serve GET /cashback through the cashback cache")
	m.Register(FeatureEventHooksEnabled, true, "publish ruleset, transaction and cashback events")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// Apply sets the state of every registered flag named in overrides. Unknown
// names are ignored.
func (m *Manager) Apply(overrides map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, enabled := range overrides {
		if flag, exists := m.flags[name]; exists {
			flag.Enabled = enabled
		}
	}
}

// IsEnabled checks if a feature flag is enabled. A nil manager or an unknown
// flag reports disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.Apply(map[string]bool{name: true})
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.Apply(map[string]bool{name: false})
}

// Names returns the registered flag names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.flags))
	for name := range m.flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Predefined feature flag names
const (
	// FeatureCacheEnabled enables/disables caching of the cashback projection
	FeatureCacheEnabled = "cache_enabled"
	// FeatureEventHooksEnabled enables/disables event-driven hooks
	FeatureEventHooksEnabled = "event_hooks_enabled"
)

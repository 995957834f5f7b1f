package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	// Name is the unique identifier for the plugin.
	Name string

	// Description is a human-readable description of the plugin.
	Description string

	// Factory creates new instances of the plugin.
	Factory Factory

	// Order specifies the startup order. Lower values start first.
	// Default is 50.
	Order int
}

// Registry manages plugin registration and instantiation.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	order   []string
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]PluginInfo),
		order:   make([]string, 0),
	}
}

// Register adds a plugin to the registry. Names must be unique.
func (r *Registry) Register(info PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}

	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %s is already registered", info.Name)
	}

	// Set default order if not specified
	if info.Order == 0 {
		info.Order = 50
	}

	r.plugins[info.Name] = info
	r.order = append(r.order, info.Name)
	return nil
}

// Get returns the plugin info for a given name, or nil if not found.
func (r *Registry) Get(name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered plugins sorted by their startup order.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PluginInfo, 0, len(r.plugins))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}

	// Sort by order (lower first), then by name for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// CreateAll instantiates all registered plugins using the provided context.
// Plugins are created in order (by Order field), so dependencies should
// have lower Order values.
func (r *Registry) CreateAll(ctx *Context) ([]Plugin, error) {
	plugins := r.List()
	result := make([]Plugin, 0, len(plugins))

	for _, info := range plugins {
		plugin, err := info.Factory(ctx)
		if err != nil {
			// Clean up already-created plugins on error
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Stop()
			}
			return nil, fmt.Errorf("failed to create plugin %s: %w", info.Name, err)
		}
		result = append(result, plugin)

		if ctx != nil && ctx.Logger != nil {
			ctx.Logger.Info("Plugin created",
				zap.String("plugin", info.Name),
				zap.Int("order", info.Order),
				zap.String("description", info.Description))
		}
	}

	return result, nil
}

// StartAll starts plugins in order. If one fails, it and every plugin
// started before it are stopped in reverse order and the error is returned.
// A plugin whose Start fails may have set up part of its state, so its Stop
// must tolerate a partial start.
func StartAll(plugins []Plugin, logger *zap.Logger) error {
	for i, p := range plugins {
		logger.Info("Starting plugin", zap.String("plugin", p.Name()))
		if err := p.Start(); err != nil {
			logger.Error("Plugin failed to start, stopping started plugins",
				zap.String("plugin", p.Name()),
				zap.Error(err))
			for j := i; j >= 0; j-- {
				plugins[j].Stop()
			}
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// StopAll stops plugins in reverse start order
func StopAll(plugins []Plugin, logger *zap.Logger) {
	for i := len(plugins) - 1; i >= 0; i-- {
		logger.Info("Stopping plugin", zap.String("plugin", plugins[i].Name()))
		plugins[i].Stop()
	}
}

// Names returns the names of all registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered plugins. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]PluginInfo)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry.
// This is typically called from init() functions in plugin packages.
func Register(info PluginInfo) error {
	return globalRegistry.Register(info)
}

// Get returns plugin info from the global registry.
func Get(name string) *PluginInfo {
	return globalRegistry.Get(name)
}

// List returns all plugins from the global registry.
func List() []PluginInfo {
	return globalRegistry.List()
}

// CreateAll creates all plugins from the global registry.
func CreateAll(ctx *Context) ([]Plugin, error) {
	return globalRegistry.CreateAll(ctx)
}

// Names returns all plugin names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}

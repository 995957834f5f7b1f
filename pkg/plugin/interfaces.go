// Package plugin provides the plugin system interfaces and registry. Plugins
// register themselves with the global registry from init() functions, so the
// set of plugins is chosen at compile time by blank imports.
package plugin

// Plugin is the core interface that all plugins must implement.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	// This name is used for registration and logging.
	Name() string

	// Start begins the plugin's operation.
	// - Sets up integrations and their entities
	// - Subscribes to Home Assistant events
	// - Returns error if initialization fails
	Start() error

	// Stop gracefully shuts down the plugin.
	// - Unloads entities and their subscriptions
	// - Releases resources
	Stop()
}

// Factory is a function that creates a new plugin instance given a context.
// Factories are registered with the global registry and called during
// application startup to instantiate plugins.
type Factory func(ctx *Context) (Plugin, error)

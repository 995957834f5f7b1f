package plugin

import (
	"frigatepersoncounter/internal/config"
	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"

	"go.uber.org/zap"
)

// Context provides dependencies to plugins during initialization.
// It wraps the core services needed by all plugins in a single struct
// for cleaner constructor signatures.
type Context struct {
	// HAClient provides access to Home Assistant for service calls
	// and event subscriptions.
	HAClient ha.HAClient

	// Entities is the entity platform plugins add their entities to.
	Entities *entity.Platform

	// Metrics holds the service's Prometheus collectors.
	Metrics *metrics.Metrics

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	// ReadOnly indicates whether the application is in read-only mode.
	// When true, entity states are recorded locally but not written to
	// Home Assistant.
	ReadOnly bool

	// ConfigDir is the path to the configuration directory.
	ConfigDir string

	// HostConfig is the parsed configuration.yaml.
	HostConfig *config.HostConfig
}

// NewContext creates a new plugin context with all required dependencies.
func NewContext(
	haClient ha.HAClient,
	entities *entity.Platform,
	m *metrics.Metrics,
	logger *zap.Logger,
	readOnly bool,
	configDir string,
	hostConfig *config.HostConfig,
) *Context {
	return &Context{
		HAClient:   haClient,
		Entities:   entities,
		Metrics:    m,
		Logger:     logger,
		ReadOnly:   readOnly,
		ConfigDir:  configDir,
		HostConfig: hostConfig,
	}
}

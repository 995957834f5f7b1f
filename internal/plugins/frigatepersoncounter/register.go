package frigatepersoncounter

import (
	"context"
	"fmt"

	"frigatepersoncounter/internal/config"
	"frigatepersoncounter/internal/integration"
	"frigatepersoncounter/pkg/plugin"

	"go.uber.org/zap"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        Domain,
		Description: "Counts new Frigate person detections as a sensor",
		Order:       50,
		Factory:     createPlugin,
	})
}

// createPlugin builds the integration with its sensor platform
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Entities == nil {
		return nil, fmt.Errorf("%s plugin requires an entity platform", Domain)
	}

	logger := ctx.Logger.Named(Domain)
	sensors := NewSensorPlatform(logger, ctx.Metrics)
	integ := integration.New(Domain, []integration.Platform{sensors}, ctx.Entities, logger, nil)

	return &pluginAdapter{
		integration: integ,
		hostConfig:  ctx.HostConfig,
		logger:      logger,
	}, nil
}

// pluginAdapter drives the integration lifecycle from plugin Start/Stop
type pluginAdapter struct {
	integration *integration.Integration
	hostConfig  *config.HostConfig
	logger      *zap.Logger
}

func (p *pluginAdapter) Name() string {
	return Domain
}

// Start runs integration setup, then sets up every configured entry for
// this domain.
func (p *pluginAdapter) Start() error {
	ctx := context.Background()

	setupCfg := integration.SetupConfig{}
	var entries []config.EntryConfig
	if p.hostConfig != nil {
		setupCfg.Platforms = make(map[string][]integration.PlatformConfig, len(p.hostConfig.Platforms))
		for domain, items := range p.hostConfig.Platforms {
			for _, item := range items {
				setupCfg.Platforms[domain] = append(setupCfg.Platforms[domain], integration.PlatformConfig(item))
			}
		}
		entries = p.hostConfig.EntriesFor(Domain)
	}

	ok, err := p.integration.Setup(ctx, setupCfg)
	if err != nil {
		return fmt.Errorf("failed to set up %s: %w", Domain, err)
	}
	if !ok {
		return fmt.Errorf("setup of %s was rejected", Domain)
	}

	for _, ec := range entries {
		entry := integration.NewConfigEntry(Domain, ec.Title, ec.Data)
		if ec.EntryID != "" {
			entry.EntryID = ec.EntryID
		}

		if _, err := p.integration.SetupEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to set up config entry %s: %w", entry.EntryID, err)
		}
	}

	p.logger.Info("Frigate Person Counter started",
		zap.Strings("entries", p.integration.EntryIDs()))
	return nil
}

// Stop unloads every entry and the YAML-configured sensor
func (p *pluginAdapter) Stop() {
	if err := p.integration.Teardown(context.Background()); err != nil {
		p.logger.Error("Failed to unload Frigate Person Counter", zap.Error(err))
	}
}

// Integration returns the underlying integration
func (p *pluginAdapter) Integration() *integration.Integration {
	return p.integration
}

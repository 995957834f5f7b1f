package frigatepersoncounter

import (
	"context"

	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/integration"
	"frigatepersoncounter/internal/metrics"

	"go.uber.org/zap"
)

// SensorPlatform is the integration's sensor platform. Every setup call adds
// one PersonCounter.
type SensorPlatform struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ integration.Platform = (*SensorPlatform)(nil)

// NewSensorPlatform creates the sensor platform
func NewSensorPlatform(logger *zap.Logger, m *metrics.Metrics) *SensorPlatform {
	return &SensorPlatform{
		logger:  logger,
		metrics: m,
	}
}

func (p *SensorPlatform) Domain() string {
	return "sensor"
}

// SetupPlatform adds the counter for a `sensor: - platform:` YAML item
func (p *SensorPlatform) SetupPlatform(ctx context.Context, cfg integration.PlatformConfig, add entity.AddEntitiesFunc) error {
	p.logger.Info("Setting up Frigate Person Counter sensor platform from YAML")
	return add(ctx, []entity.Entity{NewPersonCounter(p.logger, p.metrics)}, true)
}

// SetupEntry adds the counter for a config entry
func (p *SensorPlatform) SetupEntry(ctx context.Context, entry *integration.ConfigEntry, add entity.AddEntitiesFunc) error {
	p.logger.Info("Setting up Frigate Person Counter sensor from config entry",
		zap.String("entry_id", entry.EntryID))
	return add(ctx, []entity.Entity{NewPersonCounter(p.logger, p.metrics)}, true)
}

// Package integration implements the lifecycle every integration goes
// through: one-time setup, then setup and unload of individual config
// entries, each forwarded to the integration's entity platforms.
package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"frigatepersoncounter/internal/clock"
	"frigatepersoncounter/internal/entity"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// Platform is an entity platform (sensor, binary_sensor, ...) provided by an
// integration.
type Platform interface {
	// Domain returns the platform domain, e.g. "sensor".
	Domain() string

	// SetupPlatform creates entities from a configuration.yaml platform item.
	SetupPlatform(ctx context.Context, cfg PlatformConfig, add entity.AddEntitiesFunc) error

	// SetupEntry creates the entities of a config entry.
	SetupEntry(ctx context.Context, entry *ConfigEntry, add entity.AddEntitiesFunc) error
}

// Integration drives the lifecycle of one integration domain.
type Integration struct {
	domain    string
	platforms []Platform
	entities  *entity.Platform
	logger    *zap.Logger
	clock     clock.Clock

	// data is the per-entry registry, keyed by entry id
	data cmap.ConcurrentMap[string, *EntryData]

	mu         sync.Mutex
	yamlOwners []string
}

// New creates an integration for domain forwarding to platforms
func New(domain string, platforms []Platform, entities *entity.Platform, logger *zap.Logger, clk clock.Clock) *Integration {
	if clk == nil {
		clk = clock.NewRealClock()
	}

	return &Integration{
		domain:    domain,
		platforms: platforms,
		entities:  entities,
		logger:    logger.Named("integration").With(zap.String("domain", domain)),
		clock:     clk,
		data:      cmap.New[*EntryData](),
	}
}

// Domain returns the integration domain
func (i *Integration) Domain() string {
	return i.domain
}

// Setup runs once per process. It sets up every platform item in cfg that
// names this integration.
func (i *Integration) Setup(ctx context.Context, cfg SetupConfig) (bool, error) {
	i.logger.Info("Setting up integration")

	for _, p := range i.platforms {
		for _, item := range cfg.Platforms[p.Domain()] {
			if item.Platform() != i.domain {
				continue
			}

			owner := yamlOwner(p.Domain())
			i.logger.Info("Setting up platform from configuration.yaml",
				zap.String("platform", p.Domain()))

			if err := p.SetupPlatform(ctx, item, i.entities.AddEntitiesFor(owner)); err != nil {
				return false, fmt.Errorf("failed to set up %s platform: %w", p.Domain(), err)
			}

			i.mu.Lock()
			i.yamlOwners = append(i.yamlOwners, owner)
			i.mu.Unlock()
		}
	}

	return true, nil
}

// SetupEntry loads a config entry and forwards it to every platform. An
// entry that is already loaded is left alone.
func (i *Integration) SetupEntry(ctx context.Context, entry *ConfigEntry) (bool, error) {
	if entry == nil || entry.EntryID == "" {
		return false, fmt.Errorf("config entry must have an id")
	}

	data := &EntryData{Entry: entry, LoadedAt: i.clock.Now()}
	if !i.data.SetIfAbsent(entry.EntryID, data) {
		i.logger.Warn("Config entry already loaded",
			zap.String("entry_id", entry.EntryID))
		return true, nil
	}

	i.logger.Info("Setting up config entry",
		zap.String("entry_id", entry.EntryID),
		zap.String("title", entry.Title))

	for _, p := range i.platforms {
		if err := p.SetupEntry(ctx, entry, i.entities.AddEntitiesFor(entry.EntryID)); err != nil {
			if rmErr := i.entities.RemoveOwner(ctx, entry.EntryID); rmErr != nil {
				i.logger.Error("Failed to clean up after platform setup failure",
					zap.String("entry_id", entry.EntryID),
					zap.Error(rmErr))
			}
			i.data.Remove(entry.EntryID)
			return false, fmt.Errorf("failed to forward entry %s to %s: %w", entry.EntryID, p.Domain(), err)
		}
	}

	return true, nil
}

// UnloadEntry unloads the entry's platforms and, only if that succeeded,
// forgets the entry. Unknown entries report false.
func (i *Integration) UnloadEntry(ctx context.Context, entry *ConfigEntry) (bool, error) {
	if entry == nil || !i.data.Has(entry.EntryID) {
		i.logger.Warn("Cannot unload config entry that is not loaded")
		return false, nil
	}

	if err := i.entities.RemoveOwner(ctx, entry.EntryID); err != nil {
		i.logger.Error("Failed to unload platforms",
			zap.String("entry_id", entry.EntryID),
			zap.Error(err))
		return false, err
	}

	i.data.Remove(entry.EntryID)
	i.logger.Info("Unloaded config entry", zap.String("entry_id", entry.EntryID))
	return true, nil
}

// Teardown unloads every loaded entry and the YAML-configured platforms
func (i *Integration) Teardown(ctx context.Context) error {
	var firstErr error

	for _, id := range i.EntryIDs() {
		data, ok := i.data.Get(id)
		if !ok {
			continue
		}
		if _, err := i.UnloadEntry(ctx, data.Entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	i.mu.Lock()
	owners := i.yamlOwners
	i.yamlOwners = nil
	i.mu.Unlock()

	for _, owner := range owners {
		if err := i.entities.RemoveOwner(ctx, owner); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// IsLoaded reports whether an entry id is currently loaded
func (i *Integration) IsLoaded(entryID string) bool {
	return i.data.Has(entryID)
}

// Entry returns the data kept for a loaded entry
func (i *Integration) Entry(entryID string) (*EntryData, bool) {
	return i.data.Get(entryID)
}

// Entries returns the loaded config entries, sorted by id
func (i *Integration) Entries() []*ConfigEntry {
	ids := i.EntryIDs()
	entries := make([]*ConfigEntry, 0, len(ids))
	for _, id := range ids {
		if data, ok := i.data.Get(id); ok {
			entries = append(entries, data.Entry)
		}
	}
	return entries
}

// EntryIDs returns the ids of all loaded entries, sorted
func (i *Integration) EntryIDs() []string {
	ids := i.data.Keys()
	sort.Strings(ids)
	return ids
}

func yamlOwner(platformDomain string) string {
	return SourceYAML + ":" + platformDomain
}

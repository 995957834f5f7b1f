package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"frigatepersoncounter/internal/clock"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"

	"go.uber.org/zap"
)

// Platform owns the entities created by integrations. Entities are grouped
// by owner, which is a config entry id or a YAML setup scope.
type Platform struct {
	client   ha.HAClient
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	readOnly bool

	mu        sync.RWMutex
	owners    map[string][]Entity
	uniqueIDs map[string]string // unique id -> owner
	states    map[string]*EntityState
}

// NewPlatform creates a new entity platform. A nil metrics or clock falls
// back to unregistered collectors and the real clock.
func NewPlatform(client ha.HAClient, logger *zap.Logger, readOnly bool, m *metrics.Metrics, clk clock.Clock) *Platform {
	if m == nil {
		m = metrics.NewNop()
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}

	return &Platform{
		client:    client,
		logger:    logger.Named("entity"),
		metrics:   m,
		clock:     clk,
		readOnly:  readOnly,
		owners:    make(map[string][]Entity),
		uniqueIDs: make(map[string]string),
		states:    make(map[string]*EntityState),
	}
}

// AddEntitiesFor returns an AddEntitiesFunc bound to owner
func (p *Platform) AddEntitiesFor(owner string) AddEntitiesFunc {
	return func(ctx context.Context, entities []Entity, updateBeforeAdd bool) error {
		return p.AddEntities(ctx, owner, entities, updateBeforeAdd)
	}
}

// AddEntities registers entities under owner, activates them and writes
// their initial state. Entities whose unique id is already taken, or whose
// update-before-add fails, are skipped and logged.
func (p *Platform) AddEntities(ctx context.Context, owner string, entities []Entity, updateBeforeAdd bool) error {
	for _, e := range entities {
		if updateBeforeAdd {
			if err := e.Update(ctx); err != nil {
				p.logger.Error("Entity update before add failed, not adding entity",
					zap.String("entity_id", e.EntityID()),
					zap.Error(err))
				continue
			}
		}

		if !p.register(owner, e) {
			continue
		}

		if err := e.AddedToHost(ctx, p); err != nil {
			p.unregister(owner, e)
			return fmt.Errorf("failed to add entity %s: %w", e.EntityID(), err)
		}

		p.logger.Info("Entity added",
			zap.String("entity_id", e.EntityID()),
			zap.String("unique_id", e.UniqueID()),
			zap.String("owner", owner))

		p.WriteState(e)
	}

	return nil
}

func (p *Platform) register(owner string, e Entity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.uniqueIDs[e.UniqueID()]; ok {
		p.logger.Error("Unique ID already exists, ignoring entity",
			zap.String("unique_id", e.UniqueID()),
			zap.String("entity_id", e.EntityID()),
			zap.String("owner", owner),
			zap.String("existing_owner", existing))
		return false
	}

	p.uniqueIDs[e.UniqueID()] = owner
	p.owners[owner] = append(p.owners[owner], e)
	return true
}

func (p *Platform) unregister(owner string, e Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.uniqueIDs, e.UniqueID())
	delete(p.states, e.EntityID())

	entities := p.owners[owner]
	for i, candidate := range entities {
		if candidate == e {
			p.owners[owner] = append(entities[:i:i], entities[i+1:]...)
			break
		}
	}
	if len(p.owners[owner]) == 0 {
		delete(p.owners, owner)
	}
}

// RemoveOwner deactivates and drops every entity registered under owner.
// Entities that fail to deactivate stay registered under owner so that a
// later call retries them; the others are removed regardless.
func (p *Platform) RemoveOwner(ctx context.Context, owner string) error {
	p.mu.Lock()
	entities := p.owners[owner]
	delete(p.owners, owner)
	for _, e := range entities {
		delete(p.uniqueIDs, e.UniqueID())
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range entities {
		if err := e.WillRemoveFromHost(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove entity %s: %w", e.EntityID(), err))
			p.register(owner, e)
			continue
		}

		p.mu.Lock()
		delete(p.states, e.EntityID())
		p.mu.Unlock()

		p.metrics.EntityAvailable.DeleteLabelValues(e.EntityID())
		p.logger.Info("Entity removed",
			zap.String("entity_id", e.EntityID()),
			zap.String("owner", owner))
	}

	return errors.Join(errs...)
}

// ReadOnly reports whether states are only recorded locally
func (p *Platform) ReadOnly() bool {
	return p.readOnly
}

// HasOwner reports whether any entity is registered under owner
func (p *Platform) HasOwner(owner string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.owners[owner]) > 0
}

// Entities returns the entities registered under owner
func (p *Platform) Entities(owner string) []Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Entity(nil), p.owners[owner]...)
}

// SubscribeEvents implements EventBus by delegating to the HA client
func (p *Platform) SubscribeEvents(eventType string, handler ha.EventHandler) (ha.Subscription, error) {
	return p.client.SubscribeEvents(eventType, handler)
}

// WriteState records the entity's current state and publishes it to Home
// Assistant. In read-only mode the state is only recorded locally.
func (p *Platform) WriteState(e Entity) {
	entityID := e.EntityID()

	state := e.State()
	available := e.Available()
	if !available {
		state = StateUnavailable
	}

	attributes := make(map[string]interface{})
	for k, v := range e.ExtraAttributes() {
		attributes[k] = v
	}
	attributes[AttrFriendlyName] = e.Name()
	if icon := e.Icon(); icon != "" {
		attributes[AttrIcon] = icon
	}
	if unit := e.UnitOfMeasurement(); unit != "" {
		attributes[AttrUnitOfMeasurement] = unit
	}

	now := p.clock.Now()
	snapshot := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	p.mu.Lock()
	if prev, ok := p.states[entityID]; ok && prev.State == state {
		snapshot.LastChanged = prev.LastChanged
	}
	p.states[entityID] = snapshot
	p.mu.Unlock()

	if available {
		p.metrics.EntityAvailable.WithLabelValues(entityID).Set(1)
	} else {
		p.metrics.EntityAvailable.WithLabelValues(entityID).Set(0)
	}

	if p.readOnly {
		p.logger.Info("READ-ONLY: Would write entity state",
			zap.String("entity_id", entityID),
			zap.String("state", state))
		p.metrics.StateWrites.WithLabelValues("skipped").Inc()
		return
	}

	if err := p.client.SetEntityState(entityID, state, attributes); err != nil {
		p.logger.Error("Failed to write entity state",
			zap.String("entity_id", entityID),
			zap.String("state", state),
			zap.Error(err))
		p.metrics.StateWrites.WithLabelValues("error").Inc()
		return
	}

	p.metrics.StateWrites.WithLabelValues("ok").Inc()
}

// State returns the last state written for entityID
func (p *Platform) State(entityID string) (EntityState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.states[entityID]
	if !ok {
		return EntityState{}, false
	}
	return copyState(s), true
}

// States returns the last written state of every entity, sorted by entity id
func (p *Platform) States() []EntityState {
	p.mu.RLock()
	result := make([]EntityState, 0, len(p.states))
	for _, s := range p.states {
		result = append(result, copyState(s))
	}
	p.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EntityID < result[j].EntityID
	})
	return result
}

func copyState(s *EntityState) EntityState {
	out := *s
	out.Attributes = make(map[string]interface{}, len(s.Attributes))
	for k, v := range s.Attributes {
		out.Attributes[k] = v
	}
	return out
}

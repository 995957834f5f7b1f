// Package entity implements the host side of the entity contract: entities
// are added to a Platform, subscribe to the Home Assistant event bus through
// it, and hand their state back to it for publication.
package entity

import (
	"context"
	"strings"
	"time"

	"frigatepersoncounter/internal/ha"
)

// StateUnavailable is published instead of the native value while an entity
// is not available.
const StateUnavailable = "unavailable"

// Standard state attribute keys
const (
	AttrFriendlyName      = "friendly_name"
	AttrIcon              = "icon"
	AttrUnitOfMeasurement = "unit_of_measurement"
)

// EventBus is the part of the Home Assistant client entities subscribe through.
type EventBus interface {
	SubscribeEvents(eventType string, handler ha.EventHandler) (ha.Subscription, error)
}

// Host is handed to an entity when it is added to a platform.
type Host interface {
	EventBus

	// WriteState publishes the entity's current state. Failures are handled
	// by the host and never reported back to the entity.
	WriteState(e Entity)
}

// Entity is a single observable value tracked by the host.
type Entity interface {
	Name() string
	UniqueID() string
	EntityID() string
	Icon() string
	UnitOfMeasurement() string

	// State returns the native value formatted as a Home Assistant state string.
	State() string
	Available() bool

	// ExtraAttributes returns attributes published next to the standard ones.
	ExtraAttributes() map[string]interface{}

	// Update polls for a new value. Push-updated entities implement it as a no-op.
	Update(ctx context.Context) error

	// AddedToHost runs once the entity is registered.
	AddedToHost(ctx context.Context, host Host) error

	// WillRemoveFromHost runs before the entity is dropped. It must be safe
	// to call more than once.
	WillRemoveFromHost(ctx context.Context) error
}

// AddEntitiesFunc adds entities on behalf of one platform setup call.
type AddEntitiesFunc func(ctx context.Context, entities []Entity, updateBeforeAdd bool) error

// EntityState is the last state written for an entity.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// GenerateEntityID builds an entity id such as sensor.frigate_person_count
// from a platform domain and a display name.
func GenerateEntityID(domain, name string) string {
	return domain + "." + Slugify(name)
}

// Slugify lower-cases s and collapses every run of characters outside
// [a-z0-9] into a single underscore.
func Slugify(s string) string {
	var b strings.Builder
	pendingSep := false

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

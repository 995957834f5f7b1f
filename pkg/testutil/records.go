package testutil

import "time"

// StateWrite records a REST state write for verification
type StateWrite struct {
	Timestamp  time.Time
	EntityID   string
	State      string
	Attributes map[string]interface{}
}

// FiredEvent records a fire_event command for verification
type FiredEvent struct {
	Timestamp time.Time
	EventType string
	Data      map[string]interface{}
}

// FilterStateWrites returns the writes made for one entity
func FilterStateWrites(writes []StateWrite, entityID string) []StateWrite {
	var filtered []StateWrite
	for _, w := range writes {
		if w.EntityID == entityID {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// LastStateWrite returns the most recent write for an entity, or nil
func LastStateWrite(writes []StateWrite, entityID string) *StateWrite {
	for i := len(writes) - 1; i >= 0; i-- {
		if writes[i].EntityID == entityID {
			w := writes[i]
			return &w
		}
	}
	return nil
}

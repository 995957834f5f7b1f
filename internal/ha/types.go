package ha

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned for WebSocket commands issued while the client
// has no live connection.
var ErrNotConnected = errors.New("not connected")

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// AuthOkMessage represents successful authentication
type AuthOkMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version"`
}

// Event represents an event fired on the Home Assistant event bus
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   *Context        `json:"context,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context represents the context of a state change or event
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// UnsubscribeEventsRequest cancels a subscription created by subscribe_events.
// Subscription is the id of the original subscribe_events request.
type UnsubscribeEventsRequest struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription"`
}

// FireEventRequest represents a fire_event request
type FireEventRequest struct {
	ID        int                    `json:"id"`
	Type      string                 `json:"type"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// StateUpdate is the body of a REST POST /api/states/<entity_id> request
type StateUpdate struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// EventHandler is called for every event of a subscribed event type
type EventHandler func(event *Event)

// Subscription represents an active event subscription
type Subscription interface {
	// Unsubscribe removes the handler. A failed call may be retried; calls
	// after the first success are no-ops.
	Unsubscribe() error
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler EventHandler
}

// subscription implements Subscription for both Client and MockClient
type subscription struct {
	mu     sync.Mutex
	done   bool
	cancel func() error
}

func newSubscription(cancel func() error) *subscription {
	return &subscription{cancel: cancel}
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	if err := s.cancel(); err != nil {
		return err
	}
	s.done = true
	return nil
}

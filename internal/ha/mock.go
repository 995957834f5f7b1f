package ha

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states        map[string]*State
	statesMu      sync.RWMutex
	subscribers   map[string][]subscriberEntry
	subsMu        sync.RWMutex
	nextSubID     int
	nextSubIDMu   sync.Mutex
	connected     bool
	connMu        sync.RWMutex
	firedEvents   []FiredEvent
	stateWrites   []StateWrite
	stateWriteErr error
	callsMu       sync.Mutex
}

// FiredEvent records a FireEvent call for testing
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
	Time      time.Time
}

// StateWrite records a SetEntityState call for testing
type StateWrite struct {
	EntityID   string
	State      string
	Attributes map[string]interface{}
	Time       time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  make(map[string][]subscriberEntry),
		firedEvents:  make([]FiredEvent, 0),
		stateWrites:  make([]StateWrite, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// FireEvent records the event and delivers it to local subscribers, the
// way Home Assistant echoes fired events back to subscribed clients.
func (m *MockClient) FireEvent(eventType string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.firedEvents = append(m.firedEvents, FiredEvent{
		EventType: eventType,
		Data:      data,
		Time:      time.Now(),
	})
	m.callsMu.Unlock()

	return m.SimulateEvent(eventType, data)
}

// SetEntityState records a state write and stores the resulting state
func (m *MockClient) SetEntityState(entityID, state string, attributes map[string]interface{}) error {
	m.callsMu.Lock()
	if m.stateWriteErr != nil {
		err := m.stateWriteErr
		m.callsMu.Unlock()
		return err
	}
	now := time.Now()
	m.stateWrites = append(m.stateWrites, StateWrite{
		EntityID:   entityID,
		State:      state,
		Attributes: attributes,
		Time:       now,
	})
	m.callsMu.Unlock()

	m.SetState(entityID, state, attributes)
	return nil
}

// SubscribeEvents registers a handler for an event type
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type cannot be empty")
	}

	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[eventType] = append(m.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return newSubscription(func() error {
		return m.unsubscribe(eventType, subID)
	}), nil
}

// unsubscribe removes a specific subscription by event type and subscription ID
func (m *MockClient) unsubscribe(eventType string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[eventType]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			if len(m.subscribers[eventType]) == 0 {
				delete(m.subscribers, eventType)
			}
			break
		}
	}

	return nil
}

// SubscriberCount returns the number of handlers registered for an event type
func (m *MockClient) SubscriberCount(eventType string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[eventType])
}

// SimulateEvent marshals data and delivers it synchronously to the
// handlers of eventType.
func (m *MockClient) SimulateEvent(eventType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	m.SimulateRawEvent(eventType, raw)
	return nil
}

// SimulateRawEvent delivers an event with the given raw payload, which
// need not be valid for any particular consumer.
func (m *MockClient) SimulateRawEvent(eventType string, data json.RawMessage) {
	event := &Event{
		EventType: eventType,
		Data:      data,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}

	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[eventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetStateWriteError makes subsequent SetEntityState calls fail with err.
// Pass nil to restore normal behavior.
func (m *MockClient) SetStateWriteError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.stateWriteErr = err
}

// GetFiredEvents returns all recorded FireEvent calls
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	events := make([]FiredEvent, len(m.firedEvents))
	copy(events, m.firedEvents)
	return events
}

// GetStateWrites returns all recorded SetEntityState calls
func (m *MockClient) GetStateWrites() []StateWrite {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	writes := make([]StateWrite, len(m.stateWrites))
	copy(writes, m.stateWrites)
	return writes
}

// ClearRecords clears the recorded fired events and state writes
func (m *MockClient) ClearRecords() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.firedEvents = make([]FiredEvent, 0)
	m.stateWrites = make([]StateWrite, 0)
}

// Package testutil provides testing utilities for plugins. It contains a mock
// Home Assistant server speaking the WebSocket and REST APIs, and helpers for
// writing integration tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex and the
// event subscriptions made on it
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subsMu        sync.Mutex
	subscriptions map[int]string // subscribe request id -> event type
}

func (w *connWrapper) writeJSON(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

func (w *connWrapper) subscribedTo(eventType string) []int {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var ids []int
	for id, et := range w.subscriptions {
		if et == eventType || et == "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// MockHAServer simulates a Home Assistant server
type MockHAServer struct {
	server   *http.Server
	listener net.Listener
	addr     string
	token    string
	logger   *zap.Logger

	states   map[string]*EntityState
	statesMu sync.RWMutex

	connections []*connWrapper
	totalConns  int
	connsMu     sync.Mutex

	stateWrites []StateWrite
	firedEvents []FiredEvent
	recordsMu   sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *MessageError   `json:"error,omitempty"`
}

// MessageError is the error object of a failed result
type MessageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// request is the union of the command fields the server understands
type request struct {
	ID           int                    `json:"id"`
	Type         string                 `json:"type"`
	EventType    string                 `json:"event_type,omitempty"`
	EventData    map[string]interface{} `json:"event_data,omitempty"`
	Subscription int                    `json:"subscription,omitempty"`
}

// NewMockHAServer creates a new mock HA server. Use "127.0.0.1:0" to listen
// on a free port.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:        addr,
		token:       token,
		logger:      zap.NewNop(),
		states:      make(map[string]*EntityState),
		connections: make([]*connWrapper, 0),
	}
}

// SetLogger replaces the server's logger
func (s *MockHAServer) SetLogger(logger *zap.Logger) {
	s.logger = logger.Named("mock_ha")
}

// Start starts the mock server
func (s *MockHAServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("/api/states/", s.handleRESTState)

	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Mock HA server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the address the server listens on
func (s *MockHAServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// WebSocketURL returns the URL clients connect to
func (s *MockHAServer) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.Addr())
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// DropConnections closes every client connection without stopping the server
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
}

// SetState sets a state and broadcasts a state_changed event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.setState(entityID, state, attributes)
}

func (s *MockHAServer) setState(entityID, state string, attributes map[string]interface{}) (created bool, newState *EntityState) {
	s.statesMu.Lock()
	oldState, exists := s.states[entityID]

	now := time.Now()
	newState = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if exists && oldState.State == state {
		newState.LastChanged = oldState.LastChanged
	}

	s.states[entityID] = newState
	s.statesMu.Unlock()

	data, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	s.broadcast("state_changed", data)

	return !exists, newState
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// FireEvent delivers an event to every connection subscribed to its type
func (s *MockHAServer) FireEvent(eventType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	s.FireRawEvent(eventType, raw)
	return nil
}

// FireRawEvent delivers an event with a raw payload
func (s *MockHAServer) FireRawEvent(eventType string, data json.RawMessage) {
	s.broadcast(eventType, data)
}

// SubscriptionCount returns how many subscriptions exist for an event type
// across all connections
func (s *MockHAServer) SubscriptionCount(eventType string) int {
	s.connsMu.Lock()
	wrappers := append([]*connWrapper(nil), s.connections...)
	s.connsMu.Unlock()

	count := 0
	for _, w := range wrappers {
		w.subsMu.Lock()
		for _, et := range w.subscriptions {
			if et == eventType {
				count++
			}
		}
		w.subsMu.Unlock()
	}
	return count
}

// ConnectionCount returns the number of authenticated connections
func (s *MockHAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// TotalConnections returns the number of connections authenticated since
// the server started
func (s *MockHAServer) TotalConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.totalConns
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	wrapper := &connWrapper{conn: conn, subscriptions: make(map[int]string)}

	wrapper.writeJSON(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		s.logger.Warn("Failed to read auth", zap.Error(err))
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}

	wrapper.writeJSON(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.totalConns++
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
	}()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		switch req.Type {
		case "subscribe_events":
			wrapper.subsMu.Lock()
			wrapper.subscriptions[req.ID] = req.EventType
			wrapper.subsMu.Unlock()
			s.reply(wrapper, req.ID, nil, nil)

		case "unsubscribe_events":
			wrapper.subsMu.Lock()
			_, ok := wrapper.subscriptions[req.Subscription]
			delete(wrapper.subscriptions, req.Subscription)
			wrapper.subsMu.Unlock()

			if !ok {
				s.reply(wrapper, req.ID, nil, &MessageError{Code: "not_found", Message: "Subscription not found."})
				continue
			}
			s.reply(wrapper, req.ID, nil, nil)

		case "fire_event":
			s.recordsMu.Lock()
			s.firedEvents = append(s.firedEvents, FiredEvent{
				Timestamp: time.Now(),
				EventType: req.EventType,
				Data:      req.EventData,
			})
			s.recordsMu.Unlock()

			// Acknowledge before delivery, as Home Assistant does
			s.reply(wrapper, req.ID, json.RawMessage(`{"context":{}}`), nil)

			data, _ := json.Marshal(req.EventData)
			if req.EventData == nil {
				data = json.RawMessage(`{}`)
			}
			s.broadcast(req.EventType, data)

		case "get_states":
			s.statesMu.RLock()
			states := make([]*EntityState, 0, len(s.states))
			for _, state := range s.states {
				states = append(states, state)
			}
			s.statesMu.RUnlock()

			result, _ := json.Marshal(states)
			s.reply(wrapper, req.ID, result, nil)

		default:
			s.reply(wrapper, req.ID, nil, &MessageError{Code: "unknown_command", Message: "Unknown command."})
		}
	}
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result json.RawMessage, msgErr *MessageError) {
	success := msgErr == nil
	wrapper.writeJSON(Message{
		ID:      id,
		Type:    "result",
		Success: &success,
		Result:  result,
		Error:   msgErr,
	})
}

// handleRESTState implements POST /api/states/<entity_id>
func (s *MockHAServer) handleRESTState(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}

	entityID := strings.TrimPrefix(r.URL.Path, "/api/states/")

	switch r.Method {
	case http.MethodGet:
		state := s.GetState(entityID)
		if state == nil {
			http.Error(w, `{"message": "Entity not found."}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)

	case http.MethodPost:
		var body struct {
			State      *string                `json:"state"`
			Attributes map[string]interface{} `json:"attributes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.State == nil {
			http.Error(w, `{"message": "No state specified."}`, http.StatusBadRequest)
			return
		}

		s.recordsMu.Lock()
		s.stateWrites = append(s.stateWrites, StateWrite{
			Timestamp:  time.Now(),
			EntityID:   entityID,
			State:      *body.State,
			Attributes: body.Attributes,
		})
		s.recordsMu.Unlock()

		created, state := s.setState(entityID, *body.State, body.Attributes)

		w.Header().Set("Content-Type", "application/json")
		if created {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(state)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// broadcast sends an event to every connection subscribed to its type
func (s *MockHAServer) broadcast(eventType string, data json.RawMessage) {
	event := &Event{
		EventType: eventType,
		Data:      data,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		for _, id := range wrapper.subscribedTo(eventType) {
			wrapper.writeJSON(Message{
				ID:    id,
				Type:  "event",
				Event: event,
			})
		}
	}
}

// GetStateWrites returns all REST state writes since last clear
func (s *MockHAServer) GetStateWrites() []StateWrite {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	return append([]StateWrite(nil), s.stateWrites...)
}

// GetFiredEvents returns all events fired by clients since last clear
func (s *MockHAServer) GetFiredEvents() []FiredEvent {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	return append([]FiredEvent(nil), s.firedEvents...)
}

// ClearRecords resets the state write and fired event logs
func (s *MockHAServer) ClearRecords() {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	s.stateWrites = nil
	s.firedEvents = nil
}

package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	requestTimeout      = 10 * time.Second
	reconnectMinBackoff = time.Second
	reconnectMaxBackoff = 30 * time.Second
)

// HAClient defines the interface for the Home Assistant client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
	FireEvent(eventType string, data map[string]interface{}) error
	SetEntityState(entityID, state string, attributes map[string]interface{}) error
}

// Client implements HAClient over the WebSocket API, with entity state
// writes going through the REST API.
type Client struct {
	url         string
	restURL     string
	token       string
	logger      *zap.Logger
	httpClient  *http.Client
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	subscribers map[string][]subscriberEntry
	haSubIDs    map[string]int // event type -> subscribe_events request id
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant client. url is the WebSocket
// endpoint, e.g. ws://homeassistant.local:8123/api/websocket.
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	restURL, err := restBaseURL(url)
	if err != nil {
		logger.Warn("Cannot derive REST URL from WebSocket URL, entity state writes will fail",
			zap.String("url", url), zap.Error(err))
	}

	return &Client{
		url:         url,
		restURL:     restURL,
		token:       token,
		logger:      logger,
		httpClient:  &http.Client{Timeout: requestTimeout},
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
		haSubIDs:    make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection, authenticates and re-establishes
// the event subscriptions registered so far.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	ctx := c.ctx
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(ctx, conn)

	// Release lock before subscribing, responses arrive on the receive loop
	c.connMu.Unlock()

	c.resubscribeAll()

	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	authMsg := AuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	}
	c.writeMu.Lock()
	err := conn.WriteJSON(authMsg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type == "auth_invalid" {
		return fmt.Errorf("authentication failed: invalid token")
	}

	if authResponse.Type != "auth_ok" {
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	return nil
}

// Disconnect closes the WebSocket connection and stops reconnecting.
// Event handlers stay registered so a later Connect resumes them.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()

	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.clearRemoteSubscriptions()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for the result with the same id
func (c *Client) sendMessage(msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages for one connection. Events are
// dispatched from this goroutine only, so handlers never run concurrently.
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent fans an event out to the handlers registered for its type
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	if len(entries) == 0 {
		c.logger.Debug("Dropping event without handlers",
			zap.String("event_type", msg.Event.EventType))
		return
	}

	for _, entry := range entries {
		entry.handler(msg.Event)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	reconnect := c.reconnect
	c.connMu.Unlock()

	conn.Close()
	c.clearRemoteSubscriptions()
	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

func (c *Client) shouldReconnect() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.reconnect
}

// attemptReconnect retries Connect with exponential backoff until it
// succeeds or Disconnect is called.
func (c *Client) attemptReconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectMinBackoff
	policy.MaxInterval = reconnectMaxBackoff
	policy.MaxElapsedTime = 0

	operation := func() error {
		if !c.shouldReconnect() {
			return backoff.Permanent(errors.New("reconnect cancelled"))
		}

		c.logger.Info("Attempting to reconnect...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		c.logger.Info("Stopped reconnecting", zap.Error(err))
		return
	}

	c.logger.Info("Reconnected successfully")
}

// clearRemoteSubscriptions forgets server-side subscription ids, which do
// not survive the connection they were created on.
func (c *Client) clearRemoteSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.haSubIDs = make(map[string]int)
}

// resubscribeAll subscribes to every event type that has local handlers
func (c *Client) resubscribeAll() {
	c.subsMu.RLock()
	eventTypes := make([]string, 0, len(c.subscribers))
	for eventType := range c.subscribers {
		eventTypes = append(eventTypes, eventType)
	}
	c.subsMu.RUnlock()

	for _, eventType := range eventTypes {
		if err := c.subscribeToEventType(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}
}

// subscribeToEventType sends subscribe_events for one event type, unless a
// subscription for it exists or is in flight on the current connection.
func (c *Client) subscribeToEventType(eventType string) error {
	msgID := c.nextMsgID()

	c.subsMu.Lock()
	if _, ok := c.haSubIDs[eventType]; ok {
		c.subsMu.Unlock()
		return nil
	}
	c.haSubIDs[eventType] = msgID
	c.subsMu.Unlock()

	req := &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: eventType,
	}

	if _, err := c.sendMessage(msgID, req); err != nil {
		c.subsMu.Lock()
		if c.haSubIDs[eventType] == msgID {
			delete(c.haSubIDs, eventType)
		}
		c.subsMu.Unlock()
		return err
	}

	c.logger.Debug("Subscribed to events", zap.String("event_type", eventType))
	return nil
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	msgID := c.nextMsgID()
	req := &GetStatesRequest{
		ID:   msgID,
		Type: "get_states",
	}

	resp, err := c.sendMessage(msgID, req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// FireEvent fires an event on the Home Assistant event bus
func (c *Client) FireEvent(eventType string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	req := &FireEventRequest{
		ID:        msgID,
		Type:      "fire_event",
		EventType: eventType,
		EventData: data,
	}

	if _, err := c.sendMessage(msgID, req); err != nil {
		return fmt.Errorf("failed to fire %s: %w", eventType, err)
	}
	return nil
}

// SubscribeEvents registers handler for every event of eventType. The first
// handler for a type creates the server-side subscription; if the client is
// not connected yet, that happens on Connect.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	c.nextSubIDMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.nextSubIDMu.Unlock()

	c.subsMu.Lock()
	_, known := c.subscribers[eventType]
	c.subscribers[eventType] = append(c.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	if !known && c.IsConnected() {
		if err := c.subscribeToEventType(eventType); err != nil {
			c.removeSubscriber(eventType, subID)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
	}

	return newSubscription(func() error {
		return c.unsubscribe(eventType, subID)
	}), nil
}

// removeSubscriber drops one handler and reports whether it was the last
// one for its event type, along with the server-side subscription id.
func (c *Client) removeSubscriber(eventType string, subID int) (last bool, haSubID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[eventType]
	if !ok {
		return false, 0
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			break
		}
	}

	if len(c.subscribers[eventType]) > 0 {
		return false, 0
	}

	delete(c.subscribers, eventType)
	haSubID, ok = c.haSubIDs[eventType]
	delete(c.haSubIDs, eventType)
	if !ok {
		return true, 0
	}
	return true, haSubID
}

// unsubscribe removes a handler and, when it was the last one for its event
// type, cancels the server-side subscription. Must not be called from an
// event handler: it waits on a response read by the receive loop.
func (c *Client) unsubscribe(eventType string, subID int) error {
	last, haSubID := c.removeSubscriber(eventType, subID)
	if !last || haSubID == 0 || !c.IsConnected() {
		return nil
	}

	msgID := c.nextMsgID()
	req := &UnsubscribeEventsRequest{
		ID:           msgID,
		Type:         "unsubscribe_events",
		Subscription: haSubID,
	}

	if _, err := c.sendMessage(msgID, req); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", eventType, err)
	}

	c.logger.Debug("Unsubscribed from events", zap.String("event_type", eventType))
	return nil
}

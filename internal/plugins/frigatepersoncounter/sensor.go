package frigatepersoncounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"

	"go.uber.org/zap"
)

// PersonCounter is a sensor counting new person detections reported by
// Frigate on the Home Assistant event bus.
type PersonCounter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	count     int
	available bool
	listening bool
	host      entity.Host
	sub       ha.Subscription
}

var _ entity.Entity = (*PersonCounter)(nil)

// NewPersonCounter creates a counter starting at zero
func NewPersonCounter(logger *zap.Logger, m *metrics.Metrics) *PersonCounter {
	if m == nil {
		m = metrics.NewNop()
	}

	return &PersonCounter{
		logger:    logger.Named("sensor"),
		metrics:   m,
		available: true,
	}
}

func (s *PersonCounter) Name() string              { return SensorName }
func (s *PersonCounter) UniqueID() string          { return SensorUniqueID }
func (s *PersonCounter) Icon() string              { return SensorIcon }
func (s *PersonCounter) UnitOfMeasurement() string { return SensorUnit }

func (s *PersonCounter) EntityID() string {
	return entity.GenerateEntityID("sensor", SensorName)
}

// State returns the count as a state string
func (s *PersonCounter) State() string {
	return strconv.Itoa(s.Count())
}

// Count returns the number of person detections seen so far
func (s *PersonCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Available is false once an event could not be handled
func (s *PersonCounter) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *PersonCounter) ExtraAttributes() map[string]interface{} {
	return map[string]interface{}{
		"integration": Domain,
		"event_type":  EventType,
		"description": SensorDescription,
	}
}

// Update is a no-op: the counter is driven by events only.
func (s *PersonCounter) Update(ctx context.Context) error {
	return nil
}

// AddedToHost subscribes to Frigate person events
func (s *PersonCounter) AddedToHost(ctx context.Context, host entity.Host) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return nil
	}
	s.host = host
	s.listening = true
	s.mu.Unlock()

	sub, err := host.SubscribeEvents(EventType, s.handleEvent)
	if err != nil {
		s.mu.Lock()
		s.listening = false
		s.host = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", EventType, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("Started listening for Frigate person events")
	return nil
}

// WillRemoveFromHost cancels the event subscription. Calling it again, or
// before the sensor was added, does nothing. If cancelling fails the handle
// is kept for the next call and events are no longer counted.
func (s *PersonCounter) WillRemoveFromHost(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.listening = false
	s.mu.Unlock()

	if sub == nil {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		s.mu.Lock()
		if s.sub == nil {
			s.sub = sub
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to unsubscribe from %s: %w", EventType, err)
	}

	s.logger.Info("Stopped listening for Frigate person events")
	return nil
}

// handleEvent runs on the client's receive loop
func (s *PersonCounter) handleEvent(event *ha.Event) {
	s.mu.Lock()
	host := s.host
	listening := s.listening
	s.mu.Unlock()

	if !listening || host == nil {
		s.logger.Debug("Dropping Frigate event received after removal")
		return
	}

	counted, err := s.processEvent(host, event)
	switch {
	case err != nil:
		s.logger.Error("Error handling Frigate event", zap.Error(err))
		s.metrics.EventErrors.Inc()

		s.mu.Lock()
		s.available = false
		s.mu.Unlock()

		s.writeState(host)
	case counted:
		s.metrics.Detections.Inc()
	default:
		s.metrics.EventsIgnored.Inc()
	}
}

// processEvent counts the event if it is a new person detection and
// publishes the new value. Panics are returned as errors.
func (s *PersonCounter) processEvent(host entity.Host, event *ha.Event) (counted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			counted = false
			err = fmt.Errorf("panic while handling event: %v", r)
		}
	}()

	if event == nil {
		return false, errors.New("nil event")
	}

	isPerson, err := isNewPersonDetection(event.Data)
	if err != nil || !isPerson {
		return false, err
	}

	s.mu.Lock()
	s.count++
	count := s.count
	s.mu.Unlock()

	host.WriteState(s)
	s.logger.Info("Frigate person detected", zap.Int("count", count))
	return true, nil
}

// writeState publishes the current state, absorbing a panicking host
func (s *PersonCounter) writeState(host entity.Host) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Failed to write state", zap.Any("panic", r))
		}
	}()
	host.WriteState(s)
}

// isNewPersonDetection reports whether a frigate/person payload has
// type "new" and after.label "person". The after object is only looked at
// for new events; a missing after is not an error, a non-object one is.
func isNewPersonDetection(data json.RawMessage) (bool, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, fmt.Errorf("event data is not an object: %w", err)
	}
	if payload == nil {
		return false, errors.New("event data is null")
	}

	var detectionType interface{}
	if raw, ok := payload["type"]; ok {
		_ = json.Unmarshal(raw, &detectionType)
	}
	if detectionType != detectionTypeNew {
		return false, nil
	}

	raw, ok := payload["after"]
	if !ok {
		return false, nil
	}

	var after map[string]interface{}
	if err := json.Unmarshal(raw, &after); err != nil {
		return false, fmt.Errorf("after is not an object: %w", err)
	}
	if after == nil {
		return false, errors.New("after is null")
	}

	return after["label"] == labelPerson, nil
}

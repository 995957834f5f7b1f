package frigatepersoncounter

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingHost is an entity.Host backed by a MockClient event bus
type recordingHost struct {
	client *ha.MockClient

	mu          sync.Mutex
	writes      []string
	subErr      error
	panicWrites int
}

func newRecordingHost(t *testing.T) *recordingHost {
	t.Helper()
	client := ha.NewMockClient()
	require.NoError(t, client.Connect())
	return &recordingHost{client: client}
}

func (h *recordingHost) SubscribeEvents(eventType string, handler ha.EventHandler) (ha.Subscription, error) {
	if h.subErr != nil {
		return nil, h.subErr
	}
	return h.client.SubscribeEvents(eventType, handler)
}

func (h *recordingHost) WriteState(e entity.Entity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.panicWrites > 0 {
		h.panicWrites--
		panic("state machine exploded")
	}

	state := e.State()
	if !e.Available() {
		state = entity.StateUnavailable
	}
	h.writes = append(h.writes, state)
}

func (h *recordingHost) Writes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}

func newActiveCounter(t *testing.T) (*PersonCounter, *recordingHost, *metrics.Metrics) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	m := metrics.New(prometheus.NewRegistry())
	host := newRecordingHost(t)

	counter := NewPersonCounter(logger, m)
	require.NoError(t, counter.AddedToHost(context.Background(), host))
	return counter, host, m
}

func detection(detectionType, label string) map[string]interface{} {
	return map[string]interface{}{
		"type": detectionType,
		"after": map[string]interface{}{
			"id":     "1697040000.123-abc",
			"camera": "front_door",
			"label":  label,
		},
	}
}

func fire(t *testing.T, host *recordingHost, data interface{}) {
	t.Helper()
	require.NoError(t, host.client.SimulateEvent(EventType, data))
}

func TestPersonCounter_Description(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	counter := NewPersonCounter(logger, nil)

	assert.Equal(t, "Frigate Person Count", counter.Name())
	assert.Equal(t, "frigate_person_counter_sensor", counter.UniqueID())
	assert.Equal(t, "sensor.frigate_person_count", counter.EntityID())
	assert.Equal(t, "mdi:account-multiple", counter.Icon())
	assert.Equal(t, "detections", counter.UnitOfMeasurement())
	assert.Equal(t, "0", counter.State())
	assert.True(t, counter.Available())
	assert.Equal(t, map[string]interface{}{
		"integration": "frigate_person_counter",
		"event_type":  "frigate/person",
		"description": "Counts new person detections from Frigate",
	}, counter.ExtraAttributes())
	assert.NoError(t, counter.Update(context.Background()))
}

func TestPersonCounter_Subscribes(t *testing.T) {
	_, host, _ := newActiveCounter(t)
	assert.Equal(t, 1, host.client.SubscriberCount(EventType))
}

func TestPersonCounter_SubscribeFailure(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	host := newRecordingHost(t)
	host.subErr = ha.ErrNotConnected

	counter := NewPersonCounter(logger, nil)
	err := counter.AddedToHost(context.Background(), host)
	require.Error(t, err)
	assert.ErrorIs(t, err, ha.ErrNotConnected)

	// A later attempt can still subscribe
	host.subErr = nil
	require.NoError(t, counter.AddedToHost(context.Background(), host))
	assert.Equal(t, 1, host.client.SubscriberCount(EventType))
}

func TestPersonCounter_EventFiltering(t *testing.T) {
	tests := []struct {
		name      string
		data      interface{}
		wantCount int
	}{
		{"new person", detection("new", "person"), 1},
		{"new dog", detection("new", "dog"), 0},
		{"update person", detection("update", "person"), 0},
		{"end person", detection("end", "person"), 0},
		{"missing type", map[string]interface{}{"after": map[string]interface{}{"label": "person"}}, 0},
		{"missing after", map[string]interface{}{"type": "new"}, 0},
		{"after without label", map[string]interface{}{"type": "new", "after": map[string]interface{}{}}, 0},
		{"label case differs", detection("new", "Person"), 0},
		{"numeric type", map[string]interface{}{"type": 1, "after": map[string]interface{}{"label": "person"}}, 0},
		{"empty payload", map[string]interface{}{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, host, _ := newActiveCounter(t)

			fire(t, host, tt.data)

			assert.Equal(t, tt.wantCount, counter.Count())
			assert.True(t, counter.Available(), "ignored events are not errors")
			assert.Len(t, host.Writes(), tt.wantCount, "host notified once per counted event")
		})
	}
}

func TestPersonCounter_Scenario(t *testing.T) {
	counter, host, m := newActiveCounter(t)

	fire(t, host, detection("new", "dog"))
	fire(t, host, detection("new", "person"))
	fire(t, host, detection("update", "person"))
	fire(t, host, detection("new", "person"))

	assert.Equal(t, 2, counter.Count())
	assert.Equal(t, "2", counter.State())
	assert.Equal(t, []string{"1", "2"}, host.Writes())

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Detections))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.EventsIgnored))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.EventErrors))
}

func TestPersonCounter_RandomSequenceNeverDecreases(t *testing.T) {
	counter, host, m := newActiveCounter(t)
	rng := rand.New(rand.NewSource(20231011))

	types := []string{"new", "update", "end"}
	labels := []string{"person", "dog", "car", "Person"}
	malformed := []string{
		`{"type": "new", "after": null}`,
		`{"type": "new", "after": "person"}`,
		`["new", "person"]`,
	}

	wantCount := 0
	wantErrors := 0
	last := counter.Count()
	for i := 0; i < 500; i++ {
		if rng.Intn(10) == 0 {
			host.client.SimulateRawEvent(EventType, json.RawMessage(malformed[rng.Intn(len(malformed))]))
			wantErrors++
		} else {
			detectionType := types[rng.Intn(len(types))]
			label := labels[rng.Intn(len(labels))]
			if detectionType == "new" && label == "person" {
				wantCount++
			}
			fire(t, host, detection(detectionType, label))
		}

		current := counter.Count()
		require.GreaterOrEqual(t, current, last, "count decreased at event %d", i)
		last = current
	}

	require.Positive(t, wantCount)
	require.Positive(t, wantErrors)
	assert.Equal(t, wantCount, counter.Count())
	assert.Len(t, host.Writes(), wantCount+wantErrors, "one write per counted event or error")
	assert.Equal(t, float64(wantCount), promtest.ToFloat64(m.Detections))
	assert.Equal(t, float64(wantErrors), promtest.ToFloat64(m.EventErrors))
}

func TestPersonCounter_HandlingErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"payload not an object", `["new", "person"]`},
		{"payload null", `null`},
		{"payload not json", `{"type": "new"`},
		{"after is a string", `{"type": "new", "after": "person"}`},
		{"after is null", `{"type": "new", "after": null}`},
		{"after is a list", `{"type": "new", "after": [{"label": "person"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, host, m := newActiveCounter(t)
			fire(t, host, detection("new", "person"))

			host.client.SimulateRawEvent(EventType, json.RawMessage(tt.raw))

			assert.False(t, counter.Available())
			assert.Equal(t, 1, counter.Count(), "count untouched by a failed event")
			assert.Equal(t, []string{"1", entity.StateUnavailable}, host.Writes())
			assert.Equal(t, 1, host.client.SubscriberCount(EventType), "still subscribed")
			assert.Equal(t, 1.0, promtest.ToFloat64(m.EventErrors))
		})
	}
}

func TestPersonCounter_MalformedAfterIgnoredForOtherTypes(t *testing.T) {
	counter, host, _ := newActiveCounter(t)

	host.client.SimulateRawEvent(EventType, json.RawMessage(`{"type": "update", "after": null}`))

	assert.True(t, counter.Available())
	assert.Equal(t, 0, counter.Count())
}

func TestPersonCounter_KeepsCountingAfterError(t *testing.T) {
	counter, host, _ := newActiveCounter(t)

	host.client.SimulateRawEvent(EventType, json.RawMessage(`{"type": "new", "after": 42}`))
	require.False(t, counter.Available())

	fire(t, host, detection("new", "person"))

	assert.Equal(t, 1, counter.Count())
	assert.False(t, counter.Available(), "availability is not restored")
	assert.Equal(t, []string{entity.StateUnavailable, entity.StateUnavailable}, host.Writes())
}

func TestPersonCounter_PanicRecovered(t *testing.T) {
	counter, host, m := newActiveCounter(t)
	host.panicWrites = 1

	assert.NotPanics(t, func() {
		fire(t, host, detection("new", "person"))
	})

	assert.False(t, counter.Available())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EventErrors))
	assert.Equal(t, []string{entity.StateUnavailable}, host.Writes())
	assert.Equal(t, 1, host.client.SubscriberCount(EventType))
}

func TestPersonCounter_NilEvent(t *testing.T) {
	counter, host, _ := newActiveCounter(t)

	counter.handleEvent(nil)

	assert.False(t, counter.Available())
	assert.Equal(t, 0, counter.Count())
	assert.Equal(t, []string{entity.StateUnavailable}, host.Writes())
}

func TestPersonCounter_WillRemoveFromHost(t *testing.T) {
	counter, host, _ := newActiveCounter(t)
	ctx := context.Background()

	fire(t, host, detection("new", "person"))
	require.Equal(t, 1, counter.Count())

	require.NoError(t, counter.WillRemoveFromHost(ctx))
	assert.Equal(t, 0, host.client.SubscriberCount(EventType))

	fire(t, host, detection("new", "person"))
	assert.Equal(t, 1, counter.Count(), "no counting after removal")

	assert.NoError(t, counter.WillRemoveFromHost(ctx), "second removal is a no-op")
}

func TestPersonCounter_WillRemoveBeforeAdd(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	counter := NewPersonCounter(logger, nil)
	assert.NoError(t, counter.WillRemoveFromHost(context.Background()))
}

func TestPersonCounter_LateEventDropped(t *testing.T) {
	counter, host, _ := newActiveCounter(t)

	// Capture the handler as the client would hold it during dispatch
	var handler ha.EventHandler = counter.handleEvent
	require.NoError(t, counter.WillRemoveFromHost(context.Background()))

	raw, err := json.Marshal(detection("new", "person"))
	require.NoError(t, err)
	handler(&ha.Event{EventType: EventType, Data: raw})

	assert.Equal(t, 0, counter.Count())
	assert.Empty(t, host.Writes())
}

func TestPersonCounter_UnsubscribeError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	counter := NewPersonCounter(logger, nil)
	counter.listening = true
	sub := &failingSubscription{failures: 2}
	counter.sub = sub

	err := counter.WillRemoveFromHost(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frigate/person")
	assert.False(t, counter.listening)

	require.Error(t, counter.WillRemoveFromHost(context.Background()), "handle kept for a retry")
	require.NoError(t, counter.WillRemoveFromHost(context.Background()))
	assert.Equal(t, 3, sub.calls)

	require.NoError(t, counter.WillRemoveFromHost(context.Background()))
	assert.Equal(t, 3, sub.calls, "released after success")
}

// failingSubscription fails its first failures unsubscribe attempts
type failingSubscription struct {
	failures int
	calls    int
}

func (f *failingSubscription) Unsubscribe() error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection lost")
	}
	return nil
}

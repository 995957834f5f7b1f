// Package integration runs the person counter against a mock Home Assistant
// server over real WebSocket and REST connections.
package integration

import (
	"encoding/json"
	"testing"
	"time"

	"frigatepersoncounter/internal/config"
	"frigatepersoncounter/internal/entity"
	fpc "frigatepersoncounter/internal/plugins/frigatepersoncounter"
	"frigatepersoncounter/pkg/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "test_token_12345"
	sensorID   = "sensor.frigate_person_count"
	waitFor    = 2 * time.Second
	pollPeriod = 10 * time.Millisecond
)

func yamlConfig() *config.HostConfig {
	return &config.HostConfig{
		Platforms: map[string][]map[string]interface{}{
			"sensor": {{"platform": fpc.Domain}},
		},
	}
}

func setupTest(t *testing.T, hostConfig *config.HostConfig) *testutil.TestEnv {
	t.Helper()
	env, err := testutil.NewTestEnv(testToken)
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)

	require.NoError(t, env.StartPlugins(hostConfig))
	return env
}

func detection(detectionType, label string) map[string]interface{} {
	return map[string]interface{}{
		"type": detectionType,
		"before": map[string]interface{}{
			"label": label,
		},
		"after": map[string]interface{}{
			"id":     "1697040000.123-abc",
			"camera": "front_door",
			"label":  label,
			"score":  0.84,
		},
	}
}

// waitForState waits until the server holds want for the sensor
func waitForState(t *testing.T, env *testutil.TestEnv, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := env.Server.GetState(sensorID)
		return s != nil && s.State == want
	}, waitFor, pollPeriod, "sensor never reached state %q", want)
}

func TestCounter_InitialState(t *testing.T) {
	env := setupTest(t, yamlConfig())

	waitForState(t, env, "0")
	s := env.Server.GetState(sensorID)
	assert.Equal(t, "Frigate Person Count", s.Attributes["friendly_name"])
	assert.Equal(t, "mdi:account-multiple", s.Attributes["icon"])
	assert.Equal(t, "detections", s.Attributes["unit_of_measurement"])
	assert.Equal(t, "frigate_person_counter", s.Attributes["integration"])
	assert.Equal(t, "frigate/person", s.Attributes["event_type"])
	assert.Equal(t, "Counts new person detections from Frigate", s.Attributes["description"])

	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)
}

func TestCounter_Scenario(t *testing.T) {
	env := setupTest(t, yamlConfig())
	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)

	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "dog")))
	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("update", "person")))
	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))

	waitForState(t, env, "2")

	writes := testutil.FilterStateWrites(env.Server.GetStateWrites(), sensorID)
	states := make([]string, 0, len(writes))
	for _, w := range writes {
		states = append(states, w.State)
	}
	assert.Equal(t, []string{"0", "1", "2"}, states)
	assert.Equal(t, 2.0, promtest.ToFloat64(env.Metrics.Detections))
	assert.Equal(t, 2.0, promtest.ToFloat64(env.Metrics.EventsIgnored))
}

func TestCounter_ErrorMarksUnavailable(t *testing.T) {
	env := setupTest(t, yamlConfig())
	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)

	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	waitForState(t, env, "1")

	env.Server.FireRawEvent(fpc.EventType, json.RawMessage(`{"type": "new", "after": "garbage"}`))
	waitForState(t, env, entity.StateUnavailable)

	// Still listening: the count keeps moving behind the unavailable state
	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(env.Metrics.Detections) == 2
	}, waitFor, pollPeriod)

	local, ok := env.Entities.State(sensorID)
	require.True(t, ok)
	assert.Equal(t, entity.StateUnavailable, local.State)
	assert.Equal(t, 1, env.Server.SubscriptionCount(fpc.EventType))
}

func TestCounter_FireEventThroughClient(t *testing.T) {
	env := setupTest(t, yamlConfig())
	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)

	require.NoError(t, env.Client.FireEvent(fpc.EventType, detection("new", "person")))
	waitForState(t, env, "1")

	fired := env.Server.GetFiredEvents()
	require.Len(t, fired, 1)
	assert.Equal(t, fpc.EventType, fired[0].EventType)
}

func TestCounter_StopUnsubscribes(t *testing.T) {
	env := setupTest(t, yamlConfig())
	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)

	env.StopPlugins()
	assert.Equal(t, 0, env.Server.SubscriptionCount(fpc.EventType))

	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0.0, promtest.ToFloat64(env.Metrics.Detections))
}

func TestCounter_ConfigEntry(t *testing.T) {
	env := setupTest(t, &config.HostConfig{
		Entries: []config.EntryConfig{
			{EntryID: "01J9Z7", Domain: fpc.Domain, Title: "Frigate Person Counter"},
		},
	})
	waitForState(t, env, "0")
	assert.True(t, env.Entities.HasOwner("01J9Z7"))

	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	waitForState(t, env, "1")
}

func TestCounter_ResubscribesAfterReconnect(t *testing.T) {
	env := setupTest(t, yamlConfig())
	require.Eventually(t, func() bool {
		return env.Server.SubscriptionCount(fpc.EventType) == 1
	}, waitFor, pollPeriod)

	env.Server.DropConnections()

	require.Eventually(t, func() bool {
		return env.Server.TotalConnections() == 2 &&
			env.Server.ConnectionCount() == 1 &&
			env.Server.SubscriptionCount(fpc.EventType) == 1
	}, 5*time.Second, 50*time.Millisecond, "client did not reconnect and resubscribe")

	require.NoError(t, env.Server.FireEvent(fpc.EventType, detection("new", "person")))
	waitForState(t, env, "1")
}

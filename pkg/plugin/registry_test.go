package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockPlugin implements the Plugin interface for testing
type mockPlugin struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	log      *[]string
}

func (m *mockPlugin) Name() string { return m.name }

func (m *mockPlugin) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	if m.log != nil {
		*m.log = append(*m.log, "start "+m.name)
	}
	return nil
}

func (m *mockPlugin) Stop() {
	m.stopped = true
	if m.log != nil {
		*m.log = append(*m.log, "stop "+m.name)
	}
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        PluginInfo
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: PluginInfo{
				Name:        "test-plugin",
				Description: "A test plugin",
				Factory:     func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "test"}, nil },
			},
			wantErr: false,
		},
		{
			name: "empty name",
			info: PluginInfo{
				Name:    "",
				Factory: func(ctx *Context) (Plugin, error) { return nil, nil },
			},
			wantErr:     true,
			errContains: "name cannot be empty",
		},
		{
			name: "nil factory",
			info: PluginInfo{
				Name:    "test-plugin",
				Factory: nil,
			},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(PluginInfo{
		Name:        "frigate_person_counter",
		Description: "First",
		Factory:     func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "first"}, nil },
	})
	require.NoError(t, err)

	err = registry.Register(PluginInfo{
		Name:        "frigate_person_counter",
		Description: "Second",
		Factory:     func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "second"}, nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// The first registration is kept
	info := registry.Get("frigate_person_counter")
	require.NotNil(t, info)
	assert.Equal(t, "First", info.Description)
	assert.Len(t, registry.Names(), 1)
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()

	// Register plugins with different orders
	registry.Register(PluginInfo{
		Name:    "api_export",
		Order:   90,
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "api_export"}, nil },
	})
	registry.Register(PluginInfo{
		Name:    "ha_bridge",
		Order:   10,
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "ha_bridge"}, nil },
	})
	registry.Register(PluginInfo{
		Name:    "frigate_person_counter",
		Order:   50,
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "frigate_person_counter"}, nil },
	})
	registry.Register(PluginInfo{
		Name:    "doorbell",
		Order:   50,
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "doorbell"}, nil },
	})

	// List should be ordered by Order, then by name
	list := registry.List()
	require.Len(t, list, 4)

	assert.Equal(t, "ha_bridge", list[0].Name)              // Order 10
	assert.Equal(t, "doorbell", list[1].Name)               // Order 50, "d" < "f"
	assert.Equal(t, "frigate_person_counter", list[2].Name) // Order 50
	assert.Equal(t, "api_export", list[3].Name)             // Order 90
}

func TestRegistry_CreateAll(t *testing.T) {
	registry := NewRegistry()

	created := make([]string, 0)

	registry.Register(PluginInfo{
		Name:  "first",
		Order: 10,
		Factory: func(ctx *Context) (Plugin, error) {
			created = append(created, "first")
			return &mockPlugin{name: "first"}, nil
		},
	})
	registry.Register(PluginInfo{
		Name:  "second",
		Order: 20,
		Factory: func(ctx *Context) (Plugin, error) {
			created = append(created, "second")
			return &mockPlugin{name: "second"}, nil
		},
	})

	plugins, err := registry.CreateAll(nil)
	require.NoError(t, err)
	require.Len(t, plugins, 2)

	// Verify creation order
	assert.Equal(t, []string{"first", "second"}, created)
	assert.Equal(t, "first", plugins[0].Name())
	assert.Equal(t, "second", plugins[1].Name())
}

func TestRegistry_CreateAll_LogsWithContextLogger(t *testing.T) {
	registry := NewRegistry()
	core, logs := observer.New(zap.InfoLevel)

	require.NoError(t, registry.Register(PluginInfo{
		Name:        "frigate_person_counter",
		Description: "Counts person detections",
		Factory:     func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "frigate_person_counter"}, nil },
	}))

	// Registration itself does not log
	assert.Equal(t, 0, logs.Len())

	_, err := registry.CreateAll(&Context{Logger: zap.New(core)})
	require.NoError(t, err)

	created := logs.FilterMessage("Plugin created").All()
	require.Len(t, created, 1)
	assert.Equal(t, "frigate_person_counter", created[0].ContextMap()["plugin"])
	assert.Equal(t, int64(50), created[0].ContextMap()["order"])
}

func TestRegistry_CreateAll_ErrorCleanup(t *testing.T) {
	registry := NewRegistry()

	plugin1 := &mockPlugin{name: "first"}
	registry.Register(PluginInfo{
		Name:  "first",
		Order: 10,
		Factory: func(ctx *Context) (Plugin, error) {
			return plugin1, nil
		},
	})
	registry.Register(PluginInfo{
		Name:  "second",
		Order: 20,
		Factory: func(ctx *Context) (Plugin, error) {
			return nil, errors.New("creation failed")
		},
	})

	plugins, err := registry.CreateAll(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create plugin second")
	assert.Nil(t, plugins)

	// Verify cleanup happened - first plugin should be stopped
	assert.True(t, plugin1.stopped, "first plugin should have been stopped on cleanup")
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry := NewRegistry()
	info := registry.Get("nonexistent")
	assert.Nil(t, info)
}

func TestRegistry_Names(t *testing.T) {
	registry := NewRegistry()

	registry.Register(PluginInfo{
		Name:    "alpha",
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{}, nil },
	})
	registry.Register(PluginInfo{
		Name:    "beta",
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{}, nil },
	})

	names := registry.Names()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "alpha")
	assert.Contains(t, names, "beta")
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()

	registry.Register(PluginInfo{
		Name:    "test",
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{}, nil },
	})

	assert.Len(t, registry.Names(), 1)

	registry.Clear()

	assert.Len(t, registry.Names(), 0)
	assert.Nil(t, registry.Get("test"))
}

func TestRegistry_DefaultOrder(t *testing.T) {
	registry := NewRegistry()

	// Register without specifying Order
	err := registry.Register(PluginInfo{
		Name:    "test",
		Factory: func(ctx *Context) (Plugin, error) { return &mockPlugin{}, nil },
	})
	require.NoError(t, err)

	info := registry.Get("test")
	require.NotNil(t, info)
	assert.Equal(t, 50, info.Order, "default order should be 50")
}

func TestGlobalRegistry(t *testing.T) {
	// Clear global registry for clean test
	ClearGlobal()
	defer ClearGlobal()

	err := Register(PluginInfo{
		Name:        "global-test",
		Description: "Testing global registry",
		Factory:     func(ctx *Context) (Plugin, error) { return &mockPlugin{name: "global"}, nil },
	})
	require.NoError(t, err)

	// Test Get
	info := Get("global-test")
	require.NotNil(t, info)
	assert.Equal(t, "Testing global registry", info.Description)

	// Test List
	list := List()
	assert.Len(t, list, 1)

	// Test Names
	names := Names()
	assert.Contains(t, names, "global-test")

	// Test CreateAll
	plugins, err := CreateAll(nil)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "global", plugins[0].Name())
}

func TestStartAll_StopAll(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	var calls []string

	plugins := []Plugin{
		&mockPlugin{name: "first", log: &calls},
		&mockPlugin{name: "second", log: &calls},
	}

	require.NoError(t, StartAll(plugins, logger))
	StopAll(plugins, logger)

	assert.Equal(t, []string{"start first", "start second", "stop second", "stop first"}, calls)
}

func TestStartAll_FailureStopsStarted(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	var calls []string

	first := &mockPlugin{name: "first", log: &calls}
	failing := &mockPlugin{name: "second", log: &calls, startErr: errors.New("no entity platform")}
	third := &mockPlugin{name: "third", log: &calls}

	err := StartAll([]Plugin{first, failing, third}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start plugin second")

	// The failing plugin may have started partially, so it is stopped too
	assert.True(t, first.stopped)
	assert.True(t, failing.stopped)
	assert.False(t, third.started)
	assert.False(t, third.stopped)
	assert.Equal(t, []string{"start first", "stop second", "stop first"}, calls)
}

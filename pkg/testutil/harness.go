package testutil

import (
	"fmt"

	"frigatepersoncounter/internal/config"
	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"
	"frigatepersoncounter/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// TestEnv provides a complete test environment for plugin integration tests:
// a mock HA server, a connected client and an entity platform writing to
// the server over REST.
type TestEnv struct {
	Server   *MockHAServer
	Client   *ha.Client
	Entities *entity.Platform
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Logger   *zap.Logger

	plugins []plugin.Plugin
}

// NewTestEnv starts a mock HA server on a free local port and connects a
// client to it.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	err = env.StartPlugins(&config.HostConfig{...})
func NewTestEnv(token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer("127.0.0.1:0", token)
	server.SetLogger(logger)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	client := ha.NewClient(server.WebSocketURL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	return &TestEnv{
		Server:   server,
		Client:   client,
		Entities: entity.NewPlatform(client, logger, false, m, nil),
		Metrics:  m,
		Registry: reg,
		Logger:   logger,
	}, nil
}

// StartPlugins creates and starts every registered plugin with hostConfig
func (e *TestEnv) StartPlugins(hostConfig *config.HostConfig) error {
	ctx := plugin.NewContext(e.Client, e.Entities, e.Metrics, e.Logger, false, "", hostConfig)

	plugins, err := plugin.CreateAll(ctx)
	if err != nil {
		return err
	}

	if err := plugin.StartAll(plugins, e.Logger); err != nil {
		return err
	}

	e.plugins = plugins
	return nil
}

// StopPlugins stops the plugins started by StartPlugins
func (e *TestEnv) StopPlugins() {
	plugin.StopAll(e.plugins, e.Logger)
	e.plugins = nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.StopPlugins()
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"frigatepersoncounter/internal/api"
	"frigatepersoncounter/internal/config"
	"frigatepersoncounter/internal/entity"
	"frigatepersoncounter/internal/ha"
	"frigatepersoncounter/internal/metrics"
	"frigatepersoncounter/pkg/plugin"

	// Register the integration
	_ "frigatepersoncounter/internal/plugins/frigatepersoncounter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the person counter service",
	RunE:  runService,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().IntVar(&flagAPIPort, "api-port", config.DefaultAPIPort, "HTTP API port (env: API_PORT)")
		c.Flags().BoolVar(&flagReadOnly, "read-only", false, "Do not write entity states to Home Assistant (env: READ_ONLY)")
	}
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Frigate Person Counter",
		zap.String("version", version),
		zap.String("url", cfg.HAURL),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.String("config_dir", cfg.ConfigDir))

	loader := config.NewLoader(cfg.ConfigDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	client := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	entities := entity.NewPlatform(client, logger, cfg.ReadOnly, m, nil)
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - entity states will not be written to Home Assistant")
	}

	pluginCtx := plugin.NewContext(client, entities, m, logger, cfg.ReadOnly, cfg.ConfigDir, loader.GetHostConfig())
	plugins, err := plugin.CreateAll(pluginCtx)
	if err != nil {
		logger.Fatal("Failed to create plugins", zap.Error(err))
	}
	if err := plugin.StartAll(plugins, logger); err != nil {
		logger.Fatal("Failed to start plugins", zap.Error(err))
	}

	server := api.NewServer(entities, client, reg, logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")

	plugin.StopAll(plugins, logger)
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}

	return nil
}

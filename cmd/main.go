// frigate-person-counter counts Frigate person detections published on the
// Home Assistant event bus and exposes the count as a sensor entity.
//
// Usage:
//
//	frigate-person-counter                          # run the service (default)
//	frigate-person-counter run --config-dir ./configs
//	frigate-person-counter simulate --type new --label person
//	frigate-person-counter version
package main

import (
	"fmt"
	"os"

	"frigatepersoncounter/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

var (
	flagHAURL     string
	flagHAToken   string
	flagConfigDir string
	flagAPIPort   int
	flagReadOnly  bool
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "frigate-person-counter",
	Short: "Count Frigate person detections in Home Assistant",
	Long: `frigate-person-counter subscribes to the frigate/person event on the
Home Assistant event bus, counts new person detections and publishes the
count as sensor.frigate_person_count.`,
	SilenceUsage: true,
	RunE:         runService,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHAURL, "ha-url", "", "Home Assistant WebSocket URL (env: HA_URL)")
	rootCmd.PersistentFlags().StringVar(&flagHAToken, "ha-token", "", "Home Assistant long-lived access token (env: HA_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "Directory holding configuration.yaml (env: CONFIG_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("frigate-person-counter %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the production logger at the requested level and makes
// it the global logger used by plugin registration.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(flagLogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// loadConfig reads the environment and applies flag overrides
func loadConfig(cmd *cobra.Command, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.LoadEnv(logger)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flagHAURL != "" {
		cfg.HAURL = flagHAURL
	}
	if flagHAToken != "" {
		cfg.HAToken = flagHAToken
	}
	if flagConfigDir != "" {
		cfg.ConfigDir = flagConfigDir
	}
	if flags.Lookup("api-port") != nil && flags.Changed("api-port") {
		cfg.APIPort = flagAPIPort
	}
	if flags.Lookup("read-only") != nil && flags.Changed("read-only") {
		cfg.ReadOnly = flagReadOnly
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

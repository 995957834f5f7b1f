package main

import (
	"fmt"

	"frigatepersoncounter/internal/ha"
	fpc "frigatepersoncounter/internal/plugins/frigatepersoncounter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagDetectionType  string
	flagDetectionLabel string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Fire a Frigate detection event on the Home Assistant event bus",
	Long: `Fire a frigate/person event shaped like a Frigate MQTT detection message.
Running services subscribed to the event count it like a real detection.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&flagDetectionType, "type", "new", "Detection type: new, update, end")
	simulateCmd.Flags().StringVar(&flagDetectionLabel, "label", "person", "Detected object label")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	client := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer client.Disconnect()

	data := map[string]interface{}{
		"type": flagDetectionType,
		"after": map[string]interface{}{
			"label": flagDetectionLabel,
		},
	}
	if err := client.FireEvent(fpc.EventType, data); err != nil {
		return fmt.Errorf("failed to fire %s: %w", fpc.EventType, err)
	}

	logger.Info("Detection event fired",
		zap.String("event_type", fpc.EventType),
		zap.String("type", flagDetectionType),
		zap.String("label", flagDetectionLabel))
	return nil
}

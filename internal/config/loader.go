package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults for the service settings
const (
	DefaultAPIPort   = 8080
	DefaultConfigDir = "./configs"

	// HostConfigFile is the name of the integration configuration file
	// inside the config directory.
	HostConfigFile = "configuration.yaml"
)

// Config holds the service settings read from the environment
type Config struct {
	HAURL     string
	HAToken   string
	ReadOnly  bool
	APIPort   int
	ConfigDir string
}

// LoadEnv loads .env (if present) and reads the service settings from the
// environment.
func LoadEnv(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg := &Config{
		HAURL:     os.Getenv("HA_URL"),
		HAToken:   os.Getenv("HA_TOKEN"),
		ReadOnly:  os.Getenv("READ_ONLY") == "true",
		APIPort:   DefaultAPIPort,
		ConfigDir: DefaultConfigDir,
	}

	if port := os.Getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", port)
		}
		cfg.APIPort = p
	}

	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		cfg.ConfigDir = dir
	}

	return cfg, nil
}

// Validate checks that the Home Assistant connection settings are present
func (c *Config) Validate() error {
	if c.HAURL == "" || c.HAToken == "" {
		return errors.New("HA_URL and HA_TOKEN environment variables must be set")
	}
	return nil
}

// EntryConfig is a config entry listed under config_entries:
type EntryConfig struct {
	EntryID string                 `yaml:"entry_id"`
	Domain  string                 `yaml:"domain"`
	Title   string                 `yaml:"title"`
	Data    map[string]interface{} `yaml:"data"`
}

// HostConfig represents configuration.yaml. Any top-level list whose items
// carry a platform key is a platform list, e.g.
//
//	sensor:
//	  - platform: frigate_person_counter
//
// and config_entries lists the config entries to load at startup.
type HostConfig struct {
	Platforms map[string][]map[string]interface{}
	Entries   []EntryConfig
}

// UnmarshalYAML implements yaml.Unmarshaler
func (h *HostConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}

	h.Platforms = make(map[string][]map[string]interface{})

	for key, node := range raw {
		if key == "config_entries" {
			if err := node.Decode(&h.Entries); err != nil {
				return fmt.Errorf("invalid config_entries: %w", err)
			}
			continue
		}

		if node.Kind != yaml.SequenceNode {
			continue
		}

		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode {
				continue
			}

			var platform map[string]interface{}
			if err := item.Decode(&platform); err != nil {
				return fmt.Errorf("invalid %s item: %w", key, err)
			}
			if _, ok := platform["platform"]; !ok {
				continue
			}
			h.Platforms[key] = append(h.Platforms[key], platform)
		}
	}

	return nil
}

// EntriesFor returns the config entries of one integration domain
func (h *HostConfig) EntriesFor(domain string) []EntryConfig {
	var result []EntryConfig
	for _, e := range h.Entries {
		if e.Domain == domain {
			result = append(result, e)
		}
	}
	return result
}

// Loader manages configuration file loading
type Loader struct {
	configDir  string
	logger     *zap.Logger
	hostConfig *HostConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// LoadAll loads all configuration files
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadHostConfig(); err != nil {
		return fmt.Errorf("failed to load host config: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadHostConfig loads configuration.yaml. A missing file yields an empty
// configuration.
func (l *Loader) LoadHostConfig() error {
	path := filepath.Join(l.configDir, HostConfigFile)
	l.logger.Debug("Loading host config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("No configuration.yaml found, nothing configured",
			zap.String("path", path))
		l.hostConfig = &HostConfig{Platforms: make(map[string][]map[string]interface{})}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read host config: %w", err)
	}

	config := HostConfig{Platforms: make(map[string][]map[string]interface{})}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse host config: %w", err)
	}

	l.hostConfig = &config
	l.logger.Info("Host config loaded successfully",
		zap.Int("platform_domains", len(config.Platforms)),
		zap.Int("entries", len(config.Entries)))
	return nil
}

// GetHostConfig returns the loaded host configuration
func (l *Loader) GetHostConfig() *HostConfig {
	return l.hostConfig
}
